// Package dispatchd hosts the agent's HTTP surface: job dispatch,
// cancellation, health, metrics and the status page.
package dispatchd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/visionsuit/gpu-agent/api"
	"github.com/visionsuit/gpu-agent/internal/renderer"
	"github.com/visionsuit/gpu-agent/internal/statuspage"
	"github.com/visionsuit/gpu-agent/logger"
)

// DefaultAddr is where the dispatch server listens unless a flag overrides
// it.
const DefaultAddr = "0.0.0.0:8081"

// Engine is the slice of the job runner the HTTP surface needs.
type Engine interface {
	Busy() bool
	TryReserve() bool
	RunReserved(ctx context.Context, job *api.DispatchEnvelope) error
	RequestCancel(ctx context.Context, jobID, token string) bool
	DescribeActivity(ctx context.Context) (*renderer.Activity, error)
}

// Config is configuration for the dispatch Server.
type Config struct {
	// Addr is the TCP listen address, eg 0.0.0.0:8081.
	Addr string

	// Engine executes accepted jobs.
	Engine Engine

	// AgentName labels this agent in the root endpoint and on the status
	// page.
	AgentName string

	// InstanceID is the per-boot identifier reported alongside the name.
	InstanceID string

	// DebugHTTP logs every request at debug level.
	DebugHTTP bool
}

// Server is the dispatch HTTP server.
type Server struct {
	logger  logger.Logger
	conf    Config
	tracker *statuspage.Tracker
	page    *statuspage.Page

	svr     *http.Server
	jobCtx  context.Context
	started bool
}

// NewServer builds a dispatch server around a job engine.
func NewServer(l logger.Logger, conf Config) (*Server, error) {
	if conf.Engine == nil {
		return nil, errors.New("dispatch server requires a job engine")
	}
	if conf.Addr == "" {
		conf.Addr = DefaultAddr
	}

	s := &Server{
		logger:  l,
		conf:    conf,
		tracker: statuspage.NewTracker(),
	}
	s.page = &statuspage.Page{
		Tracker:    s.tracker,
		AgentName:  conf.AgentName,
		InstanceID: conf.InstanceID,
		Busy:       conf.Engine.Busy,
		Activity:   conf.Engine.DescribeActivity,
	}
	s.svr = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s, nil
}

// Start begins serving in a goroutine, returning an error if the listener
// can't be opened. ctx bounds the lifetime of background jobs started by the
// dispatch handler, not the listener.
func (s *Server) Start(ctx context.Context) error {
	if s.started {
		return errors.New("server already started")
	}

	ln, err := net.Listen("tcp", s.conf.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.conf.Addr, err)
	}

	s.jobCtx = ctx
	go func() {
		if err := s.svr.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Dispatch server stopped: %v", err)
		}
	}()
	s.started = true

	s.logger.Notice("Dispatch API listening on http://%s", ln.Addr())
	return nil
}

// Shutdown gracefully stops the listener, waiting for in-flight requests.
// A running job is not interrupted; its lifetime is governed by the context
// given to Start.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.started {
		return errors.New("server not started")
	}
	return s.svr.Shutdown(ctx)
}
