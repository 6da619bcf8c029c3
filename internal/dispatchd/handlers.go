package dispatchd

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/visionsuit/gpu-agent/api"
	"github.com/visionsuit/gpu-agent/version"
)

// maxEnvelopeBytes caps the dispatch body. Inline workflows run to a few
// hundred kilobytes; anything larger is a mistake.
const maxEnvelopeBytes = 16 << 20

// serviceName labels the root endpoint.
const serviceName = "VisionSuit GPU Agent"

// submitJob accepts a dispatch envelope, reserves the execution slot and
// starts the job in the background. The handler never waits for the job.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEnvelopeBytes))
	if err != nil {
		s.writeJSON(w, http.StatusRequestEntityTooLarge, errorDetail("request body too large or unreadable"))
		return
	}

	details, err := validateEnvelopeBytes(r.Context(), body)
	if err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorDetail(err.Error()))
		return
	}
	if len(details) > 0 {
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": details})
		return
	}

	var job api.DispatchEnvelope
	if err := json.Unmarshal(body, &job); err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorDetail(err.Error()))
		return
	}
	if err := job.Validate(); err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorDetail(err.Error()))
		return
	}

	if !s.conf.Engine.TryReserve() {
		s.writeJSON(w, http.StatusConflict, errorDetail("Agent is currently processing a job"))
		return
	}

	s.tracker.JobStarted(job.JobID, job.User.Username)
	go s.runJob(&job)

	s.logger.Info("Accepted job %s", job.JobID)
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "accepted",
		"jobId":  job.JobID,
	})
}

// runJob drives one reserved job to completion. Failures have already been
// reported through callbacks by the engine, so they are only worth a debug
// line here.
func (s *Server) runJob(job *api.DispatchEnvelope) {
	ctx := s.jobCtx
	if ctx == nil {
		ctx = context.Background()
	}
	err := s.conf.Engine.RunReserved(ctx, job)
	s.tracker.JobFinished(job.JobID, err)
	if err != nil {
		s.logger.Debug("Job %s finished with error: %v", job.JobID, err)
	}
}

// cancelJob asks the engine to cancel the in-flight job. The token comes
// from the X-Cancel-Token header or a JSON body.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	token := strings.TrimSpace(r.Header.Get("X-Cancel-Token"))
	if token == "" {
		var body struct {
			CancelToken      string `json:"cancelToken"`
			CancelTokenAlias string `json:"cancel_token"`
		}
		// The body is optional; decode errors just leave the token empty.
		_ = json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body)
		token = strings.TrimSpace(body.CancelToken)
		if token == "" {
			token = strings.TrimSpace(body.CancelTokenAlias)
		}
	}
	if token == "" {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorDetail("cancel token required"))
		return
	}

	if !s.conf.Engine.RequestCancel(r.Context(), jobID, token) {
		s.writeJSON(w, http.StatusNotFound, errorDetail("no in-flight job matches"))
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "cancelling",
		"jobId":  jobID,
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"busy":     s.conf.Engine.Busy(),
		"activity": s.activitySnapshot(r.Context()),
	})
}

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":   "ok",
		"service":  serviceName,
		"version":  version.Version(),
		"busy":     s.conf.Engine.Busy(),
		"activity": s.activitySnapshot(r.Context()),
	}
	if s.conf.AgentName != "" {
		payload["agent"] = s.conf.AgentName
		payload["instance"] = s.conf.InstanceID
	}
	s.writeJSON(w, http.StatusOK, payload)
}

// activitySnapshot reports the renderer queue state. An unreachable renderer
// degrades to null fields rather than an unhealthy endpoint.
func (s *Server) activitySnapshot(ctx context.Context) map[string]any {
	snapshot := map[string]any{"pending": nil, "running": nil, "raw": nil}

	activity, err := s.conf.Engine.DescribeActivity(ctx)
	if err != nil {
		s.logger.Debug("Failed to query renderer queue state: %v", err)
		return snapshot
	}
	if activity == nil {
		return snapshot
	}
	if activity.Pending != nil {
		snapshot["pending"] = *activity.Pending
	}
	if activity.Running != nil {
		snapshot["running"] = *activity.Running
	}
	if activity.Raw != nil {
		snapshot["raw"] = activity.Raw
	}
	return snapshot
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Dispatch API: couldn't encode response body: %v", err)
	}
}

func errorDetail(msg string) map[string]any {
	return map[string]any{"detail": msg}
}
