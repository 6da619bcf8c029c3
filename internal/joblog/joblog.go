// Package joblog persists per-job diagnostic state under the outputs
// directory: a manifest snapshot of the dispatch, an append-only event
// journal and the exact prompt submitted to the renderer.
package joblog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/visionsuit/gpu-agent/api"
	"github.com/visionsuit/gpu-agent/internal/agentconfig"
	"github.com/visionsuit/gpu-agent/logger"
)

const (
	manifestSchemaVersion = 1
	eventsFileName        = "events.jsonl"
	appliedFileName       = "applied-workflow.json"
)

// Store writes job logs beneath the configured outputs directory, falling
// back to a directory under temp when outputs is not writable. Every write
// is best effort: a job never fails because its diagnostics could not be
// recorded.
type Store struct {
	logger   logger.Logger
	fallback string

	mu   sync.Mutex
	root string
}

// StatusEntry is one observed generator state change, kept in the manifest
// so a job's lifecycle can be reconstructed from disk.
type StatusEntry struct {
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
}

// Handle points at the log files of a single job.
type Handle struct {
	JobID        string
	Directory    string
	ManifestPath string
	EventsPath   string

	mu       sync.Mutex
	manifest map[string]any
	timeline []StatusEntry
}

// NewStore returns a Store rooted at the config's job log directory.
func NewStore(l logger.Logger, conf *agentconfig.Config) *Store {
	return &Store{
		logger:   l,
		root:     conf.LogsDir(),
		fallback: filepath.Join(conf.Paths.Temp, "job-logs"),
	}
}

// Create prepares the log directory for a job and writes the initial
// manifest. It returns nil when neither the primary nor the fallback
// directory could be prepared.
func (s *Store) Create(job *api.DispatchEnvelope) *Handle {
	s.mu.Lock()
	baseDir := s.root
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		s.logger.Warn("Failed to prepare job log directory %s: %v", baseDir, err)
		baseDir = s.fallback
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			s.mu.Unlock()
			s.logger.Error("Failed to prepare fallback job log directory %s: %v", baseDir, err)
			return nil
		}
		s.root = baseDir
	}
	s.mu.Unlock()

	jobDir := filepath.Join(baseDir, job.JobID)
	handle := &Handle{
		JobID:        job.JobID,
		Directory:    jobDir,
		ManifestPath: filepath.Join(jobDir, manifestFileName(time.Now())),
		EventsPath:   filepath.Join(jobDir, eventsFileName),
		manifest: map[string]any{
			"schemaVersion": manifestSchemaVersion,
			"capturedAt":    api.Timestamp(time.Now()),
			"job":           job,
		},
	}

	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		s.logger.Error("Failed to persist manifest for job %s: %v", job.JobID, err)
		return nil
	}
	if err := writeJSON(handle.ManifestPath, handle.manifest); err != nil {
		s.logger.Error("Failed to persist manifest for job %s: %v", job.JobID, err)
		return nil
	}
	if f, err := os.OpenFile(handle.EventsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		f.Close()
	}

	return handle
}

// Event appends one entry to the job's event journal.
func (s *Store) Event(h *Handle, event string, details map[string]any) {
	if h == nil {
		return
	}
	entry := map[string]any{
		"timestamp": api.Timestamp(time.Now()),
		"event":     event,
	}
	if len(details) > 0 {
		entry["details"] = details
	}

	line, err := json.Marshal(entry)
	if err != nil {
		s.logger.Warn("Failed to record %s event for job %s: %v", event, h.JobID, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	f, err := os.OpenFile(h.EventsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Warn("Failed to record %s event for job %s: %v", event, h.JobID, err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		s.logger.Warn("Failed to record %s event for job %s: %v", event, h.JobID, err)
	}
}

// UpdateManifest rewrites the manifest with the resolved parameter context
// and the final workflow, plus a canonical-JSON checksum of the workflow so
// replays can detect drift.
func (s *Store) UpdateManifest(h *Handle, job *api.DispatchEnvelope, resolvedParams map[string]any, doc map[string]any) {
	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.manifest["capturedAt"] = api.Timestamp(time.Now())
	h.manifest["job"] = job
	h.manifest["resolvedParameters"] = resolvedParams
	h.manifest["workflow"] = doc
	if checksum, err := workflowChecksum(doc); err == nil {
		h.manifest["workflowChecksum"] = checksum
	} else {
		s.logger.Debug("Failed to checksum workflow for job %s: %v", h.JobID, err)
	}

	if err := writeJSON(h.ManifestPath, h.manifest); err != nil {
		s.logger.Debug("Failed to update manifest for job %s: %v", h.JobID, err)
	}
}

// RecordStatus appends a state change to the manifest's status timeline.
func (s *Store) RecordStatus(h *Handle, state api.GeneratorState) {
	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeline = append(h.timeline, StatusEntry{
		State:     string(state),
		Timestamp: api.Timestamp(time.Now()),
	})
	h.manifest["statusTimeline"] = h.timeline

	if err := writeJSON(h.ManifestPath, h.manifest); err != nil {
		s.logger.Debug("Failed to update status timeline for job %s: %v", h.JobID, err)
	}
}

// PersistAppliedWorkflow writes the prompt exactly as submitted, so a
// failed job can be replayed against the renderer by hand. Works without a
// handle by deriving the job directory from the store root.
func (s *Store) PersistAppliedWorkflow(h *Handle, job *api.DispatchEnvelope, doc map[string]any, clientID string) {
	var directory string
	if h != nil {
		directory = h.Directory
	} else {
		s.mu.Lock()
		directory = filepath.Join(s.root, job.JobID)
		s.mu.Unlock()
	}

	if err := os.MkdirAll(directory, 0o755); err != nil {
		s.logger.Debug("Failed to persist applied workflow for job %s: %v", job.JobID, err)
		return
	}
	payload := map[string]any{
		"prompt":    doc,
		"client_id": clientID,
	}
	if err := writeJSON(filepath.Join(directory, appliedFileName), payload); err != nil {
		s.logger.Debug("Failed to persist applied workflow for job %s: %v", job.JobID, err)
	}
}

// manifestFileName stamps the manifest with a compact UTC timestamp down to
// microseconds, so repeated runs of one job ID never clobber each other.
func manifestFileName(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("manifest-%s%06dZ.json", t.Format("20060102T150405"), t.Nanosecond()/1000)
}

// workflowChecksum canonicalizes the workflow per RFC 8785 and hashes it.
func workflowChecksum(doc map[string]any) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func writeJSON(path string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
