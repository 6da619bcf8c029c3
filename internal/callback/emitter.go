// Package callback delivers status, completion and failure reports to the
// controller. Deliveries are idempotent, retried with a linear backoff and
// never fail the job they describe.
package callback

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildkite/roko"

	"github.com/visionsuit/gpu-agent/api"
	"github.com/visionsuit/gpu-agent/internal/agentconfig"
	"github.com/visionsuit/gpu-agent/internal/renderer"
	"github.com/visionsuit/gpu-agent/logger"
)

const (
	unknownFailureReason = "GPU worker reported an unknown failure."
	maxReasonLength      = 500
	maxNodeErrorLength   = 4096
)

// Category classifies a failure for the controller's handling policy.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryTransient  Category = "transient"
	CategoryTimeout    Category = "timeout"
	CategoryCancelled  Category = "cancelled"
	CategorySystem     Category = "system"
)

// ReasonCode maps a category onto the public reason code enum.
func (c Category) ReasonCode() string {
	switch c {
	case CategoryValidation:
		return "VALIDATION_ERROR"
	case CategoryTransient:
		return "TRANSIENT_ERROR"
	case CategoryTimeout:
		return "TIMEOUT"
	case CategoryCancelled:
		return "CANCELED"
	default:
		return "SYSTEM_ERROR"
	}
}

// ActivityProber captures the renderer queue state attached to status and
// failure payloads.
type ActivityProber interface {
	DescribeActivity(ctx context.Context) (*renderer.Activity, error)
}

// Emitter posts callbacks for the agent. One emitter serves the whole
// process; per-job state lives in a Session.
type Emitter struct {
	logger   logger.Logger
	client   *api.Client
	conf     agentconfig.Callbacks
	clientID string
	prober   ActivityProber
}

// NewEmitter returns an Emitter that posts through client and stamps every
// payload with clientID. prober may be nil, in which case payloads carry no
// activity snapshots.
func NewEmitter(l logger.Logger, client *api.Client, conf agentconfig.Callbacks, clientID string, prober ActivityProber) *Emitter {
	return &Emitter{
		logger:   l,
		client:   client,
		conf:     conf,
		clientID: clientID,
		prober:   prober,
	}
}

// Session tracks the callback state of one job: the heartbeat sequence, the
// prompt ID once the renderer assigned one, and the job's start time.
type Session struct {
	emitter *Emitter
	job     *api.DispatchEnvelope
	started time.Time

	seq atomic.Int64

	mu       sync.Mutex
	promptID string
}

// NewSession starts callback tracking for a job. The session's start time
// anchors the timing block of terminal payloads.
func (e *Emitter) NewSession(job *api.DispatchEnvelope) *Session {
	return &Session{
		emitter: e,
		job:     job,
		started: time.Now(),
	}
}

// SetPromptID records the renderer-assigned prompt ID for later payloads.
func (s *Session) SetPromptID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.promptID = id
	s.mu.Unlock()
}

// PromptID returns the recorded prompt ID, empty before submission.
func (s *Session) PromptID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptID
}

// HeartbeatSeq returns the sequence number of the last emitted status.
func (s *Session) HeartbeatSeq() int64 {
	return s.seq.Load()
}

// StatusOptions carries the optional fields of a status update.
type StatusOptions struct {
	Message  string
	Progress map[string]any
	PromptID string
	Reason   string
}

// EmitStatus posts a heartbeat for the job. Each emission increments the
// heartbeat sequence, which both orders updates on the controller side and
// keys the delivery for idempotent replay.
func (s *Session) EmitStatus(ctx context.Context, state api.GeneratorState, opt StatusOptions) {
	if s.job.Callbacks == nil || s.job.Callbacks.Status == "" {
		return
	}
	s.SetPromptID(opt.PromptID)
	seq := s.seq.Add(1)

	payload := api.StatusUpdate{
		JobID:            s.job.JobID,
		ClientID:         s.emitter.clientID,
		State:            state,
		Timestamp:        api.Timestamp(time.Now()),
		HeartbeatSeq:     seq,
		PromptID:         s.PromptID(),
		Message:          opt.Message,
		Progress:         opt.Progress,
		Reason:           opt.Reason,
		ActivitySnapshot: s.emitter.snapshot(ctx),
	}

	key := fmt.Sprintf("%s-%s-%d", s.job.JobID, state, seq)
	s.emitter.post(ctx, s.job.Callbacks.Status, key, payload)
}

// CompletionResult bundles everything a completion payload reports.
type CompletionResult struct {
	Artifacts []api.ArtifactRecord
	Params    api.CompletionParams
	StatusStr string
	Warnings  []string
}

// EmitCompletion posts the final SUCCESS status followed by the completion
// report.
func (s *Session) EmitCompletion(ctx context.Context, result CompletionResult) {
	s.EmitStatus(ctx, api.StateSuccess, StatusOptions{
		Message:  "Job completed",
		Progress: map[string]any{"phase": "complete", "percent": 100},
	})
	if s.job.Callbacks == nil || s.job.Callbacks.Completion == "" {
		return
	}

	now := time.Now()
	statusStr := result.StatusStr
	if statusStr == "" {
		statusStr = "success"
	}
	artifacts := result.Artifacts
	if artifacts == nil {
		artifacts = []api.ArtifactRecord{}
	}

	payload := api.CompletionReport{
		JobID:     s.job.JobID,
		ClientID:  s.emitter.clientID,
		State:     api.StateSuccess,
		Timestamp: api.Timestamp(now),
		PromptID:  s.PromptID(),
		Artifacts: artifacts,
		Params:    result.Params,
		Meta: api.CompletionMeta{
			StatusStr: statusStr,
			Completed: true,
		},
		Timing:   s.timing(now),
		Warnings: result.Warnings,
	}

	s.emitter.post(ctx, s.job.Callbacks.Completion, s.job.JobID+"-SUCCESS", payload)
}

// EmitCancellation posts the CANCELED status and then the cancellation
// terminal. The terminal goes to the failure URL, or to the dedicated
// cancel URL when no failure URL was supplied.
func (s *Session) EmitCancellation(ctx context.Context) {
	s.EmitStatus(ctx, api.StateCanceled, StatusOptions{
		Message:  "Job cancelled",
		Progress: map[string]any{"phase": "cancelled", "percent": 100},
	})

	if s.job.Callbacks == nil {
		return
	}
	target := s.job.Callbacks.Failure
	if target == "" {
		target = s.job.Callbacks.Cancel
	}
	if target == "" {
		return
	}

	now := time.Now()
	payload := api.FailureReport{
		JobID:      s.job.JobID,
		ClientID:   s.emitter.clientID,
		State:      api.StateCanceled,
		Timestamp:  api.Timestamp(now),
		PromptID:   s.PromptID(),
		ReasonCode: CategoryCancelled.ReasonCode(),
		Reason:     "Job cancelled",
		Timing:     s.timing(now),
	}

	s.emitter.post(ctx, target, s.job.JobID+"-CANCELED", payload)
}

// EmitFailure posts the FAILED status and then the failure terminal,
// carrying the normalized reason, the renderer's node errors when a history
// record is available, and a final activity snapshot.
func (s *Session) EmitFailure(ctx context.Context, reason string, category Category, history map[string]any) {
	if s.job.Callbacks == nil || s.job.Callbacks.Failure == "" {
		return
	}

	normalized := NormalizeReason(reason)
	s.EmitStatus(ctx, api.StateFailed, StatusOptions{
		Message:  "Job failed",
		Reason:   normalized,
		Progress: map[string]any{"phase": "failed"},
	})

	now := time.Now()
	payload := api.FailureReport{
		JobID:        s.job.JobID,
		ClientID:     s.emitter.clientID,
		State:        api.StateFailed,
		Timestamp:    api.Timestamp(now),
		PromptID:     s.PromptID(),
		ReasonCode:   category.ReasonCode(),
		Reason:       normalized,
		ErrorType:    string(category),
		NodeErrors:   normalizeNodeErrors(renderer.NodeErrors(history)),
		Timing:       s.timing(now),
		LastActivity: s.emitter.snapshot(ctx),
	}

	s.emitter.post(ctx, s.job.Callbacks.Failure, s.job.JobID+"-FAILED", payload)
}

// timing builds the timing block relative to the session start. The
// duration rides the monotonic clock, so wall clock adjustments during a
// job do not produce negative values.
func (s *Session) timing(finished time.Time) *api.Timing {
	duration := finished.Sub(s.started)
	if duration < 0 {
		duration = 0
	}
	return &api.Timing{
		StartedAt:  api.Timestamp(s.started),
		FinishedAt: api.Timestamp(finished),
		DurationMS: duration.Milliseconds(),
	}
}

// snapshot captures the renderer queue state, best effort.
func (e *Emitter) snapshot(ctx context.Context) *api.ActivitySnapshot {
	if e.prober == nil {
		return nil
	}
	activity, err := e.prober.DescribeActivity(ctx)
	if err != nil {
		e.logger.Debug("Failed to capture renderer activity snapshot: %v", err)
		return nil
	}
	return buildSnapshot(activity)
}

func buildSnapshot(activity *renderer.Activity) *api.ActivitySnapshot {
	if activity == nil {
		return nil
	}
	snapshot := &api.ActivitySnapshot{QueueSize: activity.Pending}
	if activity.Running != nil {
		executing := *activity.Running > 0
		snapshot.Executing = &executing
	}
	if activity.Raw != nil {
		snapshot.Raw = activity.Raw
	}
	if snapshot.QueueSize == nil && snapshot.Executing == nil && snapshot.Raw == nil {
		return nil
	}
	return snapshot
}

// post delivers one callback. Delivery is best effort: invalid targets are
// skipped with a warning, exhausted retries are logged, and nothing is ever
// returned to fail the job.
func (e *Emitter) post(ctx context.Context, target, idempotencyKey string, payload any) {
	resolved, err := e.client.ResolveURL(target)
	if err != nil {
		e.logger.Warn("Skipping callback with invalid target %q: %v", target, err)
		return
	}

	attempts := e.conf.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	backoff := e.conf.RetryBackoff()
	if backoff < 0 {
		backoff = 0
	}

	err = roko.NewRetrier(
		roko.WithMaxAttempts(attempts),
		roko.WithStrategy(roko.Constant(backoff)),
	).DoWithContext(ctx, func(r *roko.Retrier) error {
		callbackAttempts.Inc()
		resp, err := e.client.PostCallback(ctx, resolved, idempotencyKey, payload)
		if err == nil {
			return nil
		}

		callbackFailures.Inc()
		e.logger.Warn("Callback to %s failed (attempt %d/%d): %v", resolved, r.AttemptCount()+1, attempts, err)

		// The controller rejected the payload itself, so a retry cannot
		// succeed. Rate limiting is the one recoverable 4xx.
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
			r.Break()
			return err
		}

		r.SetNextInterval(backoff * time.Duration(r.AttemptCount()+1))
		return err
	})

	if err != nil {
		e.logger.Warn("Giving up on callback to %s: %v", resolved, err)
	}
}

// NormalizeReason trims a failure reason and caps its length, substituting
// a generic message when nothing usable remains.
func NormalizeReason(reason string) string {
	normalized := strings.TrimSpace(reason)
	if normalized == "" {
		return unknownFailureReason
	}
	if runes := []rune(normalized); len(runes) > maxReasonLength {
		return string(runes[:maxReasonLength-3]) + "…"
	}
	return normalized
}

// normalizeNodeErrors passes structured node errors through verbatim and
// wraps anything else as a capped message object.
func normalizeNodeErrors(raw any) any {
	switch raw.(type) {
	case nil:
		return nil
	case map[string]any, []any:
		return raw
	}
	text := fmt.Sprintf("%v", raw)
	if runes := []rune(text); len(runes) > maxNodeErrorLength {
		text = string(runes[:maxNodeErrorLength-3]) + "…"
	}
	return map[string]any{"message": text}
}
