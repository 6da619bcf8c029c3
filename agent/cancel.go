package agent

import (
	"context"
	"strings"
	"sync"

	"github.com/visionsuit/gpu-agent/api"
	"github.com/visionsuit/gpu-agent/internal/callback"
	"github.com/visionsuit/gpu-agent/internal/joblog"
)

// CancellationHandle pairs the in-flight job's cancel token with the signal
// channel its renderer wait selects on. The channel closes at most once no
// matter how many cancel requests arrive.
type CancellationHandle struct {
	token   string
	job     *api.DispatchEnvelope
	session *callback.Session
	logh    *joblog.Handle

	once   sync.Once
	signal chan struct{}
}

// Signal returns the channel that closes when cancellation is requested.
func (h *CancellationHandle) Signal() <-chan struct{} {
	return h.signal
}

// fire closes the signal channel, reporting whether this call was the one
// that did it.
func (h *CancellationHandle) fire() bool {
	first := false
	h.once.Do(func() {
		first = true
		close(h.signal)
	})
	return first
}

// registerCancellation installs the process-wide cancellation handle for a
// job. Jobs dispatched without a token cannot be cancelled and get no
// handle.
func (r *Runner) registerCancellation(job *api.DispatchEnvelope, session *callback.Session, logh *joblog.Handle) *CancellationHandle {
	token := strings.TrimSpace(job.CancelToken)

	r.mu.Lock()
	defer r.mu.Unlock()
	if token == "" {
		r.cancelHandle = nil
		return nil
	}
	handle := &CancellationHandle{
		token:   token,
		job:     job,
		session: session,
		logh:    logh,
		signal:  make(chan struct{}),
	}
	r.cancelHandle = handle
	return handle
}

// clearCancellation removes the handle if it is still the installed one.
func (r *Runner) clearCancellation(handle *CancellationHandle) {
	if handle == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelHandle == handle {
		r.cancelHandle = nil
	}
}

// RequestCancel matches jobID and token against the in-flight job and, on
// the first match, fires the cancellation signal, records the request in the
// job log and emits a best-effort status update. It reports whether a
// matching job was found; delivery of the cancellation itself is
// asynchronous.
func (r *Runner) RequestCancel(ctx context.Context, jobID, token string) bool {
	r.mu.Lock()
	handle := r.cancelHandle
	r.mu.Unlock()

	if handle == nil || token == "" || handle.token != token || handle.job.JobID != jobID {
		r.logger.Debug("Cancellation request did not match the active job")
		return false
	}

	if handle.fire() {
		cancelRequests.Inc()
		r.logger.Info("Received cancellation request for job %s", handle.job.JobID)
		r.logs.Event(handle.logh, "cancel_requested", nil)
		handle.session.EmitStatus(ctx, api.StateRunning, callback.StatusOptions{
			Message:  "Cancellation requested",
			Progress: map[string]any{"phase": "cancelling"},
		})
	}
	return true
}
