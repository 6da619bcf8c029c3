package renderer

import (
	"fmt"
	"time"
)

// JobFailedError is returned when the renderer records a prompt as failed.
// The history record is carried along so callers can surface node errors.
type JobFailedError struct {
	PromptID string
	History  map[string]any
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("renderer reported prompt %s as failed", e.PromptID)
}

// TimeoutError is returned when a prompt does not finish within the
// computed completion window.
type TimeoutError struct {
	PromptID string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("prompt %s did not complete within %s", e.PromptID, e.Timeout)
}

// CancelledError is returned when the wait was abandoned because the job was
// cancelled.
type CancelledError struct {
	PromptID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("prompt %s was cancelled", e.PromptID)
}

// ProtocolError is returned when the renderer answers with a payload the
// client cannot interpret. It marks the failure as a renderer-side problem
// rather than a defect in the submitted workflow.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Message
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}
