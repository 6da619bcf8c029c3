package api

import (
	"context"
	"time"
)

// GeneratorState is the public job state enum shared with the controller.
type GeneratorState string

const (
	StateQueued        GeneratorState = "QUEUED"
	StatePreparing     GeneratorState = "PREPARING"
	StateMaterializing GeneratorState = "MATERIALIZING"
	StateSubmitted     GeneratorState = "SUBMITTED"
	StateRunning       GeneratorState = "RUNNING"
	StateUploading     GeneratorState = "UPLOADING"
	StateSuccess       GeneratorState = "SUCCESS"
	StateFailed        GeneratorState = "FAILED"
	StateCanceled      GeneratorState = "CANCELED"
)

// Terminal reports whether the state ends a job.
func (s GeneratorState) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateCanceled:
		return true
	}
	return false
}

// Timestamp is the wall-clock format the controller expects: RFC 3339 with
// millisecond precision and a Z suffix.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// StatusUpdate is a non-terminal heartbeat for a job.
type StatusUpdate struct {
	JobID            string            `json:"job_id"`
	ClientID         string            `json:"client_id"`
	State            GeneratorState    `json:"state"`
	Timestamp        string            `json:"timestamp"`
	HeartbeatSeq     int64             `json:"heartbeat_seq"`
	PromptID         string            `json:"prompt_id,omitempty"`
	Message          string            `json:"message,omitempty"`
	Progress         map[string]any    `json:"progress,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	ActivitySnapshot *ActivitySnapshot `json:"activity_snapshot,omitempty"`
}

// ActivitySnapshot is a point-in-time view of the renderer queue.
type ActivitySnapshot struct {
	QueueSize *int  `json:"queue_size,omitempty"`
	Executing *bool `json:"executing,omitempty"`
	Raw       any   `json:"raw,omitempty"`
}

// ArtifactRecord describes one uploaded output image.
type ArtifactRecord struct {
	NodeID    string      `json:"node_id"`
	Filename  string      `json:"filename"`
	Subfolder string      `json:"subfolder,omitempty"`
	RelPath   string      `json:"rel_path"`
	AbsPath   string      `json:"abs_path"`
	Mime      string      `json:"mime"`
	SHA256    string      `json:"sha256"`
	SizeBytes int64       `json:"size_bytes"`
	S3        *ArtifactS3 `json:"s3,omitempty"`
	Kind      string      `json:"kind"`
}

// ArtifactS3 locates an artifact in the object store.
type ArtifactS3 struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	URL    string `json:"url,omitempty"`
}

// CompletionParams echoes the effective generation parameters back to the
// controller. Nil-valued fields are omitted.
type CompletionParams struct {
	Model     string      `json:"model,omitempty"`
	VAE       any         `json:"vae,omitempty"`
	Clip      any         `json:"clip,omitempty"`
	Seed      *int64      `json:"seed,omitempty"`
	Steps     any         `json:"steps,omitempty"`
	Cfg       any         `json:"cfg,omitempty"`
	Sampler   any         `json:"sampler,omitempty"`
	Scheduler any         `json:"scheduler,omitempty"`
	Denoise   any         `json:"denoise,omitempty"`
	Width     any         `json:"width,omitempty"`
	Height    any         `json:"height,omitempty"`
	Loras     []LoraParam `json:"loras,omitempty"`
}

type LoraParam struct {
	Name string `json:"name"`
}

// CompletionMeta carries the renderer's final status string.
type CompletionMeta struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

// Timing reports when a job started and finished.
type Timing struct {
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at"`
	DurationMS int64  `json:"duration_ms"`
}

// CompletionReport is the terminal payload for a successful job.
type CompletionReport struct {
	JobID     string           `json:"job_id"`
	ClientID  string           `json:"client_id"`
	State     GeneratorState   `json:"state"`
	Timestamp string           `json:"timestamp"`
	PromptID  string           `json:"prompt_id,omitempty"`
	Artifacts []ArtifactRecord `json:"artifacts"`
	Params    CompletionParams `json:"params"`
	Meta      CompletionMeta   `json:"meta"`
	Timing    *Timing          `json:"timing,omitempty"`
	Warnings  []string         `json:"warnings,omitempty"`
}

// FailureReport is the terminal payload for a failed or cancelled job.
type FailureReport struct {
	JobID        string            `json:"job_id"`
	ClientID     string            `json:"client_id"`
	State        GeneratorState    `json:"state"`
	Timestamp    string            `json:"timestamp"`
	PromptID     string            `json:"prompt_id,omitempty"`
	ReasonCode   string            `json:"reason_code"`
	Reason       string            `json:"reason"`
	ErrorType    string            `json:"error_type,omitempty"`
	NodeErrors   any               `json:"node_errors,omitempty"`
	Timing       *Timing           `json:"timing,omitempty"`
	LastActivity *ActivitySnapshot `json:"last_activity,omitempty"`
}

// PostCallback delivers a callback payload to an already-resolved URL with the
// given idempotency key.
func (c *Client) PostCallback(ctx context.Context, u string, idempotencyKey string, payload any) (*Response, error) {
	headers := []Header{}
	if idempotencyKey != "" {
		headers = append(headers, Header{Name: "Idempotency-Key", Value: idempotencyKey})
	}
	req, err := c.newRequest(ctx, "POST", u, payload, headers...)
	if err != nil {
		return nil, err
	}
	return c.doRequest(req, nil)
}
