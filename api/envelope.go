package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Cache strategies for a dispatched asset.
const (
	CachePersistent = "persistent"
	CacheEphemeral  = "ephemeral"
)

// UserContext identifies the controller-side owner of a job.
type UserContext struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// AssetRef points at a model or LoRA object in the object store. The
// controller may send displayName/originalName in either camelCase or
// snake_case; both spellings decode into the same fields.
type AssetRef struct {
	Bucket        string `json:"bucket"`
	Key           string `json:"key"`
	CacheStrategy string `json:"cacheStrategy,omitempty"`
	Checksum      string `json:"checksum,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
	OriginalName  string `json:"originalName,omitempty"`
}

func (a *AssetRef) UnmarshalJSON(data []byte) error {
	type plain AssetRef
	aux := struct {
		*plain
		DisplayNameAlias  string `json:"display_name"`
		OriginalNameAlias string `json:"original_name"`
	}{plain: (*plain)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if a.DisplayName == "" {
		a.DisplayName = aux.DisplayNameAlias
	}
	if a.OriginalName == "" {
		a.OriginalName = aux.OriginalNameAlias
	}
	if a.CacheStrategy == "" {
		a.CacheStrategy = CacheEphemeral
	}
	return nil
}

// Persistent reports whether cleanup must leave this asset on disk.
func (a AssetRef) Persistent() bool {
	return a.CacheStrategy == CachePersistent
}

// WorkflowRef names the node graph for a job. Exactly one of Inline,
// LocalPath and MinioKey must be set.
type WorkflowRef struct {
	ID        string          `json:"id,omitempty"`
	Version   string          `json:"version,omitempty"`
	Inline    json.RawMessage `json:"inline,omitempty"`
	LocalPath string          `json:"localPath,omitempty"`
	MinioKey  string          `json:"minioKey,omitempty"`
	Bucket    string          `json:"bucket,omitempty"`
}

// HasInline reports whether the reference carries an inline graph payload.
func (w WorkflowRef) HasInline() bool {
	trimmed := strings.TrimSpace(string(w.Inline))
	return trimmed != "" && trimmed != "null"
}

// Validate enforces the single-source invariant.
func (w WorkflowRef) Validate() error {
	sources := 0
	if w.HasInline() {
		sources++
	}
	if strings.TrimSpace(w.LocalPath) != "" {
		sources++
	}
	if strings.TrimSpace(w.MinioKey) != "" {
		sources++
	}
	switch sources {
	case 0:
		return errors.New("workflow reference must provide an inline payload, localPath or minioKey")
	case 1:
		return nil
	default:
		return errors.New("workflow reference must provide exactly one of inline, localPath and minioKey")
	}
}

// OutputSpec is where artifacts land in the object store.
type OutputSpec struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
}

// Resolution is the requested output size.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// JobParameters carries the generation inputs. Extra holds options the
// envelope schema doesn't enumerate (sampler, scheduler, LoRA metadata, ...).
type JobParameters struct {
	Prompt         string         `json:"prompt"`
	NegativePrompt string         `json:"negativePrompt,omitempty"`
	Seed           *int64         `json:"seed,omitempty"`
	CfgScale       *float64       `json:"cfgScale,omitempty"`
	Steps          *int           `json:"steps,omitempty"`
	Resolution     *Resolution    `json:"resolution,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// NodeMutation is a single node-path edit applied to the workflow graph
// before submission.
type NodeMutation struct {
	Node  int    `json:"node"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// ParameterBinding maps a resolved parameter onto a node path.
type ParameterBinding struct {
	Parameter string `json:"parameter"`
	Node      int    `json:"node"`
	Path      string `json:"path"`
}

// CallbackConfig lists the controller's callback targets for a job. All are
// optional; a missing target means that class of callback is skipped.
type CallbackConfig struct {
	Status     string `json:"status,omitempty"`
	Completion string `json:"completion,omitempty"`
	Failure    string `json:"failure,omitempty"`
	Cancel     string `json:"cancel,omitempty"`
}

// DispatchEnvelope is the request body of POST /jobs: everything the agent
// needs to run one generation job.
type DispatchEnvelope struct {
	JobID              string             `json:"jobId"`
	User               UserContext        `json:"user"`
	Workflow           WorkflowRef        `json:"workflow"`
	BaseModel          AssetRef           `json:"baseModel"`
	Loras              []AssetRef         `json:"loras,omitempty"`
	Parameters         JobParameters      `json:"parameters"`
	Output             OutputSpec         `json:"output"`
	Priority           string             `json:"priority,omitempty"`
	RequestedAt        string             `json:"requestedAt,omitempty"`
	CancelToken        string             `json:"cancelToken,omitempty"`
	WorkflowOverrides  []NodeMutation     `json:"workflowOverrides,omitempty"`
	WorkflowParameters []ParameterBinding `json:"workflowParameters,omitempty"`
	Callbacks          *CallbackConfig    `json:"callbacks,omitempty"`
}

func (e *DispatchEnvelope) UnmarshalJSON(data []byte) error {
	type plain DispatchEnvelope
	aux := struct {
		*plain
		CancelTokenAlias string `json:"cancel_token"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if e.CancelToken == "" {
		e.CancelToken = aux.CancelTokenAlias
	}
	if e.Parameters.Extra == nil {
		e.Parameters.Extra = map[string]any{}
	}
	return nil
}

// Validate performs the cross-field checks the JSON schema can't express.
func (e *DispatchEnvelope) Validate() error {
	if strings.TrimSpace(e.JobID) == "" {
		return errors.New("jobId must not be empty")
	}
	if err := e.Workflow.Validate(); err != nil {
		return err
	}
	if e.BaseModel.Bucket == "" || e.BaseModel.Key == "" {
		return errors.New("baseModel must name a bucket and key")
	}
	for i, lora := range e.Loras {
		if lora.Bucket == "" || lora.Key == "" {
			return fmt.Errorf("loras[%d] must name a bucket and key", i)
		}
	}
	if e.Output.Bucket == "" {
		return errors.New("output.bucket must not be empty")
	}
	return nil
}
