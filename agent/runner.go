// Package agent contains the job engine: a single-slot admission gate and
// the runner that takes an accepted dispatch envelope through asset
// materialization, workflow assembly, rendering, artifact upload and
// terminal callbacks.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/visionsuit/gpu-agent/api"
	"github.com/visionsuit/gpu-agent/internal/agentconfig"
	"github.com/visionsuit/gpu-agent/internal/assets"
	"github.com/visionsuit/gpu-agent/internal/callback"
	"github.com/visionsuit/gpu-agent/internal/joblog"
	"github.com/visionsuit/gpu-agent/internal/renderer"
	"github.com/visionsuit/gpu-agent/internal/workflow"
	"github.com/visionsuit/gpu-agent/logger"
)

// ObjectStore is the slice of the object store client the runner itself
// uses. Asset materialization and workflow loading carry their own store
// interfaces.
type ObjectStore interface {
	Upload(ctx context.Context, bucket, key, path string, metadata map[string]string) error
}

// Renderer is the slice of the renderer client the runner uses.
type Renderer interface {
	Submit(ctx context.Context, prompt map[string]any, clientID string) (string, error)
	WaitForCompletion(ctx context.Context, promptID string, timeout time.Duration, cancel <-chan struct{}) (map[string]any, error)
	DescribeActivity(ctx context.Context) (*renderer.Activity, error)
}

// Allowlist is the oracle interface the runner checks workflows against.
type Allowlist interface {
	Check(ctx context.Context, doc workflow.Document) error
	EnsureVisible(ctx context.Context, key string, names []string) error
	Invalidate()
}

// Runner executes dispatch envelopes one at a time.
type Runner struct {
	logger logger.Logger
	conf   *agentconfig.Config

	gate     *Gate
	store    ObjectStore
	resolver *assets.Resolver
	loader   *workflow.Loader
	renderer Renderer
	oracle   Allowlist
	emitter  *callback.Emitter
	logs     *joblog.Store

	mu           sync.Mutex
	cancelHandle *CancellationHandle
}

// RunnerConfig collects the runner's collaborators.
type RunnerConfig struct {
	Config   *agentconfig.Config
	Store    ObjectStore
	Resolver *assets.Resolver
	Loader   *workflow.Loader
	Renderer Renderer
	Oracle   Allowlist
	Emitter  *callback.Emitter
	Logs     *joblog.Store
}

// NewRunner wires up a Runner.
func NewRunner(l logger.Logger, conf RunnerConfig) *Runner {
	return &Runner{
		logger:   l,
		conf:     conf.Config,
		gate:     NewGate(),
		store:    conf.Store,
		resolver: conf.Resolver,
		loader:   conf.Loader,
		renderer: conf.Renderer,
		oracle:   conf.Oracle,
		emitter:  conf.Emitter,
		logs:     conf.Logs,
	}
}

// Busy reports whether a job is currently executing.
func (r *Runner) Busy() bool {
	return r.gate.Busy()
}

// TryReserve claims the execution slot without waiting.
func (r *Runner) TryReserve() bool {
	if !r.gate.TryReserve() {
		jobsRejected.Inc()
		return false
	}
	jobsAccepted.Inc()
	return true
}

// RunReserved executes a job after TryReserve succeeded, releasing the slot
// on every path.
func (r *Runner) RunReserved(ctx context.Context, job *api.DispatchEnvelope) error {
	defer r.gate.Release()
	return r.execute(ctx, job)
}

// Handle reserves the slot, waiting for any active job to finish first.
// The dispatch endpoint never waits; this entry point exists for embedding
// and tests.
func (r *Runner) Handle(ctx context.Context, job *api.DispatchEnvelope) error {
	if err := r.gate.Reserve(ctx); err != nil {
		return err
	}
	return r.RunReserved(ctx, job)
}

// DescribeActivity reports the renderer's queue state.
func (r *Runner) DescribeActivity(ctx context.Context) (*renderer.Activity, error) {
	return r.renderer.DescribeActivity(ctx)
}

// jobRun carries the mutable state of one pipeline execution.
type jobRun struct {
	job     *api.DispatchEnvelope
	session *callback.Session
	logh    *joblog.Handle

	base     *assets.Resolved
	loras    []*assets.Resolved
	handle   *CancellationHandle
	history  map[string]any
	promptID string
	warnings []string
	terminal string
}

// execute runs the pipeline and maps its outcome onto the failure taxonomy.
// Cleanup, cancellation-handle clearing and the finalized journal entry run
// on every exit path.
func (r *Runner) execute(ctx context.Context, job *api.DispatchEnvelope) error {
	r.logger.Info("Starting job %s for user %s", job.JobID, job.User.Username)
	started := time.Now()

	run := &jobRun{
		job:     job,
		session: r.emitter.NewSession(job),
		logh:    r.logs.Create(job),
	}
	r.logs.Event(run.logh, "accepted", map[string]any{
		"user":          job.User.Username,
		"output_bucket": job.Output.Bucket,
		"output_prefix": job.Output.Prefix,
	})

	defer func() {
		r.logs.Event(run.logh, "finalized", map[string]any{
			"duration_seconds": math.Round(time.Since(started).Seconds()*1000) / 1000,
			"state":            run.terminal,
		})
		r.resolver.Cleanup(run.base, run.loras, r.conf.Cleanup, r.conf.IsPersistentKey)
		r.clearCancellation(run.handle)
	}()

	err := r.run(ctx, run)
	if err == nil {
		run.terminal = "success"
		jobsCompleted.WithLabelValues("success").Inc()
		return nil
	}

	// Terminal callbacks still have to reach the controller when the job's
	// own context is the thing that died.
	cbctx := context.WithoutCancel(ctx)

	var cancelled *renderer.CancelledError
	if errors.As(err, &cancelled) {
		r.logger.Info("Job %s cancelled by controller", job.JobID)
		r.logs.Event(run.logh, "cancelled", map[string]any{
			"reason":    "Cancelled by controller",
			"prompt_id": run.promptID,
		})
		run.session.EmitCancellation(cbctx)
		r.logs.RecordStatus(run.logh, api.StateCanceled)
		run.terminal = "cancelled"
		jobsCompleted.WithLabelValues("cancelled").Inc()
		return nil
	}

	category := classifyFailure(err, run)
	r.logger.Error("Job %s failed (%s): %v", job.JobID, category, err)
	r.logs.Event(run.logh, "failed", map[string]any{
		"reason":    err.Error(),
		"category":  string(category),
		"prompt_id": run.promptID,
	})
	run.session.EmitFailure(cbctx, err.Error(), category, run.history)
	r.logs.RecordStatus(run.logh, api.StateFailed)
	run.terminal = "failed"
	jobsCompleted.WithLabelValues("failed").Inc()
	return err
}

// classifyFailure maps an error onto the failure taxonomy. A renderer
// failure record found on the error replaces the run's history so the
// failure callback can surface its node errors.
func classifyFailure(err error, run *jobRun) callback.Category {
	var validation *workflow.ValidationError
	if errors.As(err, &validation) {
		return callback.CategoryValidation
	}

	var timedOut *renderer.TimeoutError
	if errors.As(err, &timedOut) {
		return callback.CategoryTimeout
	}

	var failed *renderer.JobFailedError
	if errors.As(err, &failed) {
		run.history = failed.History
		return callback.CategoryValidation
	}

	var respErr *renderer.ErrorResponse
	var urlErr *url.Error
	if errors.As(err, &respErr) || errors.As(err, &urlErr) || isProtocolError(err) {
		return callback.CategoryTransient
	}

	return callback.CategorySystem
}

func isProtocolError(err error) bool {
	var protocol *renderer.ProtocolError
	return errors.As(err, &protocol)
}

// run is the happy-path pipeline. Any error return is mapped by execute.
func (r *Runner) run(ctx context.Context, run *jobRun) error {
	job := run.job

	begin := time.Now()
	base, err := r.resolver.EnsureBaseModel(ctx, job.BaseModel)
	if err != nil {
		return err
	}
	run.base = base

	loras, err := r.resolver.EnsureLoras(ctx, job)
	if err != nil {
		return err
	}
	run.loras = loras
	observePhase("materialize", begin)

	if assets.AnyMaterialized(base, loras) {
		r.refreshModelCache(ctx)
	}

	begin = time.Now()
	params, err := workflow.BuildContext(job, base, loras, r.conf.WorkflowDefaults)
	if err != nil {
		return err
	}

	doc, err := r.loader.Load(ctx, job)
	if err != nil {
		return err
	}
	if err := workflow.ApplyMutations(doc, job.WorkflowOverrides); err != nil {
		return err
	}
	if err := workflow.BindParameters(doc, job.WorkflowParameters, params); err != nil {
		return err
	}

	applied := workflow.ApplyLoraChain(doc, loras, params)
	workflow.SynchronizeLoraContext(job, params, loras, applied)

	if err := workflow.VerifyBindings(doc, job.WorkflowParameters, params); err != nil {
		return err
	}
	if err := workflow.ValidatePromptConnections(doc, r.conf.ComfyUI.SamplerClasses); err != nil {
		return err
	}
	saveNodes := workflow.SaveImageNodes(doc)

	if names := comfyNames(loras); len(names) > 0 {
		if err := r.oracle.EnsureVisible(ctx, "lora_name", names); err != nil {
			r.logger.Debug("Failed to confirm LoRA visibility in object_info: %v", err)
		}
	}
	r.logs.PersistAppliedWorkflow(run.logh, job, doc, r.conf.ComfyUI.ClientID)
	r.logs.UpdateManifest(run.logh, job, params, doc)

	if err := r.oracle.Check(ctx, doc); err != nil {
		return err
	}
	observePhase("build", begin)

	r.logs.Event(run.logh, "context_resolved", buildLogContext(base, loras, job, params))

	run.session.EmitStatus(ctx, api.StateQueued, callback.StatusOptions{
		Message:  "Job queued",
		Progress: map[string]any{"phase": "queued", "percent": 0},
	})
	r.logs.RecordStatus(run.logh, api.StateQueued)
	r.logs.Event(run.logh, "queued", map[string]any{
		"progress": map[string]any{"phase": "queued", "percent": 0},
	})

	run.handle = r.registerCancellation(job, run.session, run.logh)
	if run.handle != nil {
		r.logs.Event(run.logh, "cancellation_registered", map[string]any{"token_present": true})
	}

	begin = time.Now()
	promptID, err := r.renderer.Submit(ctx, doc, r.conf.ComfyUI.ClientID)
	if err != nil {
		return fmt.Errorf("submitting workflow: %w", err)
	}
	run.promptID = promptID

	run.session.EmitStatus(ctx, api.StateRunning, callback.StatusOptions{
		Message:  "Workflow submitted to ComfyUI",
		PromptID: promptID,
		Progress: map[string]any{"phase": "running"},
	})
	r.logs.RecordStatus(run.logh, api.StateRunning)
	r.logs.Event(run.logh, "running", map[string]any{"prompt_id": promptID})

	timeout, err := workflow.ComputeTimeout(r.conf.ComfyUI, doc, params)
	if err != nil {
		return err
	}

	var cancelSignal <-chan struct{}
	if run.handle != nil {
		cancelSignal = run.handle.Signal()
	}
	history, err := r.renderer.WaitForCompletion(ctx, promptID, timeout, cancelSignal)
	if err != nil {
		return err
	}
	run.history = history
	observePhase("render", begin)

	run.session.EmitStatus(ctx, api.StateUploading, callback.StatusOptions{
		Message:  "Uploading generated artifacts",
		Progress: map[string]any{"phase": "uploading"},
	})
	r.logs.RecordStatus(run.logh, api.StateUploading)
	r.logs.Event(run.logh, "uploading", map[string]any{"prompt_id": promptID})

	outputs := renderer.ExtractOutputFiles(history, saveNodes)
	if len(saveNodes) > 0 && len(outputs) == 0 {
		return &workflow.ValidationError{
			Message: "Workflow completed without producing outputs from SaveImage nodes",
		}
	}

	begin = time.Now()
	result, err := r.uploadOutputs(ctx, job, outputs, base, loras, params)
	if err != nil {
		return err
	}
	observePhase("upload", begin)

	if len(result.Missing) > 0 {
		run.warnings = append(run.warnings, "Missing outputs on disk: "+strings.Join(baseNames(result.Missing), ", "))
	}

	run.session.EmitCompletion(ctx, callback.CompletionResult{
		Artifacts: result.Artifacts,
		Params:    buildCompletionParams(job, base, loras, params),
		StatusStr: renderer.StatusString(history),
		Warnings:  run.warnings,
	})
	r.logs.RecordStatus(run.logh, api.StateSuccess)
	r.logs.Event(run.logh, "completed", completionLog(result, run.warnings, promptID))
	r.logger.Info("Job %s completed", job.JobID)
	return nil
}

// refreshModelCache drops the allow-list cache and gives the renderer a
// moment to rescan its model directories before the workflow references the
// files we just materialized.
func (r *Runner) refreshModelCache(ctx context.Context) {
	r.oracle.Invalidate()
	delay := r.conf.ComfyUI.ModelRefreshDelay()
	if delay <= 0 {
		return
	}
	r.logger.Debug("Waiting %v for the renderer to rescan its model directories", delay)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

func comfyNames(loras []*assets.Resolved) []string {
	names := make([]string, 0, len(loras))
	for _, entry := range loras {
		if entry.ComfyName != "" {
			names = append(names, entry.ComfyName)
		}
	}
	return names
}

// buildLogContext summarizes the resolved inputs for the context_resolved
// journal entry.
func buildLogContext(base *assets.Resolved, loras []*assets.Resolved, job *api.DispatchEnvelope, params workflow.Context) map[string]any {
	loraNames := make([]string, 0, len(loras))
	for _, entry := range loras {
		loraNames = append(loraNames, entry.ComfyName)
	}

	details := map[string]any{
		"base_model":      base.ComfyName,
		"loras":           loraNames,
		"output_bucket":   job.Output.Bucket,
		"output_prefix":   job.Output.Prefix,
		"prompt":          stringValue(params["prompt"], job.Parameters.Prompt),
		"negative_prompt": stringValue(params["negative_prompt"], job.Parameters.NegativePrompt),
	}
	if resolution := job.Parameters.Resolution; resolution != nil {
		details["resolution"] = map[string]any{
			"width":  resolution.Width,
			"height": resolution.Height,
		}
	}
	if seed, ok := params["seed"]; ok {
		details["seed"] = seed
	} else if job.Parameters.Seed != nil {
		details["seed"] = *job.Parameters.Seed
	}
	if cfg, ok := firstValue(params, "cfg_scale", "cfg"); ok {
		details["cfg_scale"] = cfg
	}
	if steps, ok := params["steps"]; ok {
		details["steps"] = steps
	} else if job.Parameters.Steps != nil {
		details["steps"] = *job.Parameters.Steps
	}
	if sampler, ok := params["sampler"]; ok {
		details["sampler"] = sampler
	}
	if scheduler, ok := params["scheduler"]; ok {
		details["scheduler"] = scheduler
	}

	for key, value := range details {
		if value == nil {
			delete(details, key)
		}
	}
	return details
}

func completionLog(result *UploadResult, warnings []string, promptID string) map[string]any {
	details := map[string]any{
		"prompt_id": promptID,
		"uploaded":  result.Uploaded,
	}
	if len(result.Missing) > 0 {
		details["missing"] = baseNames(result.Missing)
	}
	if len(warnings) > 0 {
		details["warnings"] = warnings
	}
	return details
}

func baseNames(paths []string) []string {
	names := make([]string, 0, len(paths))
	for _, p := range paths {
		names = append(names, filepath.Base(p))
	}
	return names
}

func firstValue(params workflow.Context, keys ...string) (any, bool) {
	for _, key := range keys {
		if value, ok := params[key]; ok && value != nil {
			return value, true
		}
	}
	return nil, false
}

func stringValue(value any, fallback string) string {
	if s, ok := value.(string); ok && s != "" {
		return s
	}
	return fallback
}
