package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/visionsuit/gpu-agent/api"
	"github.com/visionsuit/gpu-agent/internal/agentconfig"
	"github.com/visionsuit/gpu-agent/internal/assets"
	"github.com/visionsuit/gpu-agent/internal/callback"
	"github.com/visionsuit/gpu-agent/internal/joblog"
	"github.com/visionsuit/gpu-agent/internal/renderer"
	"github.com/visionsuit/gpu-agent/internal/workflow"
	"github.com/visionsuit/gpu-agent/logger"
)

// engineWorkflow is a minimal text-to-image graph: checkpoint loader, one
// LoraLoader template, prompt encoders, sampler, decode and save.
const engineWorkflow = `{
	"1": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "placeholder.safetensors"}},
	"2": {"class_type": "LoraLoader", "inputs": {"model": ["1", 0], "clip": ["1", 1], "lora_name": "placeholder.safetensors", "strength_model": 1.0, "strength_clip": 1.0}},
	"3": {"class_type": "CLIPTextEncode", "inputs": {"text": "", "clip": ["2", 1]}},
	"4": {"class_type": "CLIPTextEncode", "inputs": {"text": "", "clip": ["2", 1]}},
	"5": {"class_type": "EmptyLatentImage", "inputs": {"width": 1024, "height": 1024, "batch_size": 1}},
	"6": {"class_type": "KSampler", "inputs": {"model": ["2", 0], "positive": ["3", 0], "negative": ["4", 0], "latent_image": ["5", 0], "seed": 0, "steps": 30, "cfg": 8.0, "sampler_name": "euler", "scheduler": "normal", "denoise": 1.0}},
	"7": {"class_type": "VAEDecode", "inputs": {"samples": ["6", 0], "vae": ["1", 2]}},
	"8": {"class_type": "SaveImage", "inputs": {"images": ["7", 0], "filename_prefix": "comfy"}}
}`

type uploadedArtifact struct {
	bucket   string
	key      string
	source   string
	metadata map[string]string
}

// fakeStore backs the resolver, the workflow loader and the artifact
// uploader in one object.
type fakeStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploads   []uploadedArtifact
	uploadErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (s *fakeStore) putObject(bucket, key string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = payload
}

func (s *fakeStore) Download(ctx context.Context, bucket, key, dest string) error {
	s.mu.Lock()
	payload, ok := s.objects[bucket+"/"+key]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("object %s/%s not found", bucket, key)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, payload, 0o644)
}

func (s *fakeStore) HeadMetadata(ctx context.Context, bucket, key string) map[string]string {
	return nil
}

func (s *fakeStore) Upload(ctx context.Context, bucket, key, path string, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploadErr != nil {
		return s.uploadErr
	}
	s.uploads = append(s.uploads, uploadedArtifact{bucket: bucket, key: key, source: path, metadata: metadata})
	return nil
}

func (s *fakeStore) uploaded() []uploadedArtifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uploadedArtifact(nil), s.uploads...)
}

// fakeComfy stands in for the renderer client. With holdUntilCancel set,
// WaitForCompletion blocks until the cancel signal fires, like a long render
// would.
type fakeComfy struct {
	mu              sync.Mutex
	history         map[string]any
	activity        *renderer.Activity
	submitErr       error
	waitErr         error
	holdUntilCancel bool

	waiting     chan struct{}
	waitingOnce sync.Once

	submits  int
	prompt   map[string]any
	clientID string
}

func newFakeComfy() *fakeComfy {
	return &fakeComfy{waiting: make(chan struct{})}
}

func (f *fakeComfy) Submit(ctx context.Context, prompt map[string]any, clientID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.prompt = prompt
	f.clientID = clientID
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "prompt-1", nil
}

func (f *fakeComfy) WaitForCompletion(ctx context.Context, promptID string, timeout time.Duration, cancel <-chan struct{}) (map[string]any, error) {
	if f.holdUntilCancel {
		f.waitingOnce.Do(func() { close(f.waiting) })
		select {
		case <-cancel:
			return nil, &renderer.CancelledError{PromptID: promptID}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, errors.New("render wait was never cancelled")
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return f.history, nil
}

func (f *fakeComfy) DescribeActivity(ctx context.Context) (*renderer.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activity, nil
}

func (f *fakeComfy) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *fakeComfy) submittedPrompt() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompt
}

type fakeOracle struct {
	mu            sync.Mutex
	checkErr      error
	invalidations int
	visible       map[string][]string
}

func (o *fakeOracle) Check(ctx context.Context, doc workflow.Document) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.checkErr
}

func (o *fakeOracle) EnsureVisible(ctx context.Context, key string, names []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.visible == nil {
		o.visible = map[string][]string{}
	}
	o.visible[key] = append([]string(nil), names...)
	return nil
}

func (o *fakeOracle) Invalidate() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.invalidations++
}

func (o *fakeOracle) invalidationCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.invalidations
}

func (o *fakeOracle) visibleNames(key string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.visible[key]
}

type callbackDelivery struct {
	path string
	key  string
	body map[string]any
}

// callbackSink accepts every callback and remembers it in arrival order.
type callbackSink struct {
	url string

	mu         sync.Mutex
	deliveries []callbackDelivery
}

func newCallbackSink(t *testing.T) *callbackSink {
	t.Helper()

	sink := &callbackSink{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sink.mu.Lock()
		sink.deliveries = append(sink.deliveries, callbackDelivery{
			path: r.URL.Path,
			key:  r.Header.Get("Idempotency-Key"),
			body: body,
		})
		sink.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)
	sink.url = server.URL
	return sink
}

func (s *callbackSink) byPath(path string) []callbackDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []callbackDelivery
	for _, d := range s.deliveries {
		if d.path == path {
			matches = append(matches, d)
		}
	}
	return matches
}

// statusStates lists the states posted to the status callback, in order.
func (s *callbackSink) statusStates() []string {
	var states []string
	for _, d := range s.byPath("/cb/status") {
		state, _ := d.body["state"].(string)
		states = append(states, state)
	}
	return states
}

type engineHarness struct {
	conf   *agentconfig.Config
	store  *fakeStore
	comfy  *fakeComfy
	oracle *fakeOracle
	sink   *callbackSink
	runner *Runner
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()

	base := t.TempDir()
	conf := &agentconfig.Config{}
	conf.Paths.BaseModels = filepath.Join(base, "models", "checkpoints")
	conf.Paths.Loras = filepath.Join(base, "models", "loras")
	conf.Paths.Workflows = filepath.Join(base, "workflows")
	conf.Paths.Outputs = filepath.Join(base, "outputs")
	conf.Paths.Temp = filepath.Join(base, "temp")
	conf.Cleanup = agentconfig.Cleanup{DeleteDownloadedLoras: true, DeleteDownloadedModels: true}
	conf.ComfyUI.ClientID = "agent-1"
	conf.ComfyUI.TimeoutSeconds = 30
	conf.ComfyUI.PerStepTimeoutSeconds = 1
	conf.ComfyUI.SamplerClasses = []string{"ksampler"}
	conf.Callbacks.MaxRetries = 1

	store := newFakeStore()
	store.putObject("vs-models", "checkpoints/base.safetensors", []byte("base-weights"))

	comfy := newFakeComfy()
	oracle := &fakeOracle{}
	sink := newCallbackSink(t)

	client := api.NewClient(logger.Discard, api.Config{})
	runner := NewRunner(logger.Discard, RunnerConfig{
		Config:   conf,
		Store:    store,
		Resolver: assets.NewResolver(logger.Discard, store, conf.Paths),
		Loader:   workflow.NewLoader(logger.Discard, store, conf.Paths),
		Renderer: comfy,
		Oracle:   oracle,
		Emitter:  callback.NewEmitter(logger.Discard, client, conf.Callbacks, "agent-1", comfy),
		Logs:     joblog.NewStore(logger.Discard, conf),
	})

	return &engineHarness{
		conf:   conf,
		store:  store,
		comfy:  comfy,
		oracle: oracle,
		sink:   sink,
		runner: runner,
	}
}

// renderJob builds a complete dispatch envelope against the harness's
// callback sink. The workflow travels inline so no object store round trip
// is needed to load it.
func (h *engineHarness) renderJob() *api.DispatchEnvelope {
	seed := int64(42)
	steps := 20
	cfg := 7.5
	return &api.DispatchEnvelope{
		JobID:     "J1",
		User:      api.UserContext{ID: "u-1", Username: "alice"},
		Workflow:  api.WorkflowRef{Inline: json.RawMessage(engineWorkflow)},
		BaseModel: api.AssetRef{Bucket: "vs-models", Key: "checkpoints/base.safetensors"},
		Parameters: api.JobParameters{
			Prompt:         "a castle at dawn",
			NegativePrompt: "blurry",
			Seed:           &seed,
			CfgScale:       &cfg,
			Steps:          &steps,
			Resolution:     &api.Resolution{Width: 512, Height: 512},
			Extra:          map[string]any{"sampler": "euler", "scheduler": "normal"},
		},
		Output: api.OutputSpec{Bucket: "vs-outputs", Prefix: "renders/"},
		WorkflowParameters: []api.ParameterBinding{
			{Parameter: "base_model_name", Node: 1, Path: "inputs.ckpt_name"},
			{Parameter: "prompt", Node: 3, Path: "inputs.text"},
			{Parameter: "negative_prompt", Node: 4, Path: "inputs.text"},
			{Parameter: "width", Node: 5, Path: "inputs.width"},
			{Parameter: "height", Node: 5, Path: "inputs.height"},
			{Parameter: "seed", Node: 6, Path: "inputs.seed"},
			{Parameter: "steps", Node: 6, Path: "inputs.steps"},
			{Parameter: "cfg_scale", Node: 6, Path: "inputs.cfg"},
			{Parameter: "sampler", Node: 6, Path: "inputs.sampler_name"},
			{Parameter: "scheduler", Node: 6, Path: "inputs.scheduler"},
		},
		Callbacks: &api.CallbackConfig{
			Status:     h.sink.url + "/cb/status",
			Completion: h.sink.url + "/cb/completion",
			Failure:    h.sink.url + "/cb/failure",
		},
	}
}

// loraNames returns the renderer-visible file names the resolver will derive
// for the harness's two test LoRAs.
func (h *engineHarness) loraNames() (string, string) {
	suffix := assets.CollisionSuffix("J1")
	return "detail__alice__" + suffix + ".safetensors", "style__alice__" + suffix + ".safetensors"
}

// addLoras attaches two LoRAs with per-entry strengths to the job and seeds
// their payloads in the object store.
func (h *engineHarness) addLoras(job *api.DispatchEnvelope) {
	h.store.putObject("vs-models", "loras/detail.safetensors", []byte("detail-weights"))
	h.store.putObject("vs-models", "loras/style.safetensors", []byte("style-weights"))

	job.Loras = []api.AssetRef{
		{Bucket: "vs-models", Key: "loras/detail.safetensors", OriginalName: "detail.safetensors"},
		{Bucket: "vs-models", Key: "loras/style.safetensors", OriginalName: "style.safetensors"},
	}
	detailName, styleName := h.loraNames()
	job.Parameters.Extra["loras"] = []any{
		map[string]any{"name": detailName, "strength_model": 0.8},
		map[string]any{"name": styleName, "strength": 0.5},
	}
}

func (h *engineHarness) writeOutput(t *testing.T, subfolder, filename string, payload []byte) {
	t.Helper()

	dir := filepath.Join(h.conf.Paths.Outputs, subfolder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("creating output directory: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, filename), payload, 0o644); err != nil {
		t.Fatalf("writing output image: %v", err)
	}
}

func outputImage(filename string) map[string]any {
	return map[string]any{"filename": filename, "subfolder": "J1", "type": "output"}
}

func successHistory(images ...any) map[string]any {
	if len(images) == 0 {
		images = []any{outputImage("img_00001_.png")}
	}
	return map[string]any{
		"status":  map[string]any{"status_str": "success", "completed": true},
		"outputs": map[string]any{"8": map[string]any{"images": images}},
	}
}

func nodeInput(t *testing.T, prompt map[string]any, nodeID, key string) any {
	t.Helper()

	node, ok := prompt[nodeID].(map[string]any)
	if !ok {
		t.Fatalf("submitted prompt has no node %s", nodeID)
	}
	inputs, ok := node["inputs"].(map[string]any)
	if !ok {
		t.Fatalf("submitted node %s has no inputs map", nodeID)
	}
	return inputs[key]
}

func gone(t *testing.T, path string) {
	t.Helper()

	if _, err := os.Lstat(path); !os.IsNotExist(err) {
		t.Errorf("%s still exists after cleanup (err: %v)", path, err)
	}
}

func TestRunnerHappyPath(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	job := h.renderJob()
	h.addLoras(job)
	h.comfy.history = successHistory()
	h.writeOutput(t, "J1", "img_00001_.png", []byte("png-payload-1"))

	if err := h.runner.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if h.runner.Busy() {
		t.Error("runner still busy after the job finished")
	}

	detailName, styleName := h.loraNames()

	// The submitted graph carries the bound parameters and the LoRA chain.
	prompt := h.comfy.submittedPrompt()
	if prompt == nil {
		t.Fatal("no prompt was submitted to the renderer")
	}
	if got := h.comfy.clientID; got != "agent-1" {
		t.Errorf("submitted client id = %q, want agent-1", got)
	}
	if got := nodeInput(t, prompt, "1", "ckpt_name"); got != "base.safetensors" {
		t.Errorf("ckpt_name = %v, want base.safetensors", got)
	}
	if got := nodeInput(t, prompt, "3", "text"); got != "a castle at dawn" {
		t.Errorf("positive prompt = %v, want bound prompt", got)
	}
	if got := nodeInput(t, prompt, "6", "seed"); got != int64(42) {
		t.Errorf("seed = %v (%T), want int64 42", got, got)
	}
	if got := nodeInput(t, prompt, "6", "steps"); got != 20 {
		t.Errorf("steps = %v (%T), want 20", got, got)
	}
	if got := nodeInput(t, prompt, "5", "width"); got != 512 {
		t.Errorf("width = %v (%T), want 512", got, got)
	}
	if got := nodeInput(t, prompt, "2", "lora_name"); got != detailName {
		t.Errorf("template lora_name = %v, want %s", got, detailName)
	}
	if got := nodeInput(t, prompt, "2", "strength_model"); got != 0.8 {
		t.Errorf("template strength_model = %v, want 0.8", got)
	}
	if got := nodeInput(t, prompt, "9", "lora_name"); got != styleName {
		t.Errorf("chained lora_name = %v, want %s", got, styleName)
	}
	if got := nodeInput(t, prompt, "9", "strength_model"); got != 0.5 {
		t.Errorf("chained strength_model = %v, want 0.5", got)
	}
	if diff := cmp.Diff([]any{"2", 0}, nodeInput(t, prompt, "9", "model")); diff != "" {
		t.Errorf("chained model input mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]any{"9", 0}, nodeInput(t, prompt, "6", "model")); diff != "" {
		t.Errorf("sampler model input not redirected to chain tail (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]any{"9", 1}, nodeInput(t, prompt, "3", "clip")); diff != "" {
		t.Errorf("encoder clip input not redirected to chain tail (-want +got):\n%s", diff)
	}

	// One artifact lands under the job's numbered key with full metadata.
	uploads := h.store.uploaded()
	if len(uploads) != 1 {
		t.Fatalf("uploaded %d artifacts, want 1", len(uploads))
	}
	sum := sha256.Sum256([]byte("png-payload-1"))
	wantMetadata := map[string]string{
		"prompt":          "a castle at dawn",
		"negative_prompt": "blurry",
		"seed":            "42",
		"steps":           "20",
		"user":            "alice",
		"job_id":          "J1",
		"model":           "base.safetensors",
		"loras":           detailName + "," + styleName,
		"image_type":      "output",
		"sha256":          hex.EncodeToString(sum[:]),
	}
	upload := uploads[0]
	if upload.bucket != "vs-outputs" {
		t.Errorf("upload bucket = %q, want vs-outputs", upload.bucket)
	}
	if upload.key != "comfy-outputs/J1/01_42.png" {
		t.Errorf("upload key = %q, want comfy-outputs/J1/01_42.png", upload.key)
	}
	if diff := cmp.Diff(wantMetadata, upload.metadata); diff != "" {
		t.Errorf("upload metadata mismatch (-want +got):\n%s", diff)
	}

	// Status heartbeats walk the full lifecycle before the completion report.
	wantStates := []string{"QUEUED", "RUNNING", "UPLOADING", "SUCCESS"}
	if diff := cmp.Diff(wantStates, h.sink.statusStates()); diff != "" {
		t.Errorf("status sequence mismatch (-want +got):\n%s", diff)
	}

	completions := h.sink.byPath("/cb/completion")
	if len(completions) != 1 {
		t.Fatalf("received %d completion callbacks, want 1", len(completions))
	}
	completion := completions[0]
	if completion.key != "J1-SUCCESS" {
		t.Errorf("completion idempotency key = %q, want J1-SUCCESS", completion.key)
	}
	if completion.body["prompt_id"] != "prompt-1" {
		t.Errorf("completion prompt_id = %v, want prompt-1", completion.body["prompt_id"])
	}
	artifacts, ok := completion.body["artifacts"].([]any)
	if !ok || len(artifacts) != 1 {
		t.Fatalf("completion artifacts = %v, want one record", completion.body["artifacts"])
	}
	artifact := artifacts[0].(map[string]any)
	if artifact["node_id"] != "8" || artifact["filename"] != "img_00001_.png" {
		t.Errorf("artifact = %v, want node 8 / img_00001_.png", artifact)
	}
	if artifact["rel_path"] != "J1/img_00001_.png" {
		t.Errorf("artifact rel_path = %v, want J1/img_00001_.png", artifact["rel_path"])
	}
	if artifact["mime"] != "image/png" {
		t.Errorf("artifact mime = %v, want image/png", artifact["mime"])
	}
	if artifact["size_bytes"] != float64(len("png-payload-1")) {
		t.Errorf("artifact size_bytes = %v, want %d", artifact["size_bytes"], len("png-payload-1"))
	}
	location, _ := artifact["s3"].(map[string]any)
	if location["bucket"] != "vs-outputs" || location["key"] != "comfy-outputs/J1/01_42.png" {
		t.Errorf("artifact s3 location = %v", location)
	}
	params, _ := completion.body["params"].(map[string]any)
	if params["model"] != "base.safetensors" {
		t.Errorf("completion model = %v, want base.safetensors", params["model"])
	}
	if params["seed"] != 42.0 || params["steps"] != 20.0 || params["cfg"] != 7.5 {
		t.Errorf("completion scalars = seed %v steps %v cfg %v", params["seed"], params["steps"], params["cfg"])
	}
	if params["sampler"] != "euler" || params["scheduler"] != "normal" {
		t.Errorf("completion sampler/scheduler = %v/%v", params["sampler"], params["scheduler"])
	}
	meta, _ := completion.body["meta"].(map[string]any)
	if meta["status_str"] != "success" || meta["completed"] != true {
		t.Errorf("completion meta = %v", meta)
	}
	if _, ok := completion.body["warnings"]; ok {
		t.Errorf("completion carries warnings %v, want none", completion.body["warnings"])
	}

	// The oracle saw the fresh names and was invalidated after download.
	if diff := cmp.Diff([]string{detailName, styleName}, h.oracle.visibleNames("lora_name")); diff != "" {
		t.Errorf("EnsureVisible names mismatch (-want +got):\n%s", diff)
	}
	if got := h.oracle.invalidationCount(); got != 1 {
		t.Errorf("oracle invalidated %d times, want 1", got)
	}

	// Ephemeral downloads and their symlinks are cleaned up.
	gone(t, filepath.Join(h.conf.Paths.BaseModels, "cache", "base.safetensors"))
	gone(t, filepath.Join(h.conf.Paths.BaseModels, "base.safetensors"))
	gone(t, filepath.Join(h.conf.Paths.Loras, "detail.safetensors"))
	gone(t, filepath.Join(h.conf.Paths.Loras, "style.safetensors"))
	gone(t, filepath.Join(h.conf.Paths.Loras, detailName))
	gone(t, filepath.Join(h.conf.Paths.Loras, styleName))
}

func TestRunnerSingleSlotAdmission(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	job := h.renderJob()
	h.comfy.history = successHistory()
	h.writeOutput(t, "J1", "img_00001_.png", []byte("png-payload-1"))

	if !h.runner.TryReserve() {
		t.Fatal("TryReserve() = false on an idle runner")
	}
	if h.runner.TryReserve() {
		t.Error("TryReserve() = true while the slot is held")
	}
	if !h.runner.Busy() {
		t.Error("Busy() = false while the slot is held")
	}

	if err := h.runner.RunReserved(context.Background(), job); err != nil {
		t.Fatalf("RunReserved() error = %v", err)
	}
	if h.runner.Busy() {
		t.Error("Busy() = true after the job finished")
	}
	if !h.runner.TryReserve() {
		t.Error("TryReserve() = false after the slot was released")
	}
}

func TestRunnerCancellation(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	job := h.renderJob()
	job.CancelToken = "tok-1"
	h.comfy.holdUntilCancel = true

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.runner.Handle(context.Background(), job)
	}()

	select {
	case <-h.comfy.waiting:
	case <-time.After(5 * time.Second):
		t.Fatal("renderer wait never started")
	}

	ctx := context.Background()
	if h.runner.RequestCancel(ctx, "J1", "wrong-token") {
		t.Error("RequestCancel() with a wrong token = true, want false")
	}
	if !h.runner.RequestCancel(ctx, "J1", "tok-1") {
		t.Fatal("RequestCancel() with matching credentials = false, want true")
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Handle() after cancellation error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish after cancellation")
	}

	if h.runner.RequestCancel(ctx, "J1", "tok-1") {
		t.Error("RequestCancel() = true after the job finished, want false")
	}

	if completions := h.sink.byPath("/cb/completion"); len(completions) != 0 {
		t.Errorf("received %d completion callbacks for a cancelled job, want 0", len(completions))
	}
	failures := h.sink.byPath("/cb/failure")
	if len(failures) != 1 {
		t.Fatalf("received %d terminal callbacks, want 1", len(failures))
	}
	terminal := failures[0]
	if terminal.body["reason_code"] != "CANCELED" {
		t.Errorf("terminal reason_code = %v, want CANCELED", terminal.body["reason_code"])
	}
	if terminal.body["reason"] != "Job cancelled" {
		t.Errorf("terminal reason = %v, want Job cancelled", terminal.body["reason"])
	}
	if terminal.key != "J1-CANCELED" {
		t.Errorf("terminal idempotency key = %q, want J1-CANCELED", terminal.key)
	}

	var sawCancelling, sawCanceled bool
	for _, status := range h.sink.byPath("/cb/status") {
		if status.body["message"] == "Cancellation requested" {
			if progress, _ := status.body["progress"].(map[string]any); progress["phase"] == "cancelling" {
				sawCancelling = true
			}
		}
		if status.body["state"] == "CANCELED" {
			sawCanceled = true
		}
	}
	if !sawCancelling {
		t.Error("no status update announced the cancellation request")
	}
	if !sawCanceled {
		t.Error("no CANCELED status update was posted")
	}
}

func TestRunnerValidationFailureSkipsSubmission(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	job := h.renderJob()
	job.Parameters.Steps = nil

	err := h.runner.Handle(context.Background(), job)
	if err == nil {
		t.Fatal("Handle() = nil, want validation error")
	}
	var verr *workflow.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Handle() error = %T (%v), want *workflow.ValidationError", err, err)
	}

	if got := h.comfy.submitCount(); got != 0 {
		t.Errorf("renderer received %d submissions, want 0", got)
	}
	if got := h.store.uploaded(); len(got) != 0 {
		t.Errorf("uploaded %d artifacts, want 0", len(got))
	}

	if diff := cmp.Diff([]string{"FAILED"}, h.sink.statusStates()); diff != "" {
		t.Errorf("status sequence mismatch (-want +got):\n%s", diff)
	}
	failures := h.sink.byPath("/cb/failure")
	if len(failures) != 1 {
		t.Fatalf("received %d failure callbacks, want 1", len(failures))
	}
	failure := failures[0]
	if failure.body["reason_code"] != "VALIDATION_ERROR" {
		t.Errorf("failure reason_code = %v, want VALIDATION_ERROR", failure.body["reason_code"])
	}
	if failure.body["error_type"] != "validation" {
		t.Errorf("failure error_type = %v, want validation", failure.body["error_type"])
	}
	if failure.key != "J1-FAILED" {
		t.Errorf("failure idempotency key = %q, want J1-FAILED", failure.key)
	}
}

func TestRunnerMissingOutputsProduceWarnings(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	job := h.renderJob()
	h.comfy.history = successHistory(
		outputImage("img_00001_.png"),
		outputImage("img_00002_.png"),
	)
	// Only the second advertised image exists on disk.
	h.writeOutput(t, "J1", "img_00002_.png", []byte("png-payload-2"))

	if err := h.runner.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	uploads := h.store.uploaded()
	if len(uploads) != 1 {
		t.Fatalf("uploaded %d artifacts, want 1", len(uploads))
	}
	// The key keeps its position so the gap left by the missing file shows.
	if uploads[0].key != "comfy-outputs/J1/02_42.png" {
		t.Errorf("upload key = %q, want comfy-outputs/J1/02_42.png", uploads[0].key)
	}

	completions := h.sink.byPath("/cb/completion")
	if len(completions) != 1 {
		t.Fatalf("received %d completion callbacks, want 1", len(completions))
	}
	wantWarnings := []any{"Missing outputs on disk: img_00001_.png"}
	if diff := cmp.Diff(wantWarnings, completions[0].body["warnings"]); diff != "" {
		t.Errorf("completion warnings mismatch (-want +got):\n%s", diff)
	}
	artifacts, _ := completions[0].body["artifacts"].([]any)
	if len(artifacts) != 1 {
		t.Fatalf("completion lists %d artifacts, want 1", len(artifacts))
	}
	if got := artifacts[0].(map[string]any)["filename"]; got != "img_00002_.png" {
		t.Errorf("artifact filename = %v, want img_00002_.png", got)
	}
}

func TestRunnerFailsWhenNoOutputsProduced(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	job := h.renderJob()
	h.comfy.history = map[string]any{
		"status":  map[string]any{"status_str": "success", "completed": true},
		"outputs": map[string]any{"8": map[string]any{"images": []any{}}},
	}

	err := h.runner.Handle(context.Background(), job)
	var verr *workflow.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Handle() error = %T (%v), want *workflow.ValidationError", err, err)
	}

	wantStates := []string{"QUEUED", "RUNNING", "UPLOADING", "FAILED"}
	if diff := cmp.Diff(wantStates, h.sink.statusStates()); diff != "" {
		t.Errorf("status sequence mismatch (-want +got):\n%s", diff)
	}
	failures := h.sink.byPath("/cb/failure")
	if len(failures) != 1 {
		t.Fatalf("received %d failure callbacks, want 1", len(failures))
	}
	if got := failures[0].body["reason"]; got != "Workflow completed without producing outputs from SaveImage nodes" {
		t.Errorf("failure reason = %v", got)
	}
}

func TestRunnerRendererFailureCarriesNodeErrors(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	job := h.renderJob()
	h.comfy.waitErr = &renderer.JobFailedError{
		PromptID: "prompt-1",
		History: map[string]any{
			"status": map[string]any{
				"status_str":  "error",
				"node_errors": map[string]any{"6": map[string]any{"message": "CUDA out of memory"}},
			},
		},
	}

	err := h.runner.Handle(context.Background(), job)
	if err == nil {
		t.Fatal("Handle() = nil, want renderer failure")
	}

	failures := h.sink.byPath("/cb/failure")
	if len(failures) != 1 {
		t.Fatalf("received %d failure callbacks, want 1", len(failures))
	}
	failure := failures[0]
	if failure.body["reason_code"] != "VALIDATION_ERROR" {
		t.Errorf("failure reason_code = %v, want VALIDATION_ERROR", failure.body["reason_code"])
	}
	nodeErrors, _ := failure.body["node_errors"].(map[string]any)
	if _, ok := nodeErrors["6"]; !ok {
		t.Errorf("failure node_errors = %v, want entry for node 6", failure.body["node_errors"])
	}
}

func TestRunnerUploadFailure(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	job := h.renderJob()
	h.comfy.history = successHistory()
	h.writeOutput(t, "J1", "img_00001_.png", []byte("png-payload-1"))
	h.store.uploadErr = errors.New("bucket unreachable")

	err := h.runner.Handle(context.Background(), job)
	if err == nil || !strings.Contains(err.Error(), "uploading artifacts") {
		t.Fatalf("Handle() error = %v, want wrapped upload failure", err)
	}

	failures := h.sink.byPath("/cb/failure")
	if len(failures) != 1 {
		t.Fatalf("received %d failure callbacks, want 1", len(failures))
	}
	if got := failures[0].body["reason_code"]; got != "SYSTEM_ERROR" {
		t.Errorf("failure reason_code = %v, want SYSTEM_ERROR", got)
	}
	wantStates := []string{"QUEUED", "RUNNING", "UPLOADING", "FAILED"}
	if diff := cmp.Diff(wantStates, h.sink.statusStates()); diff != "" {
		t.Errorf("status sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestClassifyFailure(t *testing.T) {
	t.Parallel()

	history := map[string]any{"status": map[string]any{"node_errors": map[string]any{"6": "boom"}}}
	respErr := &renderer.ErrorResponse{Response: &http.Response{
		StatusCode: 500,
		Status:     "500 Internal Server Error",
		Request:    &http.Request{Method: "POST", URL: &url.URL{Scheme: "http", Host: "comfy", Path: "/prompt"}},
	}}

	tests := []struct {
		name string
		err  error
		want callback.Category
	}{
		{
			name: "workflow validation",
			err:  &workflow.ValidationError{Message: "bad graph"},
			want: callback.CategoryValidation,
		},
		{
			name: "render timeout",
			err:  &renderer.TimeoutError{PromptID: "p", Timeout: time.Minute},
			want: callback.CategoryTimeout,
		},
		{
			name: "renderer reported failure",
			err:  &renderer.JobFailedError{PromptID: "p", History: history},
			want: callback.CategoryValidation,
		},
		{
			name: "wrapped protocol error",
			err:  fmt.Errorf("submitting workflow: %w", &renderer.ProtocolError{Message: "no prompt id"}),
			want: callback.CategoryTransient,
		},
		{
			name: "http error response",
			err:  respErr,
			want: callback.CategoryTransient,
		},
		{
			name: "transport failure",
			err:  &url.Error{Op: "Post", URL: "http://comfy/prompt", Err: errors.New("connection refused")},
			want: callback.CategoryTransient,
		},
		{
			name: "unknown",
			err:  errors.New("disk on fire"),
			want: callback.CategorySystem,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			run := &jobRun{}
			if got := classifyFailure(tc.err, run); got != tc.want {
				t.Errorf("classifyFailure() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestClassifyFailureAdoptsRendererHistory(t *testing.T) {
	t.Parallel()

	history := map[string]any{"status": map[string]any{"node_errors": map[string]any{"6": "boom"}}}
	run := &jobRun{}
	classifyFailure(&renderer.JobFailedError{PromptID: "p", History: history}, run)
	if diff := cmp.Diff(history, run.history); diff != "" {
		t.Errorf("run history mismatch (-want +got):\n%s", diff)
	}
}
