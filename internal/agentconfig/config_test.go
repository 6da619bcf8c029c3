package agentconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("os.WriteFile(%q) error = %v", path, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
minio:
  endpoint: minio.local:9000
  access_key: agent
  secret_key: hunter2
comfyui:
  api_url: http://127.0.0.1:8188
paths:
  base_models: /data/models
  loras: /data/loras
  workflows: /data/workflows
  outputs: /data/outputs
  temp: /data/temp
`)

	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error = %v", path, err)
	}

	if got, want := conf.ComfyUI.TimeoutSeconds, 900; got != want {
		t.Errorf("conf.ComfyUI.TimeoutSeconds = %d, want %d", got, want)
	}
	if got, want := conf.ComfyUI.PollInterval(), 2*time.Second; got != want {
		t.Errorf("conf.ComfyUI.PollInterval() = %v, want %v", got, want)
	}
	if got, want := conf.ComfyUI.ClientID, "visionsuit-gpu-agent"; got != want {
		t.Errorf("conf.ComfyUI.ClientID = %q, want %q", got, want)
	}
	if got, want := conf.ComfyUI.SamplerClasses, []string{"ksampler"}; !cmp.Equal(got, want) {
		t.Errorf("conf.ComfyUI.SamplerClasses = %v, want %v", got, want)
	}
	if got, want := conf.ComfyUI.AllowlistTTL(), 5*time.Minute; got != want {
		t.Errorf("conf.ComfyUI.AllowlistTTL() = %v, want %v", got, want)
	}
	if conf.Minio.Secure {
		t.Errorf("conf.Minio.Secure = true, want false")
	}
	if !conf.Minio.VerifyTLS {
		t.Errorf("conf.Minio.VerifyTLS = false, want true")
	}
	if !conf.Cleanup.DeleteDownloadedLoras {
		t.Errorf("conf.Cleanup.DeleteDownloadedLoras = false, want true")
	}
	if !conf.Cleanup.DeleteDownloadedModels {
		t.Errorf("conf.Cleanup.DeleteDownloadedModels = false, want true")
	}
	if got, want := conf.Callbacks.Timeout(), 10*time.Second; got != want {
		t.Errorf("conf.Callbacks.Timeout() = %v, want %v", got, want)
	}
	if got, want := conf.Callbacks.MaxRetries, 3; got != want {
		t.Errorf("conf.Callbacks.MaxRetries = %d, want %d", got, want)
	}
	if conf.WorkflowDefaults == nil {
		t.Errorf("conf.WorkflowDefaults = nil, want empty map")
	}
	if got, want := conf.LogsDir(), filepath.Join("/data/outputs", "logs"); got != want {
		t.Errorf("conf.LogsDir() = %q, want %q", got, want)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
minio:
  endpoint: minio.local:9000
  access_key: agent
  secret_key: hunter2
  secure: true
  region: eu-central-1
  verify_tls: false
comfyui:
  api_url: http://127.0.0.1:8188
  timeout_seconds: 120
  poll_interval_seconds: 0.5
  per_step_timeout_seconds: 1.5
  img2img_timeout_multiplier: 3
  sampler_classes: [ksampler, ksampleradvanced]
paths:
  base_models: /data/models
  loras: /data/loras
  workflows: /data/workflows
  outputs: /data/outputs
  temp: /data/temp
cleanup:
  delete_downloaded_loras: false
  delete_downloaded_models: false
callbacks:
  base_url: https://controller.local
  verify_tls: false
  retry_backoff_seconds: 0.1
workflow_defaults:
  sampler: euler
  steps: 28
persistent_model_keys:
  - sdxl/base.safetensors
`)

	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error = %v", path, err)
	}

	if !conf.Minio.Secure {
		t.Errorf("conf.Minio.Secure = false, want true")
	}
	if conf.Minio.VerifyTLS {
		t.Errorf("conf.Minio.VerifyTLS = true, want false")
	}
	if got, want := conf.ComfyUI.PollInterval(), 500*time.Millisecond; got != want {
		t.Errorf("conf.ComfyUI.PollInterval() = %v, want %v", got, want)
	}
	if got, want := conf.ComfyUI.PerStepTimeout(), 1500*time.Millisecond; got != want {
		t.Errorf("conf.ComfyUI.PerStepTimeout() = %v, want %v", got, want)
	}
	if got, want := conf.ComfyUI.SamplerClasses, []string{"ksampler", "ksampleradvanced"}; !cmp.Equal(got, want) {
		t.Errorf("conf.ComfyUI.SamplerClasses = %v, want %v", got, want)
	}
	if conf.Cleanup.DeleteDownloadedLoras {
		t.Errorf("conf.Cleanup.DeleteDownloadedLoras = true, want false")
	}
	if got, want := conf.Callbacks.BaseURL, "https://controller.local"; got != want {
		t.Errorf("conf.Callbacks.BaseURL = %q, want %q", got, want)
	}
	if got, want := conf.Callbacks.RetryBackoff(), 100*time.Millisecond; got != want {
		t.Errorf("conf.Callbacks.RetryBackoff() = %v, want %v", got, want)
	}
	if got, want := conf.WorkflowDefaults["sampler"], "euler"; got != want {
		t.Errorf("conf.WorkflowDefaults[sampler] = %v, want %v", got, want)
	}
	if !conf.IsPersistentKey("sdxl/base.safetensors") {
		t.Errorf("conf.IsPersistentKey(pinned key) = false, want true")
	}
	if conf.IsPersistentKey("sdxl/other.safetensors") {
		t.Errorf("conf.IsPersistentKey(unpinned key) = true, want false")
	}
}

func TestLoadRejectsIncompleteConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
minio:
  endpoint: minio.local:9000
comfyui:
  api_url: http://127.0.0.1:8188
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("Load(%q) error = nil, want missing-settings error", path)
	}
}

func TestLoadExpandsPaths(t *testing.T) {
	t.Setenv("VISIONSUIT_TEST_DATA", "/srv/visionsuit")

	path := writeConfig(t, `
minio:
  endpoint: minio.local:9000
  access_key: agent
  secret_key: hunter2
comfyui:
  api_url: http://127.0.0.1:8188
paths:
  base_models: $VISIONSUIT_TEST_DATA/models
  loras: $VISIONSUIT_TEST_DATA/loras
  workflows: $VISIONSUIT_TEST_DATA/workflows
  outputs: $VISIONSUIT_TEST_DATA/outputs
  temp: $VISIONSUIT_TEST_DATA/temp
`)

	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error = %v", path, err)
	}
	if got, want := conf.Paths.BaseModels, "/srv/visionsuit/models"; got != want {
		t.Errorf("conf.Paths.BaseModels = %q, want %q", got, want)
	}
}

func TestEnsureDirectories(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	conf := Default()
	conf.Paths = Paths{
		BaseModels: filepath.Join(root, "models"),
		Loras:      filepath.Join(root, "loras"),
		Workflows:  filepath.Join(root, "workflows"),
		Outputs:    filepath.Join(root, "outputs"),
		Temp:       filepath.Join(root, "temp"),
	}

	if err := conf.EnsureDirectories(); err != nil {
		t.Fatalf("conf.EnsureDirectories() error = %v", err)
	}

	for _, dir := range []string{conf.Paths.BaseModels, conf.Paths.Loras, conf.Paths.Workflows, conf.Paths.Outputs, conf.Paths.Temp} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("os.Stat(%q) error = %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%q is not a directory", dir)
		}
	}
}

func TestPathFromEnvironment(t *testing.T) {
	t.Setenv(PathEnvVar, "/tmp/agent.yaml")
	if got, want := PathFromEnvironment(), "/tmp/agent.yaml"; got != want {
		t.Errorf("PathFromEnvironment() = %q, want %q", got, want)
	}

	t.Setenv(PathEnvVar, "")
	if got, want := PathFromEnvironment(), DefaultPath; got != want {
		t.Errorf("PathFromEnvironment() = %q, want %q", got, want)
	}
}
