// Package agentconfig loads and validates the agent's YAML configuration
// file: object store credentials, renderer endpoint, cache directories,
// cleanup policy and callback transport settings.
package agentconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is used when neither the --config flag nor the
	// environment variable names a configuration file.
	DefaultPath = "/etc/visionsuit-gpu-agent/config.yaml"

	// PathEnvVar overrides the configuration file location.
	PathEnvVar = "VISION_SUITE_AGENT_CONFIG"
)

// Minio holds the S3-compatible object store connection settings.
type Minio struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Region    string `yaml:"region"`
	VerifyTLS bool   `yaml:"verify_tls"`
}

// ComfyUI holds the renderer endpoint and the knobs that shape job
// submission, polling and timeout computation.
type ComfyUI struct {
	APIURL                   string   `yaml:"api_url"`
	TimeoutSeconds           int      `yaml:"timeout_seconds"`
	PerStepTimeoutSeconds    float64  `yaml:"per_step_timeout_seconds"`
	Img2ImgTimeoutMultiplier float64  `yaml:"img2img_timeout_multiplier"`
	PollIntervalSeconds      float64  `yaml:"poll_interval_seconds"`
	ClientID                 string   `yaml:"client_id"`
	ModelRefreshDelaySeconds float64  `yaml:"model_refresh_delay_seconds"`
	AllowlistTTLSeconds      float64  `yaml:"allowlist_ttl_seconds"`
	SamplerClasses           []string `yaml:"sampler_classes"`
}

// BaseTimeout is the render deadline before per-step padding.
func (c ComfyUI) BaseTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PerStepTimeout is the deadline padding added per sampling step.
func (c ComfyUI) PerStepTimeout() time.Duration {
	return time.Duration(c.PerStepTimeoutSeconds * float64(time.Second))
}

// PollInterval is the delay between renderer status probes.
func (c ComfyUI) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds * float64(time.Second))
}

// ModelRefreshDelay is how long the renderer gets to rescan its model
// directories after new files appear.
func (c ComfyUI) ModelRefreshDelay() time.Duration {
	if c.ModelRefreshDelaySeconds < 0 {
		return 0
	}
	return time.Duration(c.ModelRefreshDelaySeconds * float64(time.Second))
}

// AllowlistTTL is how long a fetched checkpoint/LoRA allow-list stays fresh.
func (c ComfyUI) AllowlistTTL() time.Duration {
	return time.Duration(c.AllowlistTTLSeconds * float64(time.Second))
}

// Paths holds the on-disk layout the renderer and the agent share.
type Paths struct {
	BaseModels string `yaml:"base_models"`
	Loras      string `yaml:"loras"`
	Workflows  string `yaml:"workflows"`
	Outputs    string `yaml:"outputs"`
	Temp       string `yaml:"temp"`
}

// Cleanup controls which materialized assets are removed after a job.
type Cleanup struct {
	DeleteDownloadedLoras  bool `yaml:"delete_downloaded_loras"`
	DeleteDownloadedModels bool `yaml:"delete_downloaded_models"`
}

// Callbacks holds the transport settings for controller callbacks.
type Callbacks struct {
	BaseURL             string  `yaml:"base_url"`
	VerifyTLS           bool    `yaml:"verify_tls"`
	TimeoutSeconds      int     `yaml:"timeout_seconds"`
	MaxRetries          int     `yaml:"max_retries"`
	RetryBackoffSeconds float64 `yaml:"retry_backoff_seconds"`
}

// Timeout is the per-request callback deadline.
func (c Callbacks) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryBackoff is the base delay of the linear retry schedule.
func (c Callbacks) RetryBackoff() time.Duration {
	if c.RetryBackoffSeconds < 0 {
		return 0
	}
	return time.Duration(c.RetryBackoffSeconds * float64(time.Second))
}

// Config is the root of the agent's YAML configuration.
type Config struct {
	Minio               Minio          `yaml:"minio"`
	ComfyUI             ComfyUI        `yaml:"comfyui"`
	Paths               Paths          `yaml:"paths"`
	Cleanup             Cleanup        `yaml:"cleanup"`
	Callbacks           Callbacks      `yaml:"callbacks"`
	WorkflowDefaults    map[string]any `yaml:"workflow_defaults"`
	PersistentModelKeys []string       `yaml:"persistent_model_keys"`
}

// Default returns a Config populated with every optional setting's default.
// Loading merges the file over this, so absent keys keep these values.
func Default() Config {
	return Config{
		Minio: Minio{
			Secure:    false,
			VerifyTLS: true,
		},
		ComfyUI: ComfyUI{
			TimeoutSeconds:           900,
			PerStepTimeoutSeconds:    10,
			Img2ImgTimeoutMultiplier: 2.0,
			PollIntervalSeconds:      2.0,
			ClientID:                 "visionsuit-gpu-agent",
			ModelRefreshDelaySeconds: 3.0,
			AllowlistTTLSeconds:      300,
			SamplerClasses:           []string{"ksampler"},
		},
		Cleanup: Cleanup{
			DeleteDownloadedLoras:  true,
			DeleteDownloadedModels: true,
		},
		Callbacks: Callbacks{
			VerifyTLS:           true,
			TimeoutSeconds:      10,
			MaxRetries:          3,
			RetryBackoffSeconds: 2.0,
		},
		WorkflowDefaults: map[string]any{},
	}
}

// PathFromEnvironment resolves the configuration file location from the
// environment, falling back to DefaultPath.
func PathFromEnvironment() string {
	if path := os.Getenv(PathEnvVar); path != "" {
		return path
	}
	return DefaultPath
}

// Load reads, parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent configuration: %w", err)
	}

	conf := Default()
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, fmt.Errorf("parsing agent configuration %s: %w", path, err)
	}
	if conf.WorkflowDefaults == nil {
		conf.WorkflowDefaults = map[string]any{}
	}

	conf.Paths.BaseModels = resolvePath(conf.Paths.BaseModels)
	conf.Paths.Loras = resolvePath(conf.Paths.Loras)
	conf.Paths.Workflows = resolvePath(conf.Paths.Workflows)
	conf.Paths.Outputs = resolvePath(conf.Paths.Outputs)
	conf.Paths.Temp = resolvePath(conf.Paths.Temp)

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent configuration %s: %w", path, err)
	}
	return &conf, nil
}

// resolvePath expands environment variables and a leading ~ and makes the
// result absolute.
func resolvePath(value string) string {
	if value == "" {
		return ""
	}
	expanded := os.ExpandEnv(value)
	if expanded == "~" || strings.HasPrefix(expanded, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			expanded = filepath.Join(home, strings.TrimPrefix(expanded, "~"))
		}
	}
	if abs, err := filepath.Abs(expanded); err == nil {
		return abs
	}
	return expanded
}

// Validate checks that every setting without a usable default is present.
func (c *Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Minio.Endpoint) == "" {
		missing = append(missing, "minio.endpoint")
	}
	if strings.TrimSpace(c.Minio.AccessKey) == "" {
		missing = append(missing, "minio.access_key")
	}
	if strings.TrimSpace(c.Minio.SecretKey) == "" {
		missing = append(missing, "minio.secret_key")
	}
	if strings.TrimSpace(c.ComfyUI.APIURL) == "" {
		missing = append(missing, "comfyui.api_url")
	}
	if c.Paths.BaseModels == "" {
		missing = append(missing, "paths.base_models")
	}
	if c.Paths.Loras == "" {
		missing = append(missing, "paths.loras")
	}
	if c.Paths.Workflows == "" {
		missing = append(missing, "paths.workflows")
	}
	if c.Paths.Outputs == "" {
		missing = append(missing, "paths.outputs")
	}
	if c.Paths.Temp == "" {
		missing = append(missing, "paths.temp")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}

	if c.ComfyUI.PollIntervalSeconds <= 0 {
		return fmt.Errorf("comfyui.poll_interval_seconds must be positive, got %v", c.ComfyUI.PollIntervalSeconds)
	}
	if c.ComfyUI.TimeoutSeconds <= 0 {
		return fmt.Errorf("comfyui.timeout_seconds must be positive, got %d", c.ComfyUI.TimeoutSeconds)
	}
	return nil
}

// EnsureDirectories creates the cache, workflow, output and scratch
// directories the agent writes into.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.BaseModels, c.Paths.Loras, c.Paths.Workflows, c.Paths.Outputs, c.Paths.Temp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// IsPersistentKey reports whether an object key is pinned by configuration,
// which exempts the materialized file from post-job cleanup.
func (c *Config) IsPersistentKey(key string) bool {
	for _, pinned := range c.PersistentModelKeys {
		if pinned == key {
			return true
		}
	}
	return false
}

// LogsDir is where per-job manifests and event streams are written.
func (c *Config) LogsDir() string {
	return filepath.Join(c.Paths.Outputs, "logs")
}
