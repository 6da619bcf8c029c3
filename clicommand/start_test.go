package clicommand

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/visionsuit/gpu-agent/cliconfig"
	"github.com/visionsuit/gpu-agent/logger"
)

func writeStartConfig(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	conf := fmt.Sprintf(`minio:
  endpoint: 127.0.0.1:9000
  access_key: visionsuit
  secret_key: hunter2
comfyui:
  api_url: http://127.0.0.1:8188
paths:
  base_models: %[1]s/models
  loras: %[1]s/loras
  workflows: %[1]s/workflows
  outputs: %[1]s/outputs
  temp: %[1]s/temp
callbacks:
  base_url: http://127.0.0.1:8080
`, dir)

	path := filepath.Join(dir, "agent.yaml")
	if err := os.WriteFile(path, []byte(conf), 0o600); err != nil {
		t.Fatalf("os.WriteFile(%q) error = %v", path, err)
	}
	return path
}

func TestStartRequiresConfigFile(t *testing.T) {
	t.Parallel()

	cfg := AgentStartConfig{ListenAddr: "127.0.0.1:0"}

	err := start(context.Background(), cfg, logger.NewBuffer(), nil)
	if err == nil {
		t.Fatalf("start(ctx, cfg, l, nil) error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), "no configuration file found") {
		t.Errorf("start(ctx, cfg, l, nil) error = %q, want it to mention the missing configuration file", err)
	}
}

func TestStartBootsAndShutsDownCleanly(t *testing.T) {
	t.Parallel()

	// start blocks until its context ends, so bound the whole boot.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	cfg := AgentStartConfig{
		ListenAddr: "127.0.0.1:0",
		Name:       "test-agent",
	}
	l := logger.NewBuffer()

	file := &cliconfig.File{Path: writeStartConfig(t)}
	if err := start(ctx, cfg, l, file); err != nil {
		t.Fatalf("start(ctx, cfg, l, file) = %v", err)
	}

	wantPrefixes := []string{
		"[notice] Starting visionsuit-gpu-agent v",
		"[notice] Dispatch API listening on http://127.0.0.1:",
		"[notice] Shutting down...",
	}
	for _, want := range wantPrefixes {
		found := slices.ContainsFunc(l.Messages, func(msg string) bool {
			return strings.HasPrefix(msg, want)
		})
		if !found {
			t.Errorf("after start, l.Messages = %q\nis missing a message starting with %q", l.Messages, want)
		}
	}
}
