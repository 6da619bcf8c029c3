package clicommand

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
	"github.com/urfave/cli"

	"github.com/visionsuit/gpu-agent/agent"
	"github.com/visionsuit/gpu-agent/api"
	"github.com/visionsuit/gpu-agent/cliconfig"
	"github.com/visionsuit/gpu-agent/internal/agentconfig"
	"github.com/visionsuit/gpu-agent/internal/allowlist"
	"github.com/visionsuit/gpu-agent/internal/assets"
	"github.com/visionsuit/gpu-agent/internal/callback"
	"github.com/visionsuit/gpu-agent/internal/dispatchd"
	"github.com/visionsuit/gpu-agent/internal/joblog"
	"github.com/visionsuit/gpu-agent/internal/objectstore"
	"github.com/visionsuit/gpu-agent/internal/renderer"
	"github.com/visionsuit/gpu-agent/internal/workflow"
	"github.com/visionsuit/gpu-agent/logger"
	"github.com/visionsuit/gpu-agent/version"
)

const startDescription = `Usage:

    visionsuit-gpu-agent start [options...]

Description:

Start the GPU agent and listen for dispatch requests from the VisionSuit
controller.

The agent reads its YAML configuration file for everything that describes
the machine it runs on: MinIO credentials, the ComfyUI endpoint, model and
LoRA cache paths, callback settings and workflow parameter defaults. Flags
and environment variables control the process-level knobs, like the listen
address and log verbosity.

One job renders at a time. A second dispatch while a job is running is
rejected with 409 so the controller can try another agent.

Example:

    $ visionsuit-gpu-agent start --config /etc/visionsuit-gpu-agent/config.yaml`

// AgentStartConfig is the configuration for the start command.
type AgentStartConfig struct {
	GlobalConfig

	ListenAddr string `cli:"listen-addr" validate:"required"`
	Name       string `cli:"name"`
	DebugHTTP  bool   `cli:"debug-http"`
	TraceHTTP  bool   `cli:"trace-http"`
}

var AgentStartCommand = cli.Command{
	Name:        "start",
	Usage:       "Starts the GPU agent",
	Description: startDescription,
	Flags: append(globalFlags(), []cli.Flag{
		cli.StringFlag{
			Name:   "listen-addr",
			Value:  dispatchd.DefaultAddr,
			Usage:  "The address for the dispatch API to listen on",
			EnvVar: "VISION_SUITE_AGENT_LISTEN_ADDR",
		},
		cli.StringFlag{
			Name:   "name",
			Value:  "",
			Usage:  "The name of the agent, used in logs and on the status page. A random name is picked when empty",
			EnvVar: "VISION_SUITE_AGENT_NAME",
		},
		DebugHTTPFlag,
		TraceHTTPFlag,
	}...),
	Action: func(c *cli.Context) error {
		ctx := context.Background()
		cfg, l, file, err := setupLoggerAndConfig[AgentStartConfig](c)
		if err != nil {
			return err
		}

		return start(ctx, cfg, l, file)
	},
}

func start(ctx context.Context, cfg AgentStartConfig, l logger.Logger, file *cliconfig.File) error {
	if file == nil {
		return fmt.Errorf("no configuration file found, checked: %s", strings.Join(DefaultConfigFilePaths(), ", "))
	}
	configPath, err := file.AbsolutePath()
	if err != nil {
		return fmt.Errorf("resolving configuration path: %w", err)
	}

	conf, err := agentconfig.Load(configPath)
	if err != nil {
		return err
	}
	if err := conf.EnsureDirectories(); err != nil {
		return fmt.Errorf("preparing agent directories: %w", err)
	}

	name := cfg.Name
	if name == "" {
		name = petname.Generate(2, "-")
	}
	instanceID := uuid.New().String()

	l.Notice("Starting visionsuit-gpu-agent v%s with PID: %d", version.Version(), os.Getpid())
	l.Info("Agent %s (instance %s) loaded configuration from %s", name, instanceID, configPath)

	// The signal context bounds everything, including any job in flight when
	// the process is told to stop.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := objectstore.NewClient(ctx, l, conf.Minio)
	if err != nil {
		return fmt.Errorf("connecting to object storage: %w", err)
	}

	rendererClient := renderer.NewClient(l, renderer.Config{
		APIURL:       conf.ComfyUI.APIURL,
		ClientID:     conf.ComfyUI.ClientID,
		PollInterval: conf.ComfyUI.PollInterval(),
		UserAgent:    version.UserAgent(),
		DebugHTTP:    cfg.DebugHTTP,
		TraceHTTP:    cfg.TraceHTTP,
	})

	controllerClient := api.NewClient(l, api.Config{
		BaseURL:            conf.Callbacks.BaseURL,
		UserAgent:          version.UserAgent(),
		Timeout:            conf.Callbacks.Timeout(),
		InsecureSkipVerify: !conf.Callbacks.VerifyTLS,
		DebugHTTP:          cfg.DebugHTTP,
		TraceHTTP:          cfg.TraceHTTP,
	})

	runner := agent.NewRunner(l, agent.RunnerConfig{
		Config:   conf,
		Store:    store,
		Resolver: assets.NewResolver(l, store, conf.Paths),
		Loader:   workflow.NewLoader(l, store, conf.Paths),
		Renderer: rendererClient,
		Oracle:   allowlist.New(l, rendererClient, conf.Paths, conf.ComfyUI),
		Emitter:  callback.NewEmitter(l, controllerClient, conf.Callbacks, conf.ComfyUI.ClientID, rendererClient),
		Logs:     joblog.NewStore(l, conf),
	})

	svr, err := dispatchd.NewServer(l, dispatchd.Config{
		Addr:       cfg.ListenAddr,
		Engine:     runner,
		AgentName:  name,
		InstanceID: instanceID,
		DebugHTTP:  cfg.DebugHTTP,
	})
	if err != nil {
		return err
	}

	if err := svr.Start(ctx); err != nil {
		return fmt.Errorf("starting dispatch server: %w", err)
	}
	l.Info("Renderer at %s, artifacts to MinIO at %s, callbacks to %s",
		conf.ComfyUI.APIURL, conf.Minio.Endpoint, conf.Callbacks.BaseURL)

	<-ctx.Done()

	// Restore default signal behaviour so a second signal kills the process
	// instead of being swallowed while the server drains.
	cancel()

	l.Notice("Shutting down...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	return svr.Shutdown(shutdownCtx)
}
