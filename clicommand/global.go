package clicommand

import (
	"os"
	"path/filepath"

	"github.com/oleiade/reflections"
	"github.com/urfave/cli"

	"github.com/visionsuit/gpu-agent/cliconfig"
	"github.com/visionsuit/gpu-agent/internal/agentconfig"
	"github.com/visionsuit/gpu-agent/logger"
)

var ConfigFlag = cli.StringFlag{
	Name:   "config",
	Value:  "",
	Usage:  "Path to the agent's YAML configuration file",
	EnvVar: agentconfig.PathEnvVar,
}

var DebugFlag = cli.BoolFlag{
	Name:   "debug",
	Usage:  "Enable debug mode",
	EnvVar: "VISION_SUITE_AGENT_DEBUG",
}

var DebugHTTPFlag = cli.BoolFlag{
	Name:   "debug-http",
	Usage:  "Enable HTTP debug mode, which dumps all request and response bodies to the log",
	EnvVar: "VISION_SUITE_AGENT_DEBUG_HTTP",
}

var TraceHTTPFlag = cli.BoolFlag{
	Name:   "trace-http",
	Usage:  "Enable HTTP trace mode, which logs timings for each HTTP request",
	EnvVar: "VISION_SUITE_AGENT_TRACE_HTTP",
}

var NoColorFlag = cli.BoolFlag{
	Name:   "no-color",
	Usage:  "Don't show colors in logging",
	EnvVar: "VISION_SUITE_AGENT_NO_COLOR",
}

var LogLevelFlag = cli.StringFlag{
	Name:   "log-level",
	Value:  "notice",
	Usage:  "Set the log level, either debug, info, warn, notice or error",
	EnvVar: "VISION_SUITE_AGENT_LOG_LEVEL",
}

var LogFormatFlag = cli.StringFlag{
	Name:   "log-format",
	Value:  "text",
	Usage:  "The format to use for the logger output, either text or json",
	EnvVar: "VISION_SUITE_AGENT_LOG_FORMAT",
}

// GlobalConfig carries the flags shared by every command.
type GlobalConfig struct {
	Config    string `cli:"config"`
	Debug     bool   `cli:"debug"`
	LogLevel  string `cli:"log-level"`
	LogFormat string `cli:"log-format"`
	NoColor   bool   `cli:"no-color"`
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		NoColorFlag,
		DebugFlag,
		LogLevelFlag,
		LogFormatFlag,
	}
}

// DefaultConfigFilePaths returns the locations where the agent looks for its
// configuration file when --config isn't passed. The first path that exists
// wins.
func DefaultConfigFilePaths() (paths []string) {
	paths = []string{
		"$HOME/.config/visionsuit/gpu-agent.yaml",
		agentconfig.DefaultPath,
	}

	// Also check to see if there's a config file in the folder that the
	// binary is running in.
	pathToBinary, err := filepath.Abs(filepath.Dir(os.Args[0]))
	if err == nil {
		pathToRelativeConfig := filepath.Join(pathToBinary, "visionsuit-gpu-agent.yaml")
		paths = append([]string{pathToRelativeConfig}, paths...)
	}

	return paths
}

// CreateLogger builds a logger from the global flags carried by cfg. The
// fields are read reflectively so any command config struct embedding
// GlobalConfig works.
func CreateLogger(cfg any) logger.Logger {
	var printer logger.Printer

	logFormat, _ := reflections.GetField(cfg, "LogFormat")
	switch logFormat {
	case "json":
		printer = logger.NewJSONPrinter(os.Stderr)
	default:
		textPrinter := logger.NewTextPrinter(os.Stderr)
		if noColor, err := reflections.GetField(cfg, "NoColor"); noColor == true && err == nil {
			textPrinter.Colors = false
		}
		printer = textPrinter
	}

	l := logger.NewConsoleLogger(printer, os.Exit)

	if levelName, err := reflections.GetField(cfg, "LogLevel"); err == nil {
		if name, ok := levelName.(string); ok && name != "" {
			level, err := logger.LevelFromString(name)
			if err != nil {
				l.Fatal("%v", err)
			}
			l.SetLevel(level)
		}
	}

	// Debug mode wins over whatever log-level asked for
	if debug, err := reflections.GetField(cfg, "Debug"); debug == true && err == nil {
		l.SetLevel(logger.DEBUG)
	}

	return l
}

// setupLoggerAndConfig loads the command's flags into a fresh T and builds
// the logger those flags describe. It also reports the configuration file
// the loader found, which is nil when none of the candidate paths exist.
func setupLoggerAndConfig[T any](c *cli.Context) (cfg T, l logger.Logger, file *cliconfig.File, err error) {
	loader := cliconfig.Loader{
		CLI:                    c,
		Config:                 &cfg,
		DefaultConfigFilePaths: DefaultConfigFilePaths(),
	}

	if err := loader.Load(); err != nil {
		return cfg, nil, nil, err
	}

	return cfg, CreateLogger(&cfg), loader.File, nil
}
