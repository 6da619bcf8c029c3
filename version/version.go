// Package version provides the agent version strings.
package version

import (
	_ "embed"
	"runtime"
	"strings"
)

// buildNumber can be overridden at compile time by using:
//
//	go build -ldflags "-X github.com/visionsuit/gpu-agent/version.buildNumber=123" .
//
// Release binaries are always built with buildNumber set.

//go:embed VERSION
var baseVersion string
var buildNumber string

func Version() string {
	return strings.TrimSpace(baseVersion)
}

func BuildNumber() string {
	if buildNumber == "" {
		return "x"
	}
	return buildNumber
}

// FullVersion is the version and build number joined, as reported by
// --version and the root endpoint.
func FullVersion() string {
	return Version() + "." + BuildNumber()
}

func UserAgent() string {
	return "visionsuit-gpu-agent/" + Version() + "." + BuildNumber() + " (" + runtime.GOOS + "; " + runtime.GOARCH + ")"
}
