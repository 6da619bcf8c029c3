package cliconfig

import (
	"github.com/visionsuit/gpu-agent/internal/osutil"
)

// File points at an agent configuration file on disk. The loader only
// locates the file; parsing its YAML content is up to the agentconfig
// package.
type File struct {
	// The path to the file
	Path string
}

// AbsolutePath expands env vars and a leading ~ in the path and makes it
// absolute.
func (f File) AbsolutePath() (string, error) {
	return osutil.NormalizeFilePath(f.Path)
}

// Exists reports whether the file is present on disk.
func (f File) Exists() bool {
	// If getting the absolute path fails, we can just assume it doesn't
	// exist...probably...
	absolutePath, err := f.AbsolutePath()
	if err != nil {
		return false
	}

	return osutil.FileExists(absolutePath)
}
