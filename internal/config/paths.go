package config

import (
	"os"
	"path/filepath"
	"strings"
)

// EnvHome overrides the directory relative runtime paths are resolved from.
const EnvHome = "DIYMOD_HOME"

// RuntimeRoot is $DIYMOD_HOME when set, else the directory of the running
// binary (symlinks followed), else the working directory.
func RuntimeRoot() string {
	if home := strings.TrimSpace(os.Getenv(EnvHome)); home != "" {
		return filepath.Clean(home)
	}
	if exe, err := os.Executable(); err == nil {
		if real, err := filepath.EvalSymlinks(exe); err == nil {
			exe = real
		}
		return filepath.Dir(exe)
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// ResolveRuntimePath anchors a relative path (log dir, processed images) at
// RuntimeRoot. An empty path falls back to fallback.
func ResolveRuntimePath(path, fallback string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(fallback)
	}
	switch {
	case path == "":
		return RuntimeRoot()
	case filepath.IsAbs(path):
		return filepath.Clean(path)
	}
	return filepath.Join(RuntimeRoot(), path)
}
