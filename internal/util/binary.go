// Package util provides shared helpers for locating tools and formatting values.
package util

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// ErrBinaryNotFound is returned when no candidate location holds an executable.
var ErrBinaryNotFound = errors.New("binary not found")

// FindBinary locates an executable by name.
// Search order:
//  1. configured (an explicit path from configuration, if non-empty)
//  2. the environment variable envVar (if non-empty and set)
//  3. ./name in the working directory
//  4. name on PATH
//
// An explicit configured path that is not executable is an error rather than
// falling through, so a typo in configuration is never masked by PATH.
func FindBinary(name, configured, envVar string) (string, error) {
	if configured != "" {
		if isExecutable(configured) {
			return configured, nil
		}
		return "", fmt.Errorf("%w: configured %s path %q is not executable", ErrBinaryNotFound, name, configured)
	}

	if envVar != "" {
		if envPath := os.Getenv(envVar); envPath != "" && isExecutable(envPath) {
			return envPath, nil
		}
	}

	if localPath := "./" + name; isExecutable(localPath) {
		return localPath, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, name)
}

// isExecutable reports whether path is a regular file with any executable bit set.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
