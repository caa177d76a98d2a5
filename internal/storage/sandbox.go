// Package storage provides the sandboxed working directory that stands in for the
// engine's virtual filesystem. Every path is resolved relative to a base directory
// and rejected if it would escape it.
package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrPathEscapes is returned when a path resolves outside the sandbox.
var ErrPathEscapes = errors.New("path escapes sandbox")

// Sandbox provides file operations confined to a base directory.
type Sandbox struct {
	baseDir string
}

// NewSandbox creates a Sandbox rooted at baseDir, creating the directory if needed.
func NewSandbox(baseDir string) (*Sandbox, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}

	if err := os.MkdirAll(absPath, 0750); err != nil {
		return nil, fmt.Errorf("creating base directory: %w", err)
	}

	return &Sandbox{baseDir: absPath}, nil
}

// BaseDir returns the absolute path to the sandbox base directory.
func (s *Sandbox) BaseDir() string {
	return s.baseDir
}

// ResolvePath resolves a relative path within the sandbox.
func (s *Sandbox) ResolvePath(relativePath string) (string, error) {
	if filepath.IsAbs(relativePath) {
		return "", fmt.Errorf("%w: %s (absolute paths not allowed)", ErrPathEscapes, relativePath)
	}

	absPath := filepath.Join(s.baseDir, filepath.Clean(relativePath))
	if absPath != s.baseDir && !strings.HasPrefix(absPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, relativePath)
	}

	return absPath, nil
}

// Exists checks if a path exists within the sandbox.
func (s *Sandbox) Exists(relativePath string) (bool, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking path: %w", err)
	}
	return true, nil
}

// MkdirAll creates a directory and all parents within the sandbox.
func (s *Sandbox) MkdirAll(relativePath string) error {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	return nil
}

// WriteFile writes data to a file within the sandbox, creating parent directories.
func (s *Sandbox) WriteFile(relativePath string, data []byte) error {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}

// ReadFile reads a file from within the sandbox.
func (s *Sandbox) ReadFile(relativePath string) ([]byte, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Remove removes a file or empty directory. The returned error wraps
// fs.ErrNotExist when the path is missing.
func (s *Sandbox) Remove(relativePath string) error {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing path: %w", err)
	}
	return nil
}

// RemoveAll removes a path and its contents. The base directory itself cannot be removed.
func (s *Sandbox) RemoveAll(relativePath string) error {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return err
	}

	if path == s.baseDir {
		return fmt.Errorf("cannot remove sandbox base directory")
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing path: %w", err)
	}
	return nil
}

// Rename moves a file within the sandbox.
func (s *Sandbox) Rename(oldPath, newPath string) error {
	oldAbs, err := s.ResolvePath(oldPath)
	if err != nil {
		return fmt.Errorf("resolving old path: %w", err)
	}

	newAbs, err := s.ResolvePath(newPath)
	if err != nil {
		return fmt.Errorf("resolving new path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(newAbs), 0750); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	if err := os.Rename(oldAbs, newAbs); err != nil {
		return fmt.Errorf("renaming file: %w", err)
	}
	return nil
}

// AtomicWrite writes data to a temporary sibling and renames it into place, so
// readers never observe a partially written file.
func (s *Sandbox) AtomicWrite(relativePath string, data []byte) error {
	targetPath, err := s.ResolvePath(relativePath)
	if err != nil {
		return err
	}

	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	tempPath := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(targetPath), randomHex(8)))
	if err := os.WriteFile(tempPath, data, 0640); err != nil {
		return fmt.Errorf("writing temporary file: %w", err)
	}

	if err := os.Rename(tempPath, targetPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("renaming to target: %w", err)
	}
	return nil
}

// List returns the sorted names of regular files directly inside a directory.
func (s *Sandbox) List(relativePath string) ([]string, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Stat returns file info for a path within the sandbox.
func (s *Sandbox) Stat(relativePath string) (os.FileInfo, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("getting file info: %w", err)
	}
	return info, nil
}

// SubSandbox creates a new Sandbox within a subdirectory of this sandbox.
func (s *Sandbox) SubSandbox(relativePath string) (*Sandbox, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return nil, err
	}

	return NewSandbox(path)
}

// randomHex generates a random hex string of n characters.
func randomHex(n int) string {
	b := make([]byte, n/2+1)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", os.Getpid())
	}
	return hex.EncodeToString(b)[:n]
}
