package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"
)

// ErrInvalidName is returned for artifact names that are not plain file names.
var ErrInvalidName = errors.New("invalid artifact name")

// FileSystem is the file API a Namespace scopes. engine.Manager implements it.
type FileSystem interface {
	WriteFile(path string, data []byte) error
	ReadFile(path string) ([]byte, error)
	DeleteFile(path string) error
	ListDir(path string) ([]string, error)
}

// Namespace is a session-scoped handle over a FileSystem. Every artifact of a
// transcode session is read and written through one, so two sessions sharing an
// engine can never collide on a file name.
type Namespace struct {
	fs FileSystem
	id string
}

// NewNamespace returns a handle that places every file under the directory id.
func NewNamespace(fsys FileSystem, id string) (*Namespace, error) {
	if err := validName(id); err != nil {
		return nil, fmt.Errorf("namespace id: %w", err)
	}
	return &Namespace{fs: fsys, id: id}, nil
}

// ID returns the namespace identifier (the session ID).
func (n *Namespace) ID() string {
	return n.id
}

// Path returns the FileSystem path of name. Use it for ffmpeg arguments.
func (n *Namespace) Path(name string) string {
	return path.Join(n.id, name)
}

// Write stores data as name inside the namespace.
func (n *Namespace) Write(name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	return n.fs.WriteFile(n.Path(name), data)
}

// Read returns the contents of name.
func (n *Namespace) Read(name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	return n.fs.ReadFile(n.Path(name))
}

// Delete removes name from the namespace.
func (n *Namespace) Delete(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	return n.fs.DeleteFile(n.Path(name))
}

// List returns the names of all files in the namespace. A namespace that has
// never been written to is empty, not an error.
func (n *Namespace) List() ([]string, error) {
	names, err := n.fs.ListDir(n.id)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return names, err
}

// ListPrefix returns the names in the namespace starting with prefix.
func (n *Namespace) ListPrefix(prefix string) ([]string, error) {
	names, err := n.List()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range names {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out, nil
}

// Purge deletes every file in the namespace and then the namespace directory.
// It never stops at the first failure; the outcome is reported in the result.
func (n *Namespace) Purge() CleanupResult {
	result := CleanupResult{Namespace: n.id}

	names, err := n.List()
	if err != nil {
		result.Failures = append(result.Failures, CleanupFailure{Name: n.id, Err: err})
		return result
	}

	for _, name := range names {
		if err := n.Delete(name); err != nil {
			result.Failures = append(result.Failures, CleanupFailure{Name: name, Err: err})
			continue
		}
		result.Removed++
	}

	if len(result.Failures) == 0 {
		if err := n.fs.DeleteFile(n.id); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result.Failures = append(result.Failures, CleanupFailure{Name: n.id, Err: err})
		}
	}

	return result
}

// CleanupFailure records one file that could not be removed.
type CleanupFailure struct {
	Name string
	Err  error
}

// CleanupResult describes the outcome of purging a namespace. It is logged on its
// own and never replaces the result of the operation that triggered it.
type CleanupResult struct {
	Namespace string
	Removed   int
	Failures  []CleanupFailure
}

// OK reports whether every file was removed.
func (r CleanupResult) OK() bool {
	return len(r.Failures) == 0
}

// Err joins all failures, or returns nil.
func (r CleanupResult) Err() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("%s: %w", f.Name, f.Err))
	}
	return errors.Join(errs...)
}

// LogValue implements slog.LogValuer.
func (r CleanupResult) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("namespace", r.Namespace),
		slog.Int("removed", r.Removed),
		slog.Int("failed", len(r.Failures)),
	}
	if err := r.Err(); err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	return slog.GroupValue(attrs...)
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
