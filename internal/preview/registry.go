// Package preview serves a locally playable copy of a transcode's output.
// Each artifact gets an ephemeral object URL; playlists are rewritten copies
// pointing at those URLs, so the upload-bound bytes are never touched.
package preview

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ErrInvalidObject is returned for empty tokens or names containing a slash.
var ErrInvalidObject = errors.New("invalid preview object")

type object struct {
	contentType string
	data        []byte
	created     time.Time
}

// Registry is an in-memory object URL store. URLs have the form
// <basePath>/<token>/<name>; a token groups the objects of one preview graph.
type Registry struct {
	basePath string
	now      func() time.Time

	mu      sync.RWMutex
	objects map[string]map[string]object
}

// NewRegistry creates a registry whose URLs start with basePath.
func NewRegistry(basePath string) *Registry {
	return &Registry{
		basePath: "/" + strings.Trim(basePath, "/"),
		now:      time.Now,
		objects:  make(map[string]map[string]object),
	}
}

// BasePath returns the URL prefix the registry is mounted under.
func (r *Registry) BasePath() string {
	return r.basePath
}

// NewToken returns a fresh object group token.
func (r *Registry) NewToken() string {
	return uuid.NewString()
}

// CreateObjectURL stores data under token/name and returns its URL. The data is
// copied.
func (r *Registry) CreateObjectURL(token, name, contentType string, data []byte) (string, error) {
	if token == "" || name == "" || strings.ContainsAny(token+name, `/\`) {
		return "", fmt.Errorf("%w: %q/%q", ErrInvalidObject, token, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	group, ok := r.objects[token]
	if !ok {
		group = make(map[string]object)
		r.objects[token] = group
	}
	group[name] = object{
		contentType: contentType,
		data:        append([]byte(nil), data...),
		created:     r.now(),
	}
	return r.url(token, name), nil
}

func (r *Registry) url(token, name string) string {
	return r.basePath + "/" + token + "/" + url.PathEscape(name)
}

// Lookup returns the object stored under token/name.
func (r *Registry) Lookup(token, name string) (contentType string, data []byte, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[token][name]
	if !ok {
		return "", nil, false
	}
	return obj.contentType, obj.data, true
}

// Revoke removes the object at objectURL. It reports whether one existed.
func (r *Registry) Revoke(objectURL string) bool {
	token, name, ok := r.parse(objectURL)
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	group, ok := r.objects[token]
	if !ok {
		return false
	}
	if _, ok := group[name]; !ok {
		return false
	}
	delete(group, name)
	if len(group) == 0 {
		delete(r.objects, token)
	}
	return true
}

// RevokeAll removes every object under token and returns how many there were.
func (r *Registry) RevokeAll(token string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.objects[token])
	delete(r.objects, token)
	return n
}

// Sweep revokes object groups whose newest object is older than maxAge.
func (r *Registry) Sweep(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for token, group := range r.objects {
		newest := time.Time{}
		for _, obj := range group {
			if obj.created.After(newest) {
				newest = obj.created
			}
		}
		if newest.Before(cutoff) {
			delete(r.objects, token)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored objects.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, group := range r.objects {
		n += len(group)
	}
	return n
}

func (r *Registry) parse(objectURL string) (token, name string, ok bool) {
	u, err := url.Parse(objectURL)
	if err != nil {
		return "", "", false
	}
	rest, found := strings.CutPrefix(u.Path, r.basePath+"/")
	if !found {
		return "", "", false
	}
	token, name, found = strings.Cut(rest, "/")
	if !found || token == "" || name == "" {
		return "", "", false
	}
	return token, name, true
}

// Handler serves objects at /{token}/{name}. Mount it at BasePath.
func (r *Registry) Handler() http.Handler {
	router := chi.NewRouter()
	router.Get("/{token}/{name}", r.serveObject)
	router.Head("/{token}/{name}", r.serveObject)
	return router
}

func (r *Registry) serveObject(w http.ResponseWriter, req *http.Request) {
	token := chi.URLParam(req, "token")
	name, err := url.PathUnescape(chi.URLParam(req, "name"))
	if err != nil || path.Base(name) != name {
		http.Error(w, "invalid object name", http.StatusBadRequest)
		return
	}

	contentType, data, ok := r.Lookup(token, name)
	if !ok {
		http.Error(w, "preview object not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	if req.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data)
}
