package httpd

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// ServeMux is an HTTP request multiplexer with the same pattern
// semantics as net/http.ServeMux, plus the ability to deregister
// patterns so services can remove their routes on Close.
type ServeMux struct {
	mu sync.RWMutex
	m  map[string]http.Handler
}

func NewServeMux() *ServeMux {
	return &ServeMux{
		m: make(map[string]http.Handler),
	}
}

// Handle registers the handler for the given pattern.
// An error is returned if the pattern is already registered.
func (mux *ServeMux) Handle(pattern string, handler http.Handler) error {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	if pattern == "" || pattern[0] != '/' {
		return fmt.Errorf("invalid pattern %q", pattern)
	}
	if handler == nil {
		return fmt.Errorf("nil handler for pattern %q", pattern)
	}
	if _, ok := mux.m[pattern]; ok {
		return fmt.Errorf("pattern %q already registered", pattern)
	}
	mux.m[pattern] = handler
	return nil
}

// Deregister removes the pattern. Removing an unregistered pattern is
// not an error.
func (mux *ServeMux) Deregister(pattern string) {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	delete(mux.m, pattern)
}

// Patterns returns a sorted list of registered patterns.
func (mux *ServeMux) Patterns() []string {
	mux.mu.RLock()
	defer mux.mu.RUnlock()
	patterns := make([]string, 0, len(mux.m))
	for p := range mux.m {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	return patterns
}

func (mux *ServeMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := mux.handler(r.URL.Path)
	if h == nil {
		HttpError(w, "Not Found", true, http.StatusNotFound)
		return
	}
	h.ServeHTTP(w, r)
}

// handler returns the handler whose pattern most closely matches path.
// Exact matches win, then the longest registered prefix pattern
// (patterns ending in '/').
func (mux *ServeMux) handler(path string) http.Handler {
	mux.mu.RLock()
	defer mux.mu.RUnlock()

	if h, ok := mux.m[path]; ok {
		return h
	}
	var best string
	var h http.Handler
	for p, handler := range mux.m {
		if !strings.HasSuffix(p, "/") || !strings.HasPrefix(path, p) {
			continue
		}
		if h == nil || len(p) > len(best) {
			best = p
			h = handler
		}
	}
	return h
}
