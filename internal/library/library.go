// Package library holds the callables an engine can run for apply requests.
// Functions cannot cross the wire, so a request names its callable and the
// engine resolves that name here or in the namespace.
package library

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/seantiz/forge/internal/namespace"
)

// Call is everything a callable receives for one invocation.
type Call struct {
	Ctx    context.Context
	NS     *namespace.Namespace
	Args   []any
	Kwargs map[string]any
	Stdout io.Writer
	Stderr io.Writer

	// PublishData pushes named values to the side channel while the call is
	// still running. It is nil outside an engine.
	PublishData func(data map[string]any) error
}

// Func is a callable runnable by an apply request.
type Func func(call *Call) (any, error)

// Library is a named registry of callables. It is safe for concurrent use.
type Library struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// New creates an empty library.
func New() *Library {
	return &Library{funcs: make(map[string]Func)}
}

// Register adds fn under name, replacing any previous registration.
func (l *Library) Register(name string, fn Func) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.funcs[name] = fn
}

// Lookup returns the callable registered under name.
func (l *Library) Lookup(name string) (Func, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn, ok := l.funcs[name]
	return fn, ok
}

// Names lists registered callables in sorted order.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.funcs))
	for name := range l.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
