// Package namespace holds the engine's long-lived mapping from names to
// values, shared by every request a worker executes.
package namespace

import (
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Temporary binding suffixes used while an apply request runs.
const (
	SuffixFunc   = "f"
	SuffixArgs   = "args"
	SuffixKwargs = "kwargs"
	SuffixResult = "result"
)

// Namespace is the worker's execution environment. The execution path is the
// only writer of ordinary bindings, but clear requests and the admin API touch
// it from other goroutines, so access is guarded.
type Namespace struct {
	mu   sync.RWMutex
	vars map[string]any
}

// New returns an empty namespace.
func New() *Namespace {
	return &Namespace{vars: make(map[string]any)}
}

// Get returns the value bound to name.
func (n *Namespace) Get(name string) (any, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.vars[name]
	return v, ok
}

// Set binds name to v, replacing any existing binding.
func (n *Namespace) Set(name string, v any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.vars[name] = v
}

// Update binds every entry of vars.
func (n *Namespace) Update(vars map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for k, v := range vars {
		n.vars[k] = v
	}
}

// Delete removes name. Deleting an unbound name is a no-op.
func (n *Namespace) Delete(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.vars, name)
}

// Len reports the number of bindings.
func (n *Namespace) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.vars)
}

// Names returns all bound names in sorted order.
func (n *Namespace) Names() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.vars))
	for k := range n.vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a shallow copy of the bindings.
func (n *Namespace) Snapshot() map[string]any {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]any, len(n.vars))
	for k, v := range n.vars {
		out[k] = v
	}
	return out
}

// Reset discards every binding by replacing the mapping.
func (n *Namespace) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.vars = make(map[string]any)
}

// TempPrefix derives the request-scoped prefix for temporary bindings:
// the message id stripped to letters and digits, wrapped in underscores.
func TempPrefix(msgID string) string {
	var b strings.Builder
	b.Grow(len(msgID) + 2)
	b.WriteByte('_')
	for _, r := range msgID {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	b.WriteByte('_')
	return b.String()
}
