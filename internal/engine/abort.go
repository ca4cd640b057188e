package engine

import "sync"

// AbortRegistry is the set of message ids that must be rejected instead of
// executed. Entries are never removed for the life of the process; the
// execution path reads it while the control path writes it.
type AbortRegistry struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewAbortRegistry creates an empty registry.
func NewAbortRegistry() *AbortRegistry {
	return &AbortRegistry{ids: make(map[string]struct{})}
}

// Add marks every id as aborted and returns how many were new.
func (r *AbortRegistry) Add(ids ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	added := 0
	for _, id := range ids {
		if _, ok := r.ids[id]; ok {
			continue
		}
		r.ids[id] = struct{}{}
		added++
	}
	abortedIDs.Set(float64(len(r.ids)))
	return added
}

// Contains reports whether id has been aborted.
func (r *AbortRegistry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ids[id]
	return ok
}

// Len reports the number of aborted ids.
func (r *AbortRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}
