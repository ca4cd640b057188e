package namespace

// Scope is the set of temporary bindings one apply request holds in the
// namespace. Release must run on every exit path.
type Scope struct {
	ns       *Namespace
	prefix   string
	names    []string
	result   any
	released bool
}

// Bind installs the callable, its arguments and an empty result placeholder
// under prefix and returns the scope that owns them.
func (n *Namespace) Bind(prefix string, fn any, args []any, kwargs map[string]any) *Scope {
	s := &Scope{
		ns:     n,
		prefix: prefix,
		names: []string{
			prefix + SuffixFunc,
			prefix + SuffixArgs,
			prefix + SuffixKwargs,
			prefix + SuffixResult,
		},
	}
	n.Update(map[string]any{
		s.names[0]: fn,
		s.names[1]: args,
		s.names[2]: kwargs,
		s.names[3]: nil,
	})
	return s
}

// SetResult writes v into the result placeholder.
func (s *Scope) SetResult(v any) {
	s.result = v
	s.ns.Set(s.prefix+SuffixResult, v)
}

// Result reads the result placeholder back. If the namespace was cleared
// while the call ran, the value last written by SetResult is returned.
func (s *Scope) Result() any {
	if v, ok := s.ns.Get(s.prefix + SuffixResult); ok {
		return v
	}
	return s.result
}

// Release removes every temporary binding. It is safe to call more than once.
func (s *Scope) Release() {
	if s.released {
		return
	}
	s.released = true
	s.ns.mu.Lock()
	defer s.ns.mu.Unlock()
	for _, name := range s.names {
		delete(s.ns.vars, name)
	}
}
