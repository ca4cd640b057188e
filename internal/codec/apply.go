package codec

import (
	"encoding/json"
	"fmt"

	"github.com/seantiz/forge/internal/fault"
	"github.com/seantiz/forge/internal/library"
	"github.com/seantiz/forge/internal/namespace"
)

// applyInfo is the first buffer of an apply message.
type applyInfo struct {
	Func   string   `json:"f"`
	NArgs  int      `json:"nargs"`
	KwKeys []string `json:"kw_keys"`
}

// PackApply encodes a call of the callable named fname. Positional
// arguments follow the info buffer in order, then keyword arguments in the
// order of their keys as listed in the info buffer.
func (c *Codec) PackApply(fname string, args []any, kwargs map[string]any) ([][]byte, error) {
	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		keys = append(keys, k)
	}

	info, err := json.Marshal(applyInfo{Func: fname, NArgs: len(args), KwKeys: keys})
	if err != nil {
		return nil, fmt.Errorf("encode apply info: %w", err)
	}

	bufs := [][]byte{info}
	for i, a := range args {
		ab, err := c.Serialize(a)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		bufs = append(bufs, ab...)
	}
	for _, k := range keys {
		kb, err := c.Serialize(kwargs[k])
		if err != nil {
			return nil, fmt.Errorf("kwarg %q: %w", k, err)
		}
		bufs = append(bufs, kb...)
	}
	return bufs, nil
}

// Unpacked is a decoded apply request.
type Unpacked struct {
	Name   string
	Func   library.Func
	Args   []any
	Kwargs map[string]any
}

// UnpackApply decodes apply buffers, resolving the callable and any argument
// references. A callable bound in the namespace shadows the library. Failures
// the caller should report to the requester are returned as fault errors.
func (c *Codec) UnpackApply(bufs [][]byte, ns *namespace.Namespace, lib *library.Library) (*Unpacked, error) {
	if len(bufs) == 0 {
		return nil, fmt.Errorf("%w: no apply info buffer", ErrMalformed)
	}

	var info applyInfo
	if err := json.Unmarshal(bufs[0], &info); err != nil {
		return nil, fmt.Errorf("%w: decode apply info: %v", ErrMalformed, err)
	}
	if info.NArgs < 0 {
		return nil, fmt.Errorf("%w: negative argument count", ErrMalformed)
	}

	fn, err := resolveFunc(info.Func, ns, lib)
	if err != nil {
		return nil, err
	}

	rest := bufs[1:]
	args := make([]any, 0, info.NArgs)
	for i := 0; i < info.NArgs; i++ {
		var v any
		v, rest, err = c.Deserialize(rest)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		if v, err = resolveRef(v, ns); err != nil {
			return nil, err
		}
		args = append(args, v)
	}

	kwargs := make(map[string]any, len(info.KwKeys))
	for _, k := range info.KwKeys {
		var v any
		v, rest, err = c.Deserialize(rest)
		if err != nil {
			return nil, fmt.Errorf("kwarg %q: %w", k, err)
		}
		if v, err = resolveRef(v, ns); err != nil {
			return nil, err
		}
		kwargs[k] = v
	}

	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing buffers", ErrMalformed, len(rest))
	}

	return &Unpacked{Name: info.Func, Func: fn, Args: args, Kwargs: kwargs}, nil
}

func resolveFunc(name string, ns *namespace.Namespace, lib *library.Library) (library.Func, error) {
	if name == "" {
		return nil, fault.Raise("TypeError", "apply request names no callable")
	}
	if v, ok := ns.Get(name); ok {
		if fn, ok := v.(library.Func); ok {
			return fn, nil
		}
		return nil, fault.Raisef("TypeError", "'%T' object bound to '%s' is not callable", v, name)
	}
	if fn, ok := lib.Lookup(name); ok {
		return fn, nil
	}
	return nil, fault.Raisef("NameError", "name '%s' is not defined", name)
}

func resolveRef(v any, ns *namespace.Namespace) (any, error) {
	ref, ok := v.(Ref)
	if !ok {
		return v, nil
	}
	val, ok := ns.Get(ref.Name)
	if !ok {
		return nil, fault.Raisef("NameError", "name '%s' is not defined", ref.Name)
	}
	return val, nil
}
