package library

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/seantiz/forge/internal/fault"
)

// Builtins returns a library preloaded with the engine's standard callables.
func Builtins() *Library {
	l := New()
	l.Register("add", add)
	l.Register("echo", echo)
	l.Register("push", push)
	l.Register("pull", pull)
	l.Register("print", printArgs)
	l.Register("publish_data", publishData)
	l.Register("raise", raise)
	l.Register("require", require)
	l.Register("sleep", sleep)
	return l
}

// add sums its numeric positional arguments.
func add(call *Call) (any, error) {
	var total float64
	for i, a := range call.Args {
		f, err := ToFloat(a)
		if err != nil {
			return nil, fault.Raisef("TypeError", "argument %d: %v", i, err)
		}
		total += f
	}
	return total, nil
}

// echo returns its single argument, or all arguments as a list.
func echo(call *Call) (any, error) {
	if len(call.Args) == 1 {
		return call.Args[0], nil
	}
	return call.Args, nil
}

// push binds every keyword argument into the namespace.
func push(call *Call) (any, error) {
	call.NS.Update(call.Kwargs)
	return nil, nil
}

// pull returns the values bound to the named arguments: a single value for
// one name, a list otherwise.
func pull(call *Call) (any, error) {
	values := make([]any, 0, len(call.Args))
	for _, a := range call.Args {
		name, ok := a.(string)
		if !ok {
			return nil, fault.Raisef("TypeError", "pull expects names, got %T", a)
		}
		v, ok := call.NS.Get(name)
		if !ok {
			return nil, fault.Raisef("NameError", "name '%s' is not defined", name)
		}
		values = append(values, v)
	}
	if len(values) == 1 {
		return values[0], nil
	}
	return values, nil
}

// printArgs writes its arguments to stdout, space separated.
func printArgs(call *Call) (any, error) {
	args := make([]any, len(call.Args))
	copy(args, call.Args)
	_, err := fmt.Fprintln(call.Stdout, args...)
	return nil, err
}

// publishData sends its keyword arguments to the side channel and returns
// the published names.
func publishData(call *Call) (any, error) {
	if call.PublishData == nil {
		return nil, fault.Raise("RuntimeError", "data publishing is not available")
	}
	if err := call.PublishData(call.Kwargs); err != nil {
		return nil, err
	}
	names := make([]any, 0, len(call.Kwargs))
	for _, k := range slices.Sorted(maps.Keys(call.Kwargs)) {
		names = append(names, k)
	}
	return names, nil
}

// raise fails with the class name and message given as arguments.
func raise(call *Call) (any, error) {
	name, message := "Exception", ""
	if len(call.Args) > 0 {
		name = fmt.Sprint(call.Args[0])
	}
	if len(call.Args) > 1 {
		message = fmt.Sprint(call.Args[1])
	}
	return nil, fault.Raise(name, message)
}

// require fails with an unmet dependency unless every named argument is bound.
func require(call *Call) (any, error) {
	for _, a := range call.Args {
		name := fmt.Sprint(a)
		if _, ok := call.NS.Get(name); !ok {
			return nil, fault.UnmetDependency(fmt.Sprintf("'%s' is not available on this engine", name))
		}
	}
	return true, nil
}

// sleep blocks for the given number of seconds or until the call's context ends.
func sleep(call *Call) (any, error) {
	secs := 0.0
	if len(call.Args) > 0 {
		f, err := ToFloat(call.Args[0])
		if err != nil {
			return nil, fault.Raisef("TypeError", "sleep: %v", err)
		}
		secs = f
	}
	select {
	case <-time.After(time.Duration(secs * float64(time.Second))):
		return secs, nil
	case <-call.Ctx.Done():
		return nil, call.Ctx.Err()
	}
}

// ToFloat converts the numeric shapes produced by JSON decoding and Go callers.
func ToFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("%T is not a number", v)
	}
}
