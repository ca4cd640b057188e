// Package fault turns Go errors and recovered panics into the structured
// failures reported to schedulers: a class name, a human readable value and a
// formatted traceback.
package fault

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"unicode"

	pkgerrors "github.com/pkg/errors"

	"github.com/seantiz/forge/internal/model"
)

// Kind separates failures a scheduler should treat differently.
type Kind uint8

const (
	// KindError is any failure of the call itself.
	KindError Kind = iota
	// KindUnmetDependency means a precondition for running the call was not met.
	KindUnmetDependency
)

// Failure is a classified failure ready to be put on the wire.
type Failure struct {
	Kind      Kind
	Name      string
	Value     string
	Traceback []string
}

// Reply renders the failure as error reply content.
func (f *Failure) Reply(info *model.EngineInfo) model.ReplyContent {
	return model.ReplyContent{
		Status:     model.StatusError,
		EName:      f.Name,
		EValue:     f.Value,
		Traceback:  f.Traceback,
		EngineInfo: info,
	}
}

// Error is a named failure raised by callables. Name is what schedulers see
// as the exception class.
type Error struct {
	Name    string
	Message string
}

func (e *Error) Error() string {
	return e.Name + ": " + e.Message
}

// ErrUnmetDependency can be wrapped to signal a failed precondition.
var ErrUnmetDependency = &Error{Name: model.UnmetDependencyName, Message: "unmet dependency"}

// Raise returns a named error carrying the caller's stack.
func Raise(name, message string) error {
	return pkgerrors.WithStack(&Error{Name: name, Message: message})
}

// Raisef is Raise with a format string.
func Raisef(name, format string, args ...any) error {
	return pkgerrors.WithStack(&Error{Name: name, Message: fmt.Sprintf(format, args...)})
}

// UnmetDependency returns an error classified as an unmet dependency.
func UnmetDependency(message string) error {
	return Raise(model.UnmetDependencyName, message)
}

// FromError classifies err. The traceback holds the stack recorded by
// pkg/errors when present, followed by a "Name: value" summary line.
func FromError(err error) *Failure {
	name, value := describe(err)
	f := &Failure{
		Kind:  kindOf(name),
		Name:  name,
		Value: value,
	}
	var st interface{ StackTrace() pkgerrors.StackTrace }
	if errors.As(err, &st) {
		for _, frame := range st.StackTrace() {
			pc := uintptr(frame) - 1
			fn := runtime.FuncForPC(pc)
			if fn == nil {
				continue
			}
			file, line := fn.FileLine(pc)
			if skipFrame(fn.Name()) {
				continue
			}
			f.Traceback = append(f.Traceback, formatFrame(fn.Name(), file, line))
		}
	}
	f.Traceback = append(f.Traceback, summary(name, value))
	return f
}

// FromPanic classifies a recovered panic value. It must be called from the
// deferred function that recovered, so the panicking frames are still on the
// stack.
func FromPanic(v any) *Failure {
	var name, value string
	switch pv := v.(type) {
	case runtime.Error:
		name, value = "RuntimeError", pv.Error()
	case error:
		name, value = describe(pv)
	default:
		name, value = "Panic", fmt.Sprint(pv)
	}

	f := &Failure{Kind: kindOf(name), Name: name, Value: value}

	pcs := make([]uintptr, 64)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		if !skipFrame(fr.Function) {
			f.Traceback = append(f.Traceback, formatFrame(fr.Function, fr.File, fr.Line))
		}
		if !more {
			break
		}
	}
	f.Traceback = append(f.Traceback, summary(name, value))
	return f
}

// New builds a failure without a Go error behind it, e.g. for interpreter
// errors that carry their own position information.
func New(name, value string, frames ...string) *Failure {
	tb := append(append([]string{}, frames...), summary(name, value))
	return &Failure{Kind: kindOf(name), Name: name, Value: value, Traceback: tb}
}

func describe(err error) (name, value string) {
	var named *Error
	if errors.As(err, &named) {
		if err.Error() == named.Error() {
			return named.Name, named.Message
		}
		return named.Name, err.Error()
	}
	return typeName(err), err.Error()
}

// typeName names an unnamed Go error after the first exported type in its
// wrap chain, so fmt and pkg/errors wrappers are looked through.
func typeName(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		t := reflect.TypeOf(e)
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if name := t.Name(); name != "" && unicode.IsUpper(rune(name[0])) {
			return name
		}
	}
	return "Error"
}

func kindOf(name string) Kind {
	if name == model.UnmetDependencyName {
		return KindUnmetDependency
	}
	return KindError
}

const pkgPath = "github.com/seantiz/forge/internal/fault."

// helperFrames are the constructors in this package that sit between the
// failing code and the recorded stack.
var helperFrames = map[string]bool{
	pkgPath + "Raise":           true,
	pkgPath + "Raisef":          true,
	pkgPath + "UnmetDependency": true,
	pkgPath + "FromPanic":       true,
}

func skipFrame(function string) bool {
	return function == "" || helperFrames[function] || strings.HasPrefix(function, "runtime.")
}

func formatFrame(function, file string, line int) string {
	return fmt.Sprintf("%s\n\t%s:%d", function, file, line)
}

func summary(name, value string) string {
	if value == "" {
		return name
	}
	return name + ": " + value
}
