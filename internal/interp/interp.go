// Package interp runs the code strings carried by execute requests against
// the engine namespace. Each line is an assignment, a deletion, a comment or
// a bare expression; expressions are evaluated with expr-lang.
package interp

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/seantiz/forge/internal/fault"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/namespace"
)

var (
	assignRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*=([^=].*)$`)
	deleteRe = regexp.MustCompile(`^del\s+([A-Za-z_][A-Za-z0-9_]*)$`)
)

// Result is the outcome of running one code string.
type Result struct {
	ExecutionCount  int
	Value           any
	HasValue        bool
	UserExpressions map[string]model.ExpressionData
	Failure         *fault.Failure
}

// Interpreter evaluates code against a namespace. Calls are serialized by
// the engine; the mutex only protects the counters read by other goroutines.
type Interpreter struct {
	ns *namespace.Namespace

	mu             sync.Mutex
	executionCount int
	history        []string
}

// New creates an interpreter bound to ns.
func New(ns *namespace.Namespace) *Interpreter {
	return &Interpreter{ns: ns}
}

// ExecutionCount returns the number of non-silent executions so far.
func (it *Interpreter) ExecutionCount() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.executionCount
}

// History returns the code strings recorded with store_history.
func (it *Interpreter) History() []string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return append([]string{}, it.history...)
}

// BeginExecution bumps the execution count for a non-silent request and
// returns the count the request runs under.
func (it *Interpreter) BeginExecution(silent bool) int {
	it.mu.Lock()
	defer it.mu.Unlock()
	if !silent {
		it.executionCount++
	}
	return it.executionCount
}

// Execute runs code, then evaluates userExpressions when the code succeeded.
// Code may call print(...), which writes to stdout.
func (it *Interpreter) Execute(code string, count int, storeHistory bool, userExpressions map[string]string, stdout io.Writer) Result {
	res := Result{ExecutionCount: count}
	if stdout == nil {
		stdout = io.Discard
	}

	if storeHistory {
		it.mu.Lock()
		it.history = append(it.history, code)
		it.mu.Unlock()
	}

	for i, raw := range strings.Split(code, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		where := fmt.Sprintf("line %d: %s", i+1, line)

		if m := deleteRe.FindStringSubmatch(line); m != nil {
			if _, ok := it.ns.Get(m[1]); !ok {
				res.Failure = fault.New("NameError", fmt.Sprintf("name '%s' is not defined", m[1]), where)
				return res
			}
			it.ns.Delete(m[1])
			res.Value, res.HasValue = nil, false
			continue
		}

		if m := assignRe.FindStringSubmatch(line); m != nil {
			v, f := it.eval(strings.TrimSpace(m[2]), where, stdout)
			if f != nil {
				res.Failure = f
				return res
			}
			it.ns.Set(m[1], v)
			res.Value, res.HasValue = nil, false
			continue
		}

		v, f := it.eval(line, where, stdout)
		if f != nil {
			res.Failure = f
			return res
		}
		res.Value, res.HasValue = v, true
	}

	if len(userExpressions) > 0 {
		res.UserExpressions = make(map[string]model.ExpressionData, len(userExpressions))
		for name, src := range userExpressions {
			v, f := it.eval(src, name, stdout)
			if f != nil {
				res.UserExpressions[name] = model.ExpressionData{
					Status:    model.StatusError,
					EName:     f.Name,
					EValue:    f.Value,
					Traceback: f.Traceback,
				}
				continue
			}
			res.UserExpressions[name] = model.ExpressionData{
				Status:   model.StatusOK,
				Data:     MimeBundle(v),
				Metadata: map[string]any{},
			}
		}
	}

	return res
}

func (it *Interpreter) eval(src, where string, stdout io.Writer) (any, *fault.Failure) {
	env := it.ns.Snapshot()
	if _, shadowed := env["print"]; !shadowed {
		env["print"] = func(args ...any) any {
			fmt.Fprintln(stdout, args...)
			return nil
		}
	}

	program, err := expr.Compile(src, expr.Env(env))
	if err != nil {
		name := "SyntaxError"
		if strings.Contains(err.Error(), "unknown name") {
			name = "NameError"
		}
		return nil, fault.New(name, firstLine(err.Error()), where)
	}

	out, err := vm.Run(program, env)
	if err != nil {
		return nil, fault.New("EvalError", firstLine(err.Error()), where)
	}
	return out, nil
}

// MimeBundle renders a value the way execute results and user expressions
// carry it.
func MimeBundle(v any) map[string]string {
	return map[string]string{"text/plain": fmt.Sprintf("%v", v)}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
