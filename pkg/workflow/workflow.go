package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/meshflow/meshflow/pkg/errors"
)

// State is the lifecycle state of a workflow execution as observed by
// the controller; it does not describe individual step state.
type State string

const (
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
)

// IsTerminal reports whether no further steps will execute from this
// state.
func (s State) IsTerminal() bool {
	return s == StateCompleted
}

// AppInstance is an opaque handle to a running (app, device) pairing.
// The registry that constructs AppInstances, and the actions they
// expose, are out of scope here: the executor only needs to be able
// to shut one down once no step references it anymore.
type AppInstance interface {
	Shutdown(ctx context.Context) error
}

// Evaluator evaluates a NextStep's guard expression against the
// accumulator. Compiled programs are cached so repeated evaluation of
// the same condition string across many workflow executions only
// compiles once.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEvaluator creates an Evaluator with an empty compile cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate runs condition against acc and returns its boolean result.
// An empty condition always evaluates to true.
func (e *Evaluator) Evaluate(condition string, acc Accumulator) (bool, error) {
	if condition == "" {
		return true, nil
	}

	program, err := e.compile(condition)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("failed to compile next-step condition: %s", err),
			Suggestion: "check expression syntax against the step's accumulator keys",
		}
	}

	env := map[string]any{"accumulator": acc.toEnv()}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("next-step condition evaluation failed: %s", err),
			Suggestion: "verify every accumulator key the condition references has already run",
		}
	}

	ok, isBool := result.(bool)
	if !isBool {
		return false, &errors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("next-step condition must return a boolean, got %T", result),
			Suggestion: "use a comparison or boolean operator in the condition",
		}
	}
	return ok, nil
}

func (e *Evaluator) compile(condition string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[condition]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(condition,
		expr.Env(map[string]any{"accumulator": map[string]any{}}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[condition] = prog
	e.mu.Unlock()
	return prog, nil
}

// toEnv flattens the accumulator into the plain map shape expr-lang
// expressions index into (accumulator.scan_host.result, and so on).
func (a Accumulator) toEnv() map[string]any {
	env := make(map[string]any, len(a))
	for step, out := range a {
		env[step] = map[string]any{
			"result": out.Result,
			"error":  out.Error,
			"status": out.Status,
		}
	}
	return env
}

// NextStepName evaluates a step's outgoing edges in priority order and
// returns the name of the first whose condition matches. Returns ""
// if no edge matches, which ends the workflow along this branch.
func NextStepName(eval *Evaluator, edges []NextStep, acc Accumulator) (string, error) {
	ordered := make([]NextStep, len(edges))
	copy(ordered, edges)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].Priority < ordered[j-1].Priority; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	for _, edge := range ordered {
		matched, err := eval.Evaluate(edge.Condition, acc)
		if err != nil {
			return "", err
		}
		if matched {
			return edge.Name, nil
		}
	}
	return "", nil
}

// ResolveArgument produces the concrete value of an argument: a
// literal Value passes through unchanged; a Reference looks up the
// named step's output; a Selection additionally walks into that
// output along a path of map keys.
func ResolveArgument(arg Argument, acc Accumulator) (any, error) {
	if arg.Value != nil {
		return *arg.Value, nil
	}

	ref := *arg.Reference
	out, ok := acc.Get(ref)
	if !ok {
		return nil, &errors.NotFoundError{Resource: "accumulator entry", ID: ref}
	}
	if len(arg.Selection) == 0 {
		return out.Result, nil
	}

	cur := out.Result
	for _, key := range arg.Selection {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("argument %q: cannot select %q from non-map value %T", arg.Name, key, cur)
		}
		cur, ok = m[key]
		if !ok {
			return nil, fmt.Errorf("argument %q: key %q not present in %q's result", arg.Name, key, ref)
		}
	}
	return cur, nil
}
