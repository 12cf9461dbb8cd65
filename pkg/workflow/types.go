// Package workflow defines the data model a workflow walks: steps,
// arguments, the accumulator of step results, and the app instances a
// step executes against. None of these types know about the wire
// protocol or the worker/dispatcher split; they are pure data plus the
// small amount of behavior (argument resolution, risk accumulation)
// that every caller needs.
package workflow

import (
	"encoding/json"
	"fmt"
)

// Workflow is a single submitted execution: a fixed step graph plus
// the mutable state the executor advances as it walks it.
type Workflow struct {
	// UID identifies the workflow definition the submission was built
	// from. It is stable across repeated executions of the same
	// definition.
	UID string `json:"uid"`

	// ExecutionUID identifies this particular run. A fresh value is
	// assigned on every Submit and never reused.
	ExecutionUID string `json:"execution_uid"`

	// Start names the step the executor begins at.
	Start string `json:"start"`

	// Steps holds every step in the graph, keyed by name.
	Steps map[string]*Step `json:"steps"`

	// Accumulator collects step outputs as the workflow runs. It is
	// touched only by the worker's executor task.
	Accumulator Accumulator `json:"accumulator,omitempty"`

	// AccumulatedRisk is the running sum of failed steps' Risk, each
	// normalized by TotalRisk. It never decreases; AddRisk reports
	// whether it stays at or below 1.0 plus a small floating-point
	// epsilon.
	AccumulatedRisk float64 `json:"accumulated_risk"`
}

// StepByName looks up a step, reporting whether it exists.
func (w *Workflow) StepByName(name string) (*Step, bool) {
	s, ok := w.Steps[name]
	return s, ok
}

// AddRisk adds an already-normalized risk increment to the running
// total and reports whether the result stays within the permitted
// envelope. Callers compute the increment as step.Risk / TotalRisk.
func (w *Workflow) AddRisk(risk float64) bool {
	const epsilon = 1e-9
	w.AccumulatedRisk += risk
	return w.AccumulatedRisk <= 1.0+epsilon
}

// TotalRisk sums the risk weight of every step whose risk is positive
// (the denominator an erroring step's contribution to
// AccumulatedRisk is normalized against).
func (w *Workflow) TotalRisk() float64 {
	var total float64
	for _, s := range w.Steps {
		if s.Risk > 0 {
			total += s.Risk
		}
	}
	return total
}

// NextStep is one candidate edge out of a step: a destination plus an
// optional guard expression evaluated against the accumulator.
type NextStep struct {
	// Name is the destination step.
	Name string `json:"name"`

	// Condition is an expr-lang boolean expression evaluated against
	// the accumulator. An empty condition always matches.
	Condition string `json:"condition,omitempty"`

	// Priority orders candidates when more than one condition would
	// match; lower values are tried first.
	Priority int `json:"priority,omitempty"`
}

// Step is one node in the workflow graph: an app/device/action triple
// plus its inputs and outgoing edges.
type Step struct {
	// Name identifies the step within its workflow.
	Name string `json:"name"`

	// UID is a stable identifier for the step across re-executions of
	// the same workflow definition.
	UID string `json:"uid"`

	// App, Device, and Action select the operation this step invokes:
	// the action named Action, exposed by App, run against Device.
	App    string `json:"app"`
	Device string `json:"device"`
	Action string `json:"action"`

	// Inputs are the arguments passed to the action, keyed by
	// parameter name.
	Inputs map[string]Argument `json:"inputs,omitempty"`

	// Risk is this step's weight; when the step's action returns an
	// error, Risk / TotalRisk is added to the workflow's accumulated
	// risk. A successful step adds nothing.
	Risk float64 `json:"risk,omitempty"`

	// NextSteps are the candidate edges evaluated, in Priority order,
	// once this step completes.
	NextSteps []NextStep `json:"next_steps,omitempty"`

	// AwaitsTrigger marks a step that suspends before rendering its
	// inputs until a trigger-data delivery arrives on IncomingData.
	AwaitsTrigger bool `json:"awaits_trigger,omitempty"`

	// IncomingData delivers trigger data sent to a step that is
	// waiting on one. Buffered so a SendTriggerData call never blocks
	// on the step actually being ready to receive.
	IncomingData chan *TriggerPayload `json:"-"`
}

// TriggerPayload is the data delivered to a paused or trigger-waiting
// step via SendTriggerData.
type TriggerPayload struct {
	ExecutionUID string         `json:"execution_uid"`
	Data         map[string]any `json:"data"`
}

// Argument is a step input. Exactly one of Value or Reference is
// populated, and Selection may only accompany Reference; UnmarshalJSON
// enforces this at decode time so the invariant holds everywhere else
// without re-checking it.
type Argument struct {
	Name string `json:"name"`

	// Value is a literal, already-typed argument value.
	Value *any `json:"value,omitempty"`

	// Reference names an accumulator key whose StepOutput supplies the
	// value at resolution time.
	Reference *string `json:"reference,omitempty"`

	// Selection walks into a referenced value: Reference must also be
	// set, and Selection is the path of map keys to project out of it.
	Selection []string `json:"selection,omitempty"`
}

type argumentWire struct {
	Name      string   `json:"name"`
	Value     *any     `json:"value,omitempty"`
	Reference *string  `json:"reference,omitempty"`
	Selection []string `json:"selection,omitempty"`
}

// UnmarshalJSON decodes an Argument and rejects any payload that does
// not set exactly one of value or reference, or that sets selection
// without reference.
func (a *Argument) UnmarshalJSON(data []byte) error {
	var w argumentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	set := 0
	if w.Value != nil {
		set++
	}
	if w.Reference != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("argument %q: exactly one of value, reference must be set, got %d", w.Name, set)
	}
	if len(w.Selection) > 0 && w.Reference == nil {
		return fmt.Errorf("argument %q: selection requires reference", w.Name)
	}

	a.Name = w.Name
	a.Value = w.Value
	a.Reference = w.Reference
	a.Selection = w.Selection
	return nil
}

// MarshalJSON round-trips an Argument back to its wire shape.
func (a Argument) MarshalJSON() ([]byte, error) {
	return json.Marshal(argumentWire{
		Name:      a.Name,
		Value:     a.Value,
		Reference: a.Reference,
		Selection: a.Selection,
	})
}

// StepOutput is the recorded result of one step execution.
type StepOutput struct {
	// Result is the action's return value, already JSON-serializable.
	Result any `json:"result,omitempty"`

	// Error holds the step's failure message, if any. A populated
	// Error does not prevent the workflow from continuing.
	Error string `json:"error,omitempty"`

	// Status is "success" or "error", mirroring whether Error is set.
	Status string `json:"status"`
}

// Accumulator is the map of step name to recorded output that the
// executor builds up as the workflow runs. It is not safe for
// concurrent use: only the worker's executor task writes to it.
type Accumulator map[string]StepOutput

// Set records a step's output.
func (a Accumulator) Set(step string, out StepOutput) {
	a[step] = out
}

// Get returns a step's recorded output, if any.
func (a Accumulator) Get(step string) (StepOutput, bool) {
	out, ok := a[step]
	return out, ok
}
