package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/meshflow/meshflow/pkg/errors"
)

// Submission is the JSON payload the dispatcher accepts from Submit:
// a full workflow graph plus the identities assigned to this run and
// an optional overlay of arguments for the start step.
//
// The whole object is decoded at once; Build copies uid and
// execution_uid onto the Workflow, and ApplyStartArguments overlays
// start_arguments onto the start step.
type Submission struct {
	UID            string           `json:"uid"`
	ExecutionUID   string           `json:"execution_uid"`
	Name           string           `json:"name"`
	Start          string           `json:"start"`
	StartArguments []Argument       `json:"start_arguments,omitempty"`
	Steps          []StepDefinition `json:"steps"`
}

// StepDefinition is the wire shape of one step before it is resolved
// against the app/action registry.
type StepDefinition struct {
	Name          string              `json:"name"`
	UID           string              `json:"uid"`
	App           string              `json:"app"`
	Device        string              `json:"device"`
	Action        string              `json:"action"`
	Inputs        map[string]Argument `json:"inputs,omitempty"`
	Risk          float64             `json:"risk,omitempty"`
	NextSteps     []NextStep          `json:"next_steps,omitempty"`
	AwaitsTrigger bool                `json:"awaits_trigger,omitempty"`
}

// AppRegistry reports whether an app exposes a given action. It is
// the narrow slice of the (out-of-scope) action registry that
// definition validation needs.
type AppRegistry interface {
	HasAction(app, action string) bool
	HasApp(app string) bool
}

// ParseSubmission decodes the raw submission JSON.
func ParseSubmission(data []byte) (*Submission, error) {
	var sub Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, &errors.DefinitionError{
			Kind:    errors.KindInvalidInput,
			Message: fmt.Sprintf("malformed submission: %s", err),
		}
	}
	return &sub, nil
}

// Build validates a submission against the app registry and
// constructs the Workflow it describes. Any definition problem is
// returned as a *errors.DefinitionError and the submission is
// rejected outright: callers must not apply a partial result.
func Build(sub *Submission, registry AppRegistry) (*Workflow, error) {
	if len(sub.Steps) > 0 {
		if _, ok := findStep(sub.Steps, sub.Start); !ok {
			return nil, &errors.DefinitionError{
				Kind:    errors.KindInvalidInput,
				Message: "start step is not present in the step set",
			}
		}
	}

	steps := make(map[string]*Step, len(sub.Steps))
	for _, def := range sub.Steps {
		if !registry.HasApp(def.App) {
			return nil, &errors.DefinitionError{
				Kind:    errors.KindUnknownApp,
				Step:    def.Name,
				Message: fmt.Sprintf("app %q is not registered", def.App),
			}
		}
		if !registry.HasAction(def.App, def.Action) {
			return nil, &errors.DefinitionError{
				Kind:    errors.KindUnknownAppAction,
				Step:    def.Name,
				Message: fmt.Sprintf("app %q does not expose action %q", def.App, def.Action),
			}
		}
		for name, arg := range def.Inputs {
			if arg.Name == "" {
				return nil, &errors.DefinitionError{
					Kind:    errors.KindInvalidInput,
					Step:    def.Name,
					Message: fmt.Sprintf("input %q has no argument name", name),
				}
			}
		}

		steps[def.Name] = &Step{
			Name:          def.Name,
			UID:           def.UID,
			App:           def.App,
			Device:        def.Device,
			Action:        def.Action,
			Inputs:        def.Inputs,
			Risk:          def.Risk,
			NextSteps:     def.NextSteps,
			AwaitsTrigger: def.AwaitsTrigger,
			IncomingData:  make(chan *TriggerPayload, 1),
		}
	}

	return &Workflow{
		UID:          sub.UID,
		ExecutionUID: sub.ExecutionUID,
		Start:        sub.Start,
		Steps:        steps,
		Accumulator:  make(Accumulator),
	}, nil
}

func findStep(steps []StepDefinition, name string) (StepDefinition, bool) {
	for _, s := range steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// ApplyStartArguments overlays start-time arguments onto the start
// step's inputs. Validation failures here never fail Submit: the
// error is returned, the start step keeps its original inputs, and
// the worker only logs the failure. No WorkflowInputInvalid event is
// emitted for a rejected overlay; the executor emits that event only
// when resolving an input fails at render time.
func ApplyStartArguments(w *Workflow, args []Argument) error {
	step, ok := w.StepByName(w.Start)
	if !ok || len(args) == 0 {
		return nil
	}

	overlaid := make(map[string]Argument, len(step.Inputs))
	for k, v := range step.Inputs {
		overlaid[k] = v
	}
	for _, arg := range args {
		if arg.Name == "" {
			return &errors.ValidationError{
				Field:   "start_arguments",
				Message: "argument has no name",
			}
		}
		overlaid[arg.Name] = arg
	}
	step.Inputs = overlaid
	return nil
}
