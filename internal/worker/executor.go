// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/meshflow/meshflow/internal/protocol"
	meshflowerrors "github.com/meshflow/meshflow/pkg/errors"
	"github.com/meshflow/meshflow/pkg/observability"
	"github.com/meshflow/meshflow/pkg/workflow"
)

// pauseCheckInterval is how long the executor sleeps between checks of
// the pause flag while yielded. A var, not a const, so tests can speed
// it up rather than waiting out the ~1s sleep loop for real.
var pauseCheckInterval = 1 * time.Second

// executor walks a single workflow's step graph to completion, sharing
// the pause flag and the currently-executing step pointer with ctl so
// the control task can act on them concurrently.
type executor struct {
	worker *Worker
	wf     *workflow.Workflow
	ctl    *controlTask
	eval   *workflow.Evaluator

	// hasStartArguments reports whether the submission carried
	// start_arguments, gating WorkflowInputValidated/Invalid to the
	// start step's own render only.
	hasStartArguments bool

	instances map[instanceKey]workflow.AppInstance
	totalRisk float64
}

type instanceKey struct {
	app    string
	device string
}

// run walks the workflow from its start step until a step has no
// matching outgoing edge, then shuts down every AppInstance it
// acquired. A NextStepFound event marks every step name the walk
// settles on, including the start step.
func (e *executor) run(ctx context.Context) {
	e.instances = make(map[instanceKey]workflow.AppInstance)
	e.totalRisk = e.wf.TotalRisk()
	defer e.shutdownInstances(ctx)

	name := e.wf.Start
	for name != "" {
		if ctx.Err() != nil || e.worker.ExitRequested() {
			return
		}

		e.worker.emit(protocol.NewGeneralEvent(e.worker.identity, e.wf.ExecutionUID, protocol.CallbackNextStepFound))

		step, ok := e.wf.StepByName(name)
		if !ok {
			e.worker.logger.Error("next step not found, ending walk", "step", name, "execution_uid", e.wf.ExecutionUID)
			return
		}

		e.yieldToControl(ctx)

		next, err := e.runStep(ctx, step)
		if err != nil {
			e.worker.logger.Error("step execution error", "step", step.Name, "execution_uid", e.wf.ExecutionUID, "error", err)
		}
		name = next
	}
}

// yieldToControl blocks while the pause flag is set, emitting
// WorkflowPaused once on entry and WorkflowResumed once on exit.
func (e *executor) yieldToControl(ctx context.Context) {
	if !e.ctl.isPaused() {
		return
	}

	e.worker.emit(protocol.NewWorkflowEvent(e.worker.identity, e.wf.ExecutionUID, protocol.CallbackWorkflowPaused))
	for e.ctl.isPaused() {
		if ctx.Err() != nil || e.worker.ExitRequested() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pauseCheckInterval):
		}
	}
	e.worker.emit(protocol.NewWorkflowEvent(e.worker.identity, e.wf.ExecutionUID, protocol.CallbackWorkflowResumed))
}

// runStep resolves a step's inputs, acquires its AppInstance, executes
// it, records the result, and selects the next step name.
func (e *executor) runStep(ctx context.Context, step *workflow.Step) (string, error) {
	ctx, span := e.worker.tracer.Start(ctx, "worker.step", observability.WithAttributes(map[string]any{
		"execution_uid": e.wf.ExecutionUID,
		"step":          step.Name,
		"app":           step.App,
		"action":        step.Action,
	}))
	defer span.End()

	e.ctl.setExecuting(step)
	defer e.ctl.setExecuting(nil)

	if step.AwaitsTrigger {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-step.IncomingData:
			// The control task overlays any carried arguments onto
			// step.Inputs before this send; renderInputs below picks
			// up the overlaid values.
		}
	}

	instance, err := e.acquireInstance(ctx, step)
	if err != nil {
		e.recordFailure(step, err)
		return e.selectNext(step)
	}

	stepExecUID := uuid.NewString()

	inputs, err := e.renderInputs(step)
	if err != nil {
		e.recordFailure(step, err)
		return e.selectNext(step)
	}

	result, err := e.worker.runner.Execute(ctx, instance, step.App, step.Action, inputs)

	if err != nil {
		if step.Risk > 0 && e.totalRisk > 0 {
			if !e.wf.AddRisk(step.Risk / e.totalRisk) {
				e.worker.logger.Warn("accumulated risk exceeds permitted envelope",
					"execution_uid", e.wf.ExecutionUID, "accumulated_risk", e.wf.AccumulatedRisk)
			}
		}
		stepErr := &meshflowerrors.StepError{Step: step.Name, App: step.App, Action: step.Action, Cause: err}
		e.recordFailure(step, stepErr)
		e.emitStepEvent(step, stepExecUID, protocol.CallbackStepExecutionError, inputs, nil, stepErr.Error())
		span.RecordError(stepErr)
		return e.selectNext(step)
	}

	e.wf.Accumulator.Set(step.Name, workflow.StepOutput{Result: result, Status: "success"})
	e.emitStepEvent(step, stepExecUID, protocol.CallbackStepExecutionSuccess, inputs, result, "")
	span.SetStatus(observability.StatusCodeOK, "")
	return e.selectNext(step)
}

// renderInputs resolves every input argument against the accumulator.
// A failure here emits WorkflowInputInvalid and records the step as
// failed without invoking the action. WorkflowInputValidated/Invalid
// only fire for the start step, and only when the submission actually
// carried start_arguments to overlay onto it; every other step renders
// its inputs silently.
func (e *executor) renderInputs(step *workflow.Step) (map[string]any, error) {
	announce := e.hasStartArguments && step.Name == e.wf.Start

	rendered := make(map[string]any, len(step.Inputs))
	for name, arg := range step.Inputs {
		v, err := workflow.ResolveArgument(arg, e.wf.Accumulator)
		if err != nil {
			if announce {
				e.worker.emit(protocol.NewWorkflowEvent(e.worker.identity, e.wf.ExecutionUID, protocol.CallbackWorkflowInputInvalid))
			}
			return nil, err
		}
		rendered[name] = v
	}
	if announce {
		e.worker.emit(protocol.NewWorkflowEvent(e.worker.identity, e.wf.ExecutionUID, protocol.CallbackWorkflowInputValidated))
	}
	return rendered, nil
}

// acquireInstance returns the AppInstance for step's (app, device)
// pairing, constructing and caching one on first reference so no two
// AppInstances ever exist for the same pairing.
func (e *executor) acquireInstance(ctx context.Context, step *workflow.Step) (workflow.AppInstance, error) {
	key := instanceKey{app: step.App, device: step.Device}
	if inst, ok := e.instances[key]; ok {
		return inst, nil
	}

	inst, _, err := e.worker.runner.Instance(ctx, step.App, step.Device)
	if err != nil {
		return nil, err
	}
	e.instances[key] = inst
	e.worker.emit(protocol.NewGeneralEvent(e.worker.identity, e.wf.ExecutionUID, protocol.CallbackAppInstanceCreated))
	return inst, nil
}

func (e *executor) recordFailure(step *workflow.Step, cause error) {
	e.wf.Accumulator.Set(step.Name, workflow.StepOutput{Error: cause.Error(), Status: "error"})
}

func (e *executor) selectNext(step *workflow.Step) (string, error) {
	return workflow.NextStepName(e.eval, step.NextSteps, e.wf.Accumulator)
}

// emitStepEvent reports one step's outcome on the Results channel.
// stepExecUID is a fresh id minted per step invocation, distinct from
// both the workflow's own execution_uid (constant across the whole
// run) and step.UID (stable across re-executions of the same step
// definition), so the payload's execution_uid stays unique within the
// run even if a step is revisited. A payload that fails to serialize
// is replaced with the sentinel fallback string rather than dropped,
// the same rule the accumulator applies to values it stores.
func (e *executor) emitStepEvent(step *workflow.Step, stepExecUID string, callback string, input map[string]any, result any, stepErr string) {
	payload := map[string]any{
		"app":           step.App,
		"action":        step.Action,
		"name":          step.Name,
		"input":         input,
		"result":        result,
		"error":         stepErr,
		"execution_uid": stepExecUID,
	}

	sender := protocol.Sender{
		Name:                 e.worker.identity,
		WorkflowExecutionUID: e.wf.ExecutionUID,
		ExecutionUID:         step.UID,
		AppName:              step.App,
		ActionName:           step.Action,
		DeviceID:             step.Device,
	}

	env, err := protocol.NewStepEvent(sender, callback, payload)
	if err != nil {
		payload["result"] = meshflowerrors.SerializationFallback
		if raw, marshalErr := json.Marshal(payload); marshalErr == nil {
			env = protocol.Envelope{
				Type:           protocol.ActionPacketData,
				Sender:         sender,
				CallbackName:   callback,
				AdditionalData: raw,
			}
		} else {
			env = protocol.NewWorkflowEvent(e.worker.identity, e.wf.ExecutionUID, callback)
		}
	}
	e.worker.emit(env)
}

// shutdownInstances tears down every AppInstance the executor
// acquired. Each shutdown is independent: one failing does not stop
// the rest from being attempted.
func (e *executor) shutdownInstances(ctx context.Context) {
	ctx, span := e.worker.tracer.Start(ctx, "worker.shutdown", observability.WithAttributes(map[string]any{
		"execution_uid": e.wf.ExecutionUID,
		"instances":     len(e.instances),
	}))
	defer span.End()

	for key, inst := range e.instances {
		if err := inst.Shutdown(ctx); err != nil {
			e.worker.logger.Error("app instance shutdown failed", "app", key.app, "device", key.device, "error", err)
			span.RecordError(err)
		}
	}
}
