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
	"encoding/json"
	"sync"

	"github.com/meshflow/meshflow/pkg/workflow"
)

// ControlMessage is the decoded form of a Control-channel payload:
// pause, resume, or a trigger-data delivery. The wire format is the
// literal byte string "Pause" or "Resume", or a JSON object
// {"execution_uid", "data_in", "arguments"} for a trigger delivery;
// there is no discriminator field on the wire, the shape itself
// distinguishes the three.
type ControlMessage struct {
	Type         string
	ExecutionUID string
	DataIn       map[string]any
	Arguments    []workflow.Argument
}

type triggerWire struct {
	ExecutionUID string              `json:"execution_uid"`
	DataIn       map[string]any      `json:"data_in,omitempty"`
	Arguments    []workflow.Argument `json:"arguments,omitempty"`
}

// DecodeControlMessage parses a raw Control-channel frame.
func DecodeControlMessage(raw []byte) (ControlMessage, error) {
	switch string(raw) {
	case "Pause":
		return ControlMessage{Type: "Pause"}, nil
	case "Resume":
		return ControlMessage{Type: "Resume"}, nil
	}

	var w triggerWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return ControlMessage{}, err
	}
	return ControlMessage{
		Type:         "TriggerData",
		ExecutionUID: w.ExecutionUID,
		DataIn:       w.DataIn,
		Arguments:    w.Arguments,
	}, nil
}

// controlTask holds the state the executor task and the control task
// share for one in-flight workflow: the pause flag and a pointer to
// the step currently executing. Both are guarded by the same mutex
// because delivering trigger data must also touch the step's
// IncomingData channel atomically with reading executingStep, via a
// single send-under-lock rather than a lock-free swap, since the
// barrier has to cover a channel send too.
type controlTask struct {
	workflow *workflow.Workflow

	mu            sync.Mutex
	paused        bool
	executingStep *workflow.Step
}

func newControlTask(wf *workflow.Workflow) *controlTask {
	return &controlTask{workflow: wf}
}

// setExecuting records which step the executor is currently running,
// or clears it when nil.
func (c *controlTask) setExecuting(step *workflow.Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executingStep = step
}

// isPaused reports the pause flag's current value.
func (c *controlTask) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// handle applies a control message and returns the acknowledgement
// payload, if any, to send back on the control channel.
func (c *controlTask) handle(msg ControlMessage) []byte {
	switch msg.Type {
	case "Pause":
		c.mu.Lock()
		c.paused = true
		c.mu.Unlock()
		return []byte("Paused")

	case "Resume":
		c.mu.Lock()
		c.paused = false
		c.mu.Unlock()
		return []byte("Resumed")

	case "TriggerData":
		c.deliverTrigger(msg)
		return nil

	default:
		return nil
	}
}

// deliverTrigger hands trigger data to the currently-executing step's
// IncomingData slot and overlays any carried arguments onto its input
// bindings. A no-op if no step is executing or the step isn't waiting
// on one (the channel is buffered 1, so this never blocks the control
// task).
func (c *controlTask) deliverTrigger(msg ControlMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.executingStep == nil || c.executingStep.IncomingData == nil {
		return
	}

	for _, arg := range msg.Arguments {
		if arg.Name == "" {
			continue
		}
		if c.executingStep.Inputs == nil {
			c.executingStep.Inputs = make(map[string]workflow.Argument)
		}
		c.executingStep.Inputs[arg.Name] = arg
	}

	payload := &workflow.TriggerPayload{ExecutionUID: msg.ExecutionUID, Data: msg.DataIn}
	select {
	case c.executingStep.IncomingData <- payload:
	default:
		// A delivery is already buffered. Queueing multiple trigger
		// deliveries to one step is undefined, so the newest delivery
		// is dropped rather than blocking the control task.
	}
}
