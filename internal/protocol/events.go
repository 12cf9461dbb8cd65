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

package protocol

import "encoding/json"

// Callback names the receiver resolves against its subscriber table.
// An unknown name arriving over the wire is logged and discarded,
// never fatal.
const (
	CallbackWorkflowExecutionStart = "WorkflowExecutionStart"
	CallbackWorkflowShutdown       = "WorkflowShutdown"
	CallbackWorkflowPaused         = "WorkflowPaused"
	CallbackWorkflowResumed        = "WorkflowResumed"
	CallbackWorkflowInputInvalid   = "WorkflowInputInvalid"
	CallbackWorkflowInputValidated = "WorkflowInputValidated"
	CallbackStepExecutionSuccess   = "StepExecutionSuccess"
	CallbackStepExecutionError     = "StepExecutionError"
	CallbackAppInstanceCreated     = "AppInstanceCreated"
	CallbackNextStepFound          = "NextStepFound"
)

// knownCallbacks is the set of callback names the receiver resolves
// to a known event identifier. Anything else is logged and discarded
// rather than dispatched.
var knownCallbacks = map[string]bool{
	CallbackWorkflowExecutionStart: true,
	CallbackWorkflowShutdown:       true,
	CallbackWorkflowPaused:         true,
	CallbackWorkflowResumed:        true,
	CallbackWorkflowInputInvalid:   true,
	CallbackWorkflowInputValidated: true,
	CallbackStepExecutionSuccess:   true,
	CallbackStepExecutionError:     true,
	CallbackAppInstanceCreated:     true,
	CallbackNextStepFound:          true,
}

// IsKnownCallback reports whether name resolves to one of the
// callback identifiers this package defines.
func IsKnownCallback(name string) bool {
	return knownCallbacks[name]
}

// NewWorkflowEvent builds a plain WORKFLOW_PACKET for a
// workflow-lifecycle callback (start, shutdown, paused, resumed).
func NewWorkflowEvent(workerName, workflowExecutionUID, callback string) Envelope {
	return Envelope{
		Type: WorkflowPacket,
		Sender: Sender{
			Name:                 workerName,
			WorkflowExecutionUID: workflowExecutionUID,
		},
		CallbackName: callback,
	}
}

// NewStepEvent builds an ACTION_PACKET_DATA for a step execution
// result. data is marshaled to JSON and attached as additional_data;
// a marshal failure is returned to the caller with an empty Envelope.
func NewStepEvent(sender Sender, callback string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:           ActionPacketData,
		Sender:         sender,
		CallbackName:   callback,
		AdditionalData: raw,
	}, nil
}

// NewWorkflowDataEvent builds a WORKFLOW_PACKET_DATA for a
// workflow-lifecycle callback that carries a payload, currently only
// WorkflowShutdown, whose additional_data is the run's full
// accumulator.
func NewWorkflowDataEvent(workerName, workflowExecutionUID, callback string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type: WorkflowPacketData,
		Sender: Sender{
			Name:                 workerName,
			WorkflowExecutionUID: workflowExecutionUID,
		},
		CallbackName:   callback,
		AdditionalData: raw,
	}, nil
}

// NewGeneralEvent builds a plain GENERAL_PACKET for branch/condition/
// transform notifications that are not tied to a single step.
func NewGeneralEvent(workerName, workflowExecutionUID, callback string) Envelope {
	return Envelope{
		Type: GeneralPacket,
		Sender: Sender{
			Name:                 workerName,
			WorkflowExecutionUID: workflowExecutionUID,
		},
		CallbackName: callback,
	}
}
