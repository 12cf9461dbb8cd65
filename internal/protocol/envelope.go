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

// Package protocol defines the typed event envelope workers emit on
// the Results channel and the receiver decodes. Five wire variants
// cover the three sender shapes (workflow, action, general) crossed
// with whether additional data is attached.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EnvelopeType discriminates the five wire variants.
type EnvelopeType string

const (
	WorkflowPacket     EnvelopeType = "WORKFLOW_PACKET"
	WorkflowPacketData EnvelopeType = "WORKFLOW_PACKET_DATA"
	ActionPacket       EnvelopeType = "ACTION_PACKET"
	ActionPacketData   EnvelopeType = "ACTION_PACKET_DATA"
	GeneralPacket      EnvelopeType = "GENERAL_PACKET"
)

// ErrInvalidEnvelope is returned when a frame cannot be decoded into
// one of the five known variants.
var ErrInvalidEnvelope = errors.New("protocol: invalid envelope")

// Sender identifies who produced an event. Workflow events only set
// Name and WorkflowExecutionUID; action (step) events additionally set
// ExecutionUID, AppName, ActionName, and DeviceID.
type Sender struct {
	Name                 string         `json:"name"`
	UID                  string         `json:"uid,omitempty"`
	WorkflowExecutionUID string         `json:"workflow_execution_uid"`
	ExecutionUID         string         `json:"execution_uid,omitempty"`
	AppName              string         `json:"app_name,omitempty"`
	ActionName           string         `json:"action_name,omitempty"`
	DeviceID             string         `json:"device_id,omitempty"`
	Arguments            map[string]any `json:"arguments,omitempty"`
}

// Envelope is the decoded, in-memory form of an event: the wire
// variant plus the sender and callback name every variant carries,
// plus the additional-data payload the *_DATA variants attach.
type Envelope struct {
	Type           EnvelopeType
	Sender         Sender
	CallbackName   string
	AdditionalData json.RawMessage
}

// HasData reports whether this envelope's variant carries additional
// data (the *_DATA variants).
func (e Envelope) HasData() bool {
	switch e.Type {
	case WorkflowPacketData, ActionPacketData:
		return true
	default:
		return false
	}
}

// wireEnvelope is the on-the-wire JSON shape. AdditionalData is
// carried as a JSON-encoded string, not a nested object, matching the
// with-data variants' wire format.
type wireEnvelope struct {
	Type           EnvelopeType `json:"type"`
	Sender         Sender       `json:"sender"`
	CallbackName   string       `json:"callback_name"`
	AdditionalData string       `json:"additional_data,omitempty"`
}

// Encode serializes an Envelope to its wire form. Round-trips
// losslessly with Decode.
func Encode(e Envelope) ([]byte, error) {
	w := wireEnvelope{
		Type:         e.Type,
		Sender:       e.Sender,
		CallbackName: e.CallbackName,
	}
	if e.HasData() {
		w.AdditionalData = string(e.AdditionalData)
	}
	switch w.Type {
	case WorkflowPacket, WorkflowPacketData, ActionPacket, ActionPacketData, GeneralPacket:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, w.Type)
	}
	return json.Marshal(w)
}

// Decode parses a wire frame into an Envelope. The outer message's
// type field discriminates among the five variants; an unrecognized
// type is rejected rather than silently treated as a plain variant.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	e := Envelope{
		Type:         w.Type,
		Sender:       w.Sender,
		CallbackName: w.CallbackName,
	}

	switch w.Type {
	case WorkflowPacket, ActionPacket, GeneralPacket:
		if w.AdditionalData != "" {
			return Envelope{}, fmt.Errorf("%w: %s carries additional_data but is a plain variant", ErrInvalidEnvelope, w.Type)
		}
	case WorkflowPacketData, ActionPacketData:
		e.AdditionalData = json.RawMessage(w.AdditionalData)
	default:
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, w.Type)
	}

	return e, nil
}
