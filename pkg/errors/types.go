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

package errors

import "fmt"

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "worker", "execution")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// DefinitionErrorKind classifies a workflow definition error: one that
// must fail Submit before any step executes.
type DefinitionErrorKind string

const (
	// KindUnknownApp is returned when a step targets an app the registry
	// does not recognize.
	KindUnknownApp DefinitionErrorKind = "unknown_app"

	// KindUnknownAppAction is returned when a step targets an action the
	// named app does not expose.
	KindUnknownAppAction DefinitionErrorKind = "unknown_app_action"

	// KindInvalidInput is returned when a step's arguments fail
	// validation while constructing the workflow.
	KindInvalidInput DefinitionErrorKind = "invalid_input"
)

// DefinitionError represents a workflow definition problem discovered
// before execution starts. Submit rejects the whole submission and
// leaves any prior worker-pool state untouched.
type DefinitionError struct {
	// Kind classifies the failure.
	Kind DefinitionErrorKind

	// Step is the offending step name, if applicable.
	Step string

	// Message is the human-readable description.
	Message string
}

// Error implements the error interface.
func (e *DefinitionError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("definition error (%s) on step %q: %s", e.Kind, e.Step, e.Message)
	}
	return fmt.Sprintf("definition error (%s): %s", e.Kind, e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *DefinitionError) ErrorType() string { return string(e.Kind) }

// IsRetryable implements ErrorClassifier. Definition errors are never
// retryable: the submission itself is malformed.
func (e *DefinitionError) IsRetryable() bool { return false }

// StepError wraps a runtime error raised by a step's execute() call.
// Step errors never abort the workflow; they are recorded into the
// accumulator and contribute to accumulated risk.
type StepError struct {
	// Step is the name of the step that failed.
	Step string

	// App and Action identify what was being invoked.
	App    string
	Action string

	// Cause is the underlying error returned by the action.
	Cause error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %q (%s.%s) failed: %v", e.Step, e.App, e.Action, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StepError) Unwrap() error { return e.Cause }

// TransportError represents a recoverable failure reading or writing a
// wire channel (requests, results, or control). Callers retry after a
// short sleep; there is no backoff and no dead-letter queue.
type TransportError struct {
	// Channel names which of the three channels failed
	// ("requests", "results", "control").
	Channel string

	// Cause is the underlying network or codec error.
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s channel: %v", e.Channel, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransportError) Unwrap() error { return e.Cause }

// IsRetryable implements ErrorClassifier. Transport errors are always
// retried by the caller's poll loop.
func (e *TransportError) IsRetryable() bool { return true }

// ErrorType implements ErrorClassifier.
func (e *TransportError) ErrorType() string { return "transport_error" }

// SerializationError represents a failure to JSON-encode a value that
// is about to be attached to an event (an accumulator entry, or the
// accumulator as a whole). Per spec, these never abort the workflow:
// callers substitute a sentinel string and continue.
type SerializationError struct {
	// Key is the accumulator key that failed to serialize, empty if the
	// failure was on the whole map.
	Key   string
	Cause error
}

// Error implements the error interface.
func (e *SerializationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("could not serialize value for key %q: %v", e.Key, e.Cause)
	}
	return fmt.Sprintf("could not serialize accumulator: %v", e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SerializationError) Unwrap() error { return e.Cause }

// SerializationFallback is the sentinel string substituted for any
// accumulator value that fails JSON serialization rather than
// aborting the step or event that carries it.
const SerializationFallback = "error: could not convert to JSON"

// ConfigError represents a failure loading or validating configuration.
type ConfigError struct {
	// Key identifies the config section or file that failed.
	Key    string
	Reason string
	Cause  error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("config error (%s): %s: %v", e.Key, e.Reason, e.Cause)
	}
	return fmt.Sprintf("config error (%s): %s", e.Key, e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error { return e.Cause }
