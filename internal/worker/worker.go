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

// Package worker implements the worker process: it announces
// readiness, receives one workflow at a time over the Requests
// channel, walks it to completion with the executor task while the
// control task handles pause/resume/trigger-data concurrently, and
// reports results over the Results channel.
package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/meshflow/meshflow/internal/protocol"
	"github.com/meshflow/meshflow/pkg/errors"
	"github.com/meshflow/meshflow/pkg/observability"
	"github.com/meshflow/meshflow/pkg/workflow"
)

// controlJoinWait is how long AwaitControlShutdown waits for the
// control listener goroutine to exit after it is signaled, taken from
// the original's exit_handler.
const controlJoinWait = 2 * time.Second

// ActionRunner is the out-of-scope action registry boundary: given a
// step, it constructs (or reuses) the AppInstance for the step's
// (app, device) pairing and invokes the action.
type ActionRunner interface {
	// Instance returns the AppInstance for (app, device), constructing
	// one if this is the first step to reference that pairing.
	Instance(ctx context.Context, app, device string) (workflow.AppInstance, bool, error)

	// Execute invokes app.action against instance with the resolved
	// inputs and returns its result.
	Execute(ctx context.Context, instance workflow.AppInstance, app, action string, inputs map[string]any) (any, error)
}

// Requester is the narrow slice of internal/transport.Requester a
// worker needs for the Requests channel.
type Requester interface {
	Request(payload []byte) ([]byte, error)
}

// EventSink is the narrow slice of internal/transport.Pusher a worker
// needs for the Results channel.
type EventSink interface {
	Push(payload []byte) error
}

// Worker executes workflows serially, one at a time, for its entire
// process lifetime.
type Worker struct {
	identity string
	requests Requester
	results  EventSink
	registry workflow.AppRegistry
	runner   ActionRunner
	logger   *slog.Logger
	tracer   observability.Tracer

	control     atomic.Pointer[controlTask]
	controlConn ControlConn

	exitRequested atomic.Bool
	controlDone   chan struct{}
}

// SetControlConn attaches the Control-channel connection so executeOne
// can announce "Executing" at workflow start. Optional: a worker with
// no control connection attached simply skips the announcement, which
// is how executor_test.go exercises executeOne today.
func (w *Worker) SetControlConn(conn ControlConn) {
	w.controlConn = conn
}

// New creates a Worker. identity is this worker's address, of the
// form "Worker-<id>".
func New(identity string, requests Requester, results EventSink, registry workflow.AppRegistry, runner ActionRunner, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		identity:    identity,
		requests:    requests,
		results:     results,
		registry:    registry,
		runner:      runner,
		logger:      logger.With("worker", identity),
		tracer:      observability.NewNoopProvider().Tracer("meshflow.worker"),
		controlDone: make(chan struct{}),
	}
}

// SetTracer attaches a tracer for spans around workflow and step
// execution. A Worker with no tracer attached uses a no-op tracer.
func (w *Worker) SetTracer(tracer observability.Tracer) {
	if tracer != nil {
		w.tracer = tracer
	}
}

// Run announces readiness and loops: receive one workflow, execute
// it, announce done. Returns only on ctx cancellation or a fatal
// transport error.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if w.exitRequested.Load() {
			return nil
		}

		payload, err := w.requests.Request([]byte("Ready"))
		if err != nil {
			return &errors.TransportError{Channel: "requests", Cause: err}
		}

		sub, err := workflow.ParseSubmission(payload)
		if err != nil {
			w.logger.Error("received malformed submission, discarding", "error", err)
			continue
		}

		wf, err := workflow.Build(sub, w.registry)
		if err != nil {
			w.logger.Error("submission rejected", "execution_uid", sub.ExecutionUID, "error", err)
			continue
		}
		if err := workflow.ApplyStartArguments(wf, sub.StartArguments); err != nil {
			w.logger.Warn("start argument overlay rejected", "execution_uid", wf.ExecutionUID, "error", err)
		}

		w.executeOne(ctx, wf, len(sub.StartArguments) > 0)

		if _, err := w.requests.Request([]byte("Done")); err != nil {
			return &errors.TransportError{Channel: "requests", Cause: err}
		}
	}
}

// executeOne runs the control task and the executor task for a single
// workflow, emitting the standard lifecycle events around it.
// hasStartArguments reports whether the submission that produced wf
// carried start_arguments, which gates the executor's WorkflowInput*
// events to the start step alone.
func (w *Worker) executeOne(ctx context.Context, wf *workflow.Workflow, hasStartArguments bool) {
	ctx, span := w.tracer.Start(ctx, "worker.execute", observability.WithAttributes(map[string]any{
		"execution_uid": wf.ExecutionUID,
		"worker":        w.identity,
	}))
	defer span.End()

	w.emit(protocol.NewWorkflowEvent(w.identity, wf.ExecutionUID, protocol.CallbackWorkflowExecutionStart))

	ctl := newControlTask(wf)
	w.control.Store(ctl)

	if w.controlConn != nil {
		if err := w.controlConn.Send([]byte("Executing")); err != nil {
			w.logger.Warn("failed to announce execution start on control channel",
				"execution_uid", wf.ExecutionUID, "error", err)
		}
	}

	exec := &executor{
		worker:            w,
		wf:                wf,
		ctl:               ctl,
		eval:              workflow.NewEvaluator(),
		hasStartArguments: hasStartArguments,
	}
	exec.run(ctx)

	w.control.Store(nil)
	span.SetStatus(observability.StatusCodeOK, "")

	e, err := protocol.NewWorkflowDataEvent(w.identity, wf.ExecutionUID, protocol.CallbackWorkflowShutdown, wf.Accumulator)
	if err != nil {
		w.logger.Error("accumulator failed to serialize, falling back to plain shutdown event",
			"execution_uid", wf.ExecutionUID, "error", err)
		e = protocol.NewWorkflowEvent(w.identity, wf.ExecutionUID, protocol.CallbackWorkflowShutdown)
	}
	w.emit(e)
}

// HandleControl applies a control-channel message to the in-flight
// workflow, if any. A worker only ever has one workflow executing at
// a time, so Pause/Resume apply unconditionally once something is
// running; a trigger-data delivery additionally checks the execution
// id it carries as a sanity check, since the Control channel is
// already addressed to this worker by identity. Returns the
// acknowledgement payload to send back on the control channel, or nil
// if there is nothing to execute against.
func (w *Worker) HandleControl(msg ControlMessage) []byte {
	ctl := w.control.Load()
	if ctl == nil {
		return nil
	}
	if msg.Type == "TriggerData" && msg.ExecutionUID != ctl.workflow.ExecutionUID {
		return nil
	}
	return ctl.handle(msg)
}

// ControlConn is the narrow slice of internal/transport.Requester the
// worker needs for its half of the Control channel: a blocking receive
// of whatever the controller next addresses to this identity, and a
// send for the ack HandleControl returns.
type ControlConn interface {
	Receive() ([]byte, error)
	Send(payload []byte) error
}

// RunControlListener loops receiving Control-channel frames on conn,
// decoding and applying each one, and sending back any acknowledgement
// HandleControl produces. Returns when conn.Receive fails (including
// after AwaitControlShutdown closes the underlying connection) or ctx
// is canceled.
func (w *Worker) RunControlListener(ctx context.Context, conn ControlConn) error {
	defer close(w.controlDone)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw, err := conn.Receive()
		if err != nil {
			return err
		}

		msg, err := DecodeControlMessage(raw)
		if err != nil {
			w.logger.Error("malformed control message, discarding", "error", err)
			continue
		}

		if ack := w.HandleControl(msg); ack != nil {
			if err := conn.Send(ack); err != nil {
				return err
			}
		}
	}
}

// RequestExit sets the flag polled at the same suspension points as
// pause: the current workflow walk and the Ready/Done request loop
// both stop at their next check rather than mid-step.
func (w *Worker) RequestExit() {
	w.exitRequested.Store(true)
}

// ExitRequested reports whether RequestExit has been called.
func (w *Worker) ExitRequested() bool {
	return w.exitRequested.Load()
}

// AwaitControlShutdown sets the exit flag and waits up to
// controlJoinWait for RunControlListener to return, taken from the
// original's exit_handler. The listener does not read the exit flag;
// it returns only when its ctx is canceled or conn.Receive fails. conn
// is closed unconditionally on return, which unblocks a listener still
// waiting in Receive.
func (w *Worker) AwaitControlShutdown(conn interface{ Close() error }) {
	w.RequestExit()
	defer conn.Close()

	select {
	case <-w.controlDone:
	case <-time.After(controlJoinWait):
		w.logger.Warn("control listener did not exit within the join window")
	}
}

func (w *Worker) emit(e protocol.Envelope) {
	data, err := protocol.Encode(e)
	if err != nil {
		w.logger.Error("failed to encode event", "callback", e.CallbackName, "error", err)
		return
	}
	if err := w.results.Push(data); err != nil {
		w.logger.Error("failed to push event", "callback", e.CallbackName, "error", err)
	}
}
