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

// Package dispatcher implements the controller side of the Requests
// and Control channels: it load-balances submitted workflows across
// idle workers and routes pause/resume/trigger-data control messages
// by execution id.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	meshflowerrors "github.com/meshflow/meshflow/pkg/errors"
	"github.com/meshflow/meshflow/pkg/observability"
	"github.com/meshflow/meshflow/pkg/workflow"
)

// pollInterval is how long the dispatch loop sleeps between polls
// when neither an idle worker nor a pending workflow is available.
const pollInterval = 100 * time.Millisecond

// announcementBurst bounds how many "Ready"/"Done" announcements
// drainAnnouncements processes in a single pass before yielding back
// to the pairing check, so a worker pool cycling rapidly can never
// starve the poll loop of a chance to pair idle workers with pending
// work.
const announcementBurst = 64

// RequestChannel is the narrow slice of internal/transport.Router the
// dispatcher needs for the Requests channel: send a workflow to a
// named worker, and poll for readiness/completion announcements
// without blocking.
type RequestChannel interface {
	Send(identity string, payload []byte) error
	TryReceiveAny(ctx context.Context) (identity string, payload []byte, ok bool)
}

// ControlChannel is the narrow slice of internal/transport.Router the
// dispatcher needs for the Control channel: address a worker by
// identity to deliver a pause/resume/trigger-data message.
type ControlChannel interface {
	Send(identity string, payload []byte) error
}

// AppRegistry is re-exported from pkg/workflow so callers constructing
// a Dispatcher don't need a second import just for the interface type.
type AppRegistry = workflow.AppRegistry

// Dispatcher load-balances workflow submissions across a pool of
// worker processes. Submit/Pause/Resume/SendTriggerData are safe for
// concurrent use; Run must be called exactly once.
type Dispatcher struct {
	requests RequestChannel
	control  ControlChannel
	registry AppRegistry
	logger   *slog.Logger
	tracer   observability.Tracer

	pending *pendingQueue
	idle    *idleWorkers

	mu     sync.Mutex
	routes map[string]string // executionUid -> worker identity
	live   map[string]bool   // worker identity -> announced Ready with no intervening Done

	announceLimiter *rate.Limiter

	stop chan struct{}
	once sync.Once
}

// New creates a Dispatcher. requests and control are the Requests and
// Control channel handles (see internal/transport); registry resolves
// app/action names while building a workflow from a submission.
func New(requests RequestChannel, control ControlChannel, registry AppRegistry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		requests: requests,
		control:  control,
		registry: registry,
		logger:   logger,
		tracer:   observability.NewNoopProvider().Tracer("meshflow.dispatcher"),
		pending:  newPendingQueue(),
		idle:     newIdleWorkers(),
		routes:          make(map[string]string),
		live:            make(map[string]bool),
		stop:            make(chan struct{}),
		announceLimiter: rate.NewLimiter(rate.Limit(announcementBurst), announcementBurst),
	}
}

// SetTracer attaches a tracer for spans around Submit and dispatch. A
// Dispatcher with no tracer attached uses a no-op tracer, so this is
// optional and safe to skip in tests.
func (d *Dispatcher) SetTracer(tracer observability.Tracer) {
	if tracer != nil {
		d.tracer = tracer
	}
}

// Submit validates and enqueues a workflow submission, returning its
// fresh execution id immediately. A definition problem rejects the
// submission before any worker-pool state changes.
func (d *Dispatcher) Submit(raw []byte) (string, error) {
	_, span := d.tracer.Start(context.Background(), "dispatcher.Submit")
	defer span.End()

	sub, err := workflow.ParseSubmission(raw)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	sub.ExecutionUID = uuid.NewString()
	span.SetAttributes(map[string]any{"execution_uid": sub.ExecutionUID, "workflow": sub.Name})

	w, err := workflow.Build(sub, d.registry)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if err := workflow.ApplyStartArguments(w, sub.StartArguments); err != nil {
		d.logger.Warn("start argument overlay rejected, continuing with original inputs",
			"execution_uid", w.ExecutionUID, "error", err)
	}

	d.pending.push(w)
	span.SetStatus(observability.StatusCodeOK, "")
	return w.ExecutionUID, nil
}

// Pause best-effort requests a pause for executionUid. A no-op if the
// execution is unknown or has already terminated.
func (d *Dispatcher) Pause(executionUID string) error {
	return d.sendControlRaw(executionUID, []byte("Pause"))
}

// Resume best-effort requests a resume for executionUid.
func (d *Dispatcher) Resume(executionUID string) error {
	return d.sendControlRaw(executionUID, []byte("Resume"))
}

// triggerMessage is the wire shape of a trigger-data delivery:
// {"data_in": ..., "arguments": [...]}, distinguished from
// "Pause"/"Resume" by being a JSON object rather than a literal.
type triggerMessage struct {
	ExecutionUID string              `json:"execution_uid"`
	DataIn       map[string]any      `json:"data_in,omitempty"`
	Arguments    []workflow.Argument `json:"arguments,omitempty"`
}

// SendTriggerData delivers a trigger payload to a step currently
// awaiting one. Ignored by the worker if no step is waiting.
func (d *Dispatcher) SendTriggerData(executionUID string, data map[string]any, arguments []workflow.Argument) error {
	payload, err := json.Marshal(triggerMessage{ExecutionUID: executionUID, DataIn: data, Arguments: arguments})
	if err != nil {
		return &meshflowerrors.SerializationError{Cause: err}
	}
	return d.sendControlRaw(executionUID, payload)
}

func (d *Dispatcher) sendControlRaw(executionUID string, payload []byte) error {
	d.mu.Lock()
	identity, ok := d.routes[executionUID]
	d.mu.Unlock()
	if !ok {
		return nil // unknown execution id: silently dropped
	}
	return d.control.Send(identity, payload)
}

// Stop terminates the dispatch loop. Safe to call multiple times.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stop) })
}

// Run executes the dispatch loop until Stop is called or ctx is
// canceled. One cooperative task: pair an idle worker with a pending
// workflow whenever both exist; otherwise drain readiness/completion
// announcements non-blockingly and sleep briefly before retrying.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stop:
			return nil
		default:
		}

		if identity, ok := d.idle.pop(); ok {
			w, ok := d.pending.pop()
			if !ok {
				d.idle.push(identity)
			} else if err := d.dispatch(ctx, identity, w); err != nil {
				d.logger.Error("dispatch failed", "worker", identity, "execution_uid", w.ExecutionUID, "error", err)
			} else {
				continue
			}
		}

		d.drainAnnouncements(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stop:
			return nil
		case <-time.After(pollInterval):
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, identity string, w *workflow.Workflow) error {
	ctx, span := d.tracer.Start(ctx, "dispatcher.dispatch", observability.WithAttributes(map[string]any{
		"execution_uid": w.ExecutionUID,
		"worker":        identity,
	}))
	defer span.End()

	payload, err := json.Marshal(w)
	if err != nil {
		d.idle.push(identity)
		d.pending.push(w)
		span.RecordError(err)
		return &meshflowerrors.SerializationError{Cause: err}
	}

	d.mu.Lock()
	d.routes[w.ExecutionUID] = identity
	d.mu.Unlock()

	if err := d.requests.Send(identity, payload); err != nil {
		d.mu.Lock()
		delete(d.routes, w.ExecutionUID)
		d.mu.Unlock()
		d.pending.push(w)
		wrapped := fmt.Errorf("dispatching to %s: %w", identity, err)
		span.RecordError(wrapped)
		return wrapped
	}
	span.SetStatus(observability.StatusCodeOK, "")
	return nil
}

// drainAnnouncements polls the Requests channel for "Ready"/"Done"
// announcements without blocking, updating idleWorkers and routes.
//
// A worker observed "Ready" a second time with no intervening "Done"
// is rejected rather than pushed onto the idle pool again: our
// transport assigns worker identities at the application layer
// instead of a ROUTER socket's auto-assigned identity frame, so
// nothing upstream of this loop already guarantees at-most-once
// delivery of a given identity's readiness. A single worker cycling
// Ready -> dispatch -> Done -> Ready across its lifetime is still
// fully permitted; only a duplicate Ready before its Done is dropped.
func (d *Dispatcher) drainAnnouncements(ctx context.Context) {
	for {
		if !d.announceLimiter.Allow() {
			// Burst exhausted: stop draining for this pass and let the
			// pairing check and poll sleep run, rather than spinning
			// the loop as fast as a misbehaving worker can announce.
			return
		}

		identity, payload, ok := d.requests.TryReceiveAny(ctx)
		if !ok {
			return
		}

		switch string(payload) {
		case "Ready":
			d.mu.Lock()
			alreadyLive := d.live[identity]
			d.live[identity] = true
			d.mu.Unlock()
			if alreadyLive {
				d.logger.Warn("duplicate Ready with no intervening Done, dropping", "worker", identity)
				continue
			}
			d.idle.push(identity)
		case "Done":
			d.mu.Lock()
			delete(d.live, identity)
			d.mu.Unlock()
			d.idle.push(identity)
			d.forgetRoutesFor(identity)
		default:
			d.logger.Warn("unrecognized worker announcement", "worker", identity, "payload", string(payload))
		}
	}
}

func (d *Dispatcher) forgetRoutesFor(identity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for uid, routed := range d.routes {
		if routed == identity {
			delete(d.routes, uid)
		}
	}
}

// PendingLen reports how many workflows are waiting for a worker.
func (d *Dispatcher) PendingLen() int { return d.pending.len() }

// IdleLen reports how many workers are currently idle.
func (d *Dispatcher) IdleLen() int { return d.idle.len() }
