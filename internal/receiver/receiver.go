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

// Package receiver implements the controller side of the Results
// channel: it drains the fan-in event stream from every worker,
// decodes each envelope, and fans it out to in-process subscribers by
// callback name.
package receiver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meshflow/meshflow/internal/protocol"
)

// pollInterval mirrors the dispatcher's cooperative poll/sleep shape:
// a non-blocking read of the event stream, then a short sleep when
// nothing arrived.
const pollInterval = 100 * time.Millisecond

// subscriberBuffer bounds how many undelivered envelopes a single
// subscriber channel holds before further sends are dropped rather
// than blocking the receive loop.
const subscriberBuffer = 64

// EventSource is the narrow slice of internal/transport.Puller the
// receiver needs.
type EventSource interface {
	Events() <-chan []byte
	Errors() <-chan error
}

// Receiver drains the Results channel, decodes envelopes, and
// dispatches them to subscribers. Subscribe is safe for concurrent
// use with a running ReceiveLoop.
type Receiver struct {
	source EventSource
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string][]chan protocol.Envelope // callback name, "" for all

	completedMu sync.Mutex
	completed   int
}

// New creates a Receiver draining source.
func New(source EventSource, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		source:      source,
		logger:      logger,
		subscribers: make(map[string][]chan protocol.Envelope),
	}
}

// Subscribe returns a channel that receives every decoded envelope
// whose CallbackName equals callback, or every envelope if callback
// is "". The returned unsubscribe func must be called to release the
// channel; it is safe to call at most once.
func (r *Receiver) Subscribe(callback string) (<-chan protocol.Envelope, func()) {
	ch := make(chan protocol.Envelope, subscriberBuffer)

	r.mu.Lock()
	r.subscribers[callback] = append(r.subscribers[callback], ch)
	r.mu.Unlock()

	unsub := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.subscribers[callback]
		for i, sub := range subs {
			if sub == ch {
				r.subscribers[callback] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, unsub
}

// Completed reports how many workflows have shut down so far.
func (r *Receiver) Completed() int {
	r.completedMu.Lock()
	defer r.completedMu.Unlock()
	return r.completed
}

// ReceiveLoop drains the event stream until ctx is canceled. Each
// frame is decoded into its envelope variant and dispatched to
// subscribers; a frame that fails to decode, or whose callback name
// is not one this package recognizes, is logged and discarded rather
// than treated as fatal.
func (r *Receiver) ReceiveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-r.source.Events():
			if !ok {
				return nil
			}
			r.handle(payload)
		case err := <-r.source.Errors():
			r.logger.Error("results channel transport error", "error", err)
		case <-time.After(pollInterval):
		}
	}
}

func (r *Receiver) handle(payload []byte) {
	env, err := protocol.Decode(payload)
	if err != nil {
		r.logger.Error("failed to decode event envelope, discarding", "error", err)
		return
	}

	if !protocol.IsKnownCallback(env.CallbackName) {
		r.logger.Warn("unknown callback name, discarding", "callback", env.CallbackName)
		return
	}

	if env.CallbackName == protocol.CallbackWorkflowShutdown {
		r.completedMu.Lock()
		r.completed++
		r.completedMu.Unlock()
	}

	r.dispatch(env)
}

func (r *Receiver) dispatch(env protocol.Envelope) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ch := range r.subscribers[env.CallbackName] {
		select {
		case ch <- env:
		default:
			r.logger.Warn("subscriber channel full, dropping event", "callback", env.CallbackName)
		}
	}
	if env.CallbackName != "" {
		for _, ch := range r.subscribers[""] {
			select {
			case ch <- env:
			default:
				r.logger.Warn("subscriber channel full, dropping event", "callback", env.CallbackName)
			}
		}
	}
}
