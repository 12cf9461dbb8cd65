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

package transport

import (
	"context"
	"net"
	"sync"

	"github.com/meshflow/meshflow/pkg/errors"
)

// Identity is a worker's address on the Requests and Control
// channels, always of the form "Worker-<id>". It is a plain alias for
// string, not a distinct type, so Router and Requester satisfy
// internal/dispatcher's channel interfaces without a conversion shim.
type Identity = string

type inboundFrame struct {
	identity string
	payload  []byte
}

// Router is the controller side of the Requests and Control channels:
// it accepts one persistent connection per worker, keyed by the
// identity the worker announces on connect, and can address a send to
// a specific worker by identity (the ROUTER-socket shape, realized
// here as a map of live connections rather than a single multiplexed
// socket).
//
// Every accepted connection is drained by its own goroutine into a
// shared inbound channel, so TryReceiveAny can poll for whichever
// worker's announcement or request arrives first without blocking on
// any single connection.
type Router struct {
	keys KeyPair

	mu    sync.Mutex
	conns map[Identity]*secureConn

	inbound chan inboundFrame
}

// NewRouter creates a Router bound to local for its handshakes.
func NewRouter(local KeyPair) *Router {
	return &Router{
		keys:    local,
		conns:   make(map[Identity]*secureConn),
		inbound: make(chan inboundFrame, 256),
	}
}

// Accept performs the handshake for an incoming worker connection,
// registers it under the identity the worker sends as its first
// frame, and starts draining its frames into the shared inbound
// queue. Call this once per net.Listener.Accept() result, in a loop.
func (r *Router) Accept(conn net.Conn) (Identity, error) {
	sc, err := handshake(conn, r.keys, false)
	if err != nil {
		conn.Close()
		return "", &errors.TransportError{Channel: "requests", Cause: err}
	}

	idFrame, err := sc.ReadSealed()
	if err != nil {
		conn.Close()
		return "", &errors.TransportError{Channel: "requests", Cause: err}
	}
	identity := string(idFrame)

	r.mu.Lock()
	r.conns[identity] = sc
	r.mu.Unlock()

	go r.drain(identity, sc)
	return identity, nil
}

func (r *Router) drain(identity string, sc *secureConn) {
	for {
		payload, err := sc.ReadSealed()
		if err != nil {
			r.Drop(identity)
			return
		}
		r.inbound <- inboundFrame{identity: identity, payload: payload}
	}
}

// Send delivers payload to the named worker. Returns NotFoundError if
// the worker has no live connection.
func (r *Router) Send(identity string, payload []byte) error {
	r.mu.Lock()
	sc, ok := r.conns[identity]
	r.mu.Unlock()
	if !ok {
		return &errors.NotFoundError{Resource: "worker connection", ID: identity}
	}
	if err := sc.WriteSealed(payload); err != nil {
		return &errors.TransportError{Channel: "requests", Cause: err}
	}
	return nil
}

// Receive blocks until a frame from the named worker arrives. Frames
// from other workers are buffered on the shared queue and remain
// available to TryReceiveAny.
func (r *Router) Receive(ctx context.Context, identity string) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case frame := <-r.inbound:
			if frame.identity == identity {
				return frame.payload, nil
			}
			// Not for us: put it back for whoever wants it.
			r.inbound <- frame
		}
	}
}

// TryReceiveAny returns the next buffered frame from any worker
// without blocking, used by the dispatch loop to poll for "Ready" and
// "Done" announcements.
func (r *Router) TryReceiveAny(ctx context.Context) (identity string, payload []byte, ok bool) {
	select {
	case frame := <-r.inbound:
		return frame.identity, frame.payload, true
	default:
		return "", nil, false
	}
}

// Drop closes and forgets a worker's connection, e.g. after it is
// detected dead.
func (r *Router) Drop(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sc, ok := r.conns[identity]; ok {
		sc.Close()
		delete(r.conns, identity)
	}
}

// Connected reports whether a worker currently has a live connection.
func (r *Router) Connected(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[identity]
	return ok
}

// Requester is the worker side of the Requests and Control channels:
// a single blocking request/reply connection, one request in flight
// at a time.
type Requester struct {
	sc       *secureConn
	identity string
}

// Dial connects to addr, performs the handshake, and announces
// identity as the first frame.
func Dial(ctx context.Context, addr string, local KeyPair, identity string) (*Requester, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &errors.TransportError{Channel: "requests", Cause: err}
	}

	sc, err := handshake(conn, local, true)
	if err != nil {
		conn.Close()
		return nil, &errors.TransportError{Channel: "requests", Cause: err}
	}
	if err := sc.WriteSealed([]byte(identity)); err != nil {
		conn.Close()
		return nil, &errors.TransportError{Channel: "requests", Cause: err}
	}
	return &Requester{sc: sc, identity: identity}, nil
}

// Request sends payload and blocks for the matching reply.
func (r *Requester) Request(payload []byte) ([]byte, error) {
	if err := r.sc.WriteSealed(payload); err != nil {
		return nil, &errors.TransportError{Channel: "requests", Cause: err}
	}
	reply, err := r.sc.ReadSealed()
	if err != nil {
		return nil, &errors.TransportError{Channel: "requests", Cause: err}
	}
	return reply, nil
}

// Close closes the underlying connection.
func (r *Requester) Close() error {
	return r.sc.Close()
}

// Send writes one frame without waiting for a reply, used on the
// worker's Control-channel connection to ack a pause/resume/
// trigger-data delivery the controller pushed.
func (r *Requester) Send(payload []byte) error {
	if err := r.sc.WriteSealed(payload); err != nil {
		return &errors.TransportError{Channel: "control", Cause: err}
	}
	return nil
}

// Receive blocks for the next frame without writing one first, used on
// the worker's Control-channel connection where the controller
// addresses messages to this worker at any time rather than in
// lockstep with a request.
func (r *Requester) Receive() ([]byte, error) {
	payload, err := r.sc.ReadSealed()
	if err != nil {
		return nil, &errors.TransportError{Channel: "control", Cause: err}
	}
	return payload, nil
}
