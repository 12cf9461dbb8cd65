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
	"net"
	"sync"

	"github.com/meshflow/meshflow/pkg/errors"
)

// Puller is the controller side of the Results channel: a fan-in of
// every worker's event stream into a single ordered channel of
// payloads, the PULL-socket half of a PUSH/PULL pairing.
type Puller struct {
	keys   KeyPair
	out    chan []byte
	errs   chan error
	wg     sync.WaitGroup
	closed chan struct{}
}

// NewPuller creates a Puller bound to local for handshakes. Payloads
// arrive on Events(); transport-level errors arrive on Errors() and
// are always retryable.
func NewPuller(local KeyPair) *Puller {
	return &Puller{
		keys:   local,
		out:    make(chan []byte, 256),
		errs:   make(chan error, 16),
		closed: make(chan struct{}),
	}
}

// Accept performs the handshake for an incoming worker connection and
// starts draining frames from it into Events(). Call this once per
// net.Listener.Accept() result, in a loop.
func (p *Puller) Accept(conn net.Conn) error {
	sc, err := handshake(conn, p.keys, false)
	if err != nil {
		conn.Close()
		return &errors.TransportError{Channel: "results", Cause: err}
	}

	p.wg.Add(1)
	go p.drain(sc)
	return nil
}

func (p *Puller) drain(sc *secureConn) {
	defer p.wg.Done()
	defer sc.Close()
	for {
		payload, err := sc.ReadSealed()
		if err != nil {
			select {
			case p.errs <- &errors.TransportError{Channel: "results", Cause: err}:
			case <-p.closed:
			default:
			}
			return
		}
		select {
		case p.out <- payload:
		case <-p.closed:
			return
		}
	}
}

// Events returns the channel of decoded payloads arriving from every
// connected worker.
func (p *Puller) Events() <-chan []byte { return p.out }

// Errors returns the channel of per-connection transport errors.
func (p *Puller) Errors() <-chan error { return p.errs }

// Close stops accepting new frames and waits for in-flight drains to
// exit.
func (p *Puller) Close() {
	close(p.closed)
	p.wg.Wait()
}

// Pusher is the worker side of the Results channel: a single
// outbound connection the worker writes every event onto.
type Pusher struct {
	sc *secureConn
}

// DialPusher connects to addr and performs the handshake.
func DialPusher(addr string, local KeyPair) (*Pusher, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, &errors.TransportError{Channel: "results", Cause: err}
	}
	sc, err := handshake(conn, local, true)
	if err != nil {
		conn.Close()
		return nil, &errors.TransportError{Channel: "results", Cause: err}
	}
	return &Pusher{sc: sc}, nil
}

// Push sends one event payload.
func (p *Pusher) Push(payload []byte) error {
	if err := p.sc.WriteSealed(payload); err != nil {
		return &errors.TransportError{Channel: "results", Cause: err}
	}
	return nil
}

// Close closes the underlying connection.
func (p *Pusher) Close() error {
	return p.sc.Close()
}
