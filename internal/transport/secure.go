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
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/nacl/box"
)

// KeyPair is a worker's or controller's nacl/box identity.
type KeyPair struct {
	Public  *[32]byte
	Private *[32]byte
}

// GenerateKeyPair creates a fresh nacl/box key pair for a connection
// endpoint (controller or worker).
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("transport: generate key pair: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// secureConn wraps a net.Conn with a nacl/box handshake: each side
// sends its public key in the clear once, then every subsequent frame
// is sealed with an incrementing per-direction nonce counter, making
// Requests/Results/Control traffic authenticated and encrypted without
// requiring a PKI.
type secureConn struct {
	net.Conn
	shared    [32]byte
	sendNonce uint64
	recvNonce uint64
	nonceSalt byte // 0 for the handshake initiator, 1 for the acceptor
}

// handshake exchanges public keys over conn and derives the shared
// key. initiator distinguishes the two nonce sequences so the same
// counter value never produces the same nonce in both directions.
func handshake(conn net.Conn, local KeyPair, initiator bool) (*secureConn, error) {
	if _, err := conn.Write(local.Public[:]); err != nil {
		return nil, fmt.Errorf("transport: send public key: %w", err)
	}

	var peerPub [32]byte
	if _, err := io.ReadFull(conn, peerPub[:]); err != nil {
		return nil, fmt.Errorf("transport: receive peer public key: %w", err)
	}

	sc := &secureConn{Conn: conn}
	box.Precompute(&sc.shared, &peerPub, local.Private)
	if !initiator {
		sc.nonceSalt = 1
	}
	return sc, nil
}

func (sc *secureConn) nonce(send bool) [24]byte {
	var n [24]byte
	var counter uint64
	if send {
		counter = sc.sendNonce
		sc.sendNonce++
	} else {
		counter = sc.recvNonce
		sc.recvNonce++
	}
	// Byte 0 carries which side's sequence this nonce belongs to so
	// the initiator's send-nonces never collide with the acceptor's.
	salt := sc.nonceSalt
	if !send {
		salt = 1 - sc.nonceSalt
	}
	n[0] = salt
	binary.BigEndian.PutUint64(n[16:], counter)
	return n
}

// WriteSealed seals payload with the next send nonce and writes it as
// a length-prefixed frame.
func (sc *secureConn) WriteSealed(payload []byte) error {
	n := sc.nonce(true)
	sealed := box.SealAfterPrecomputation(nil, payload, &n, &sc.shared)
	return writeFrame(sc.Conn, sealed)
}

// ReadSealed reads one length-prefixed frame and opens it with the
// next receive nonce.
func (sc *secureConn) ReadSealed() ([]byte, error) {
	sealed, err := readFrame(sc.Conn)
	if err != nil {
		return nil, err
	}
	n := sc.nonce(false)
	opened, ok := box.OpenAfterPrecomputation(nil, sealed, &n, &sc.shared)
	if !ok {
		return nil, fmt.Errorf("transport: failed to open sealed frame (tampered or out of order)")
	}
	return opened, nil
}
