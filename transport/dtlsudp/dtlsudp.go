// Copyright 2021 The Matrix.org Foundation C.I.C.
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

// Package dtlsudp is a reference meshcop.DTLSEndpoint backed by
// github.com/pion/dtls/v2, secured with a PSK cipher suite instead of
// certificates since MeshCoP derives its PSK from the commissioning
// passphrase (meshcop.DerivePSKc) rather than presenting an X.509 chain.
//
// Records never touch a real socket directly: meshcop relays them inside
// CoAP POST bodies (c/tx, c/rx), so each peer gets an in-memory net.Conn
// adapter that feeds pion/dtls's state machine from HandleReceive and
// ships its output through the OnTransmit callback.
package dtlsudp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	piondtls "github.com/pion/dtls/v2"
)

// Logger is the nil-safe sink handshake and session errors are reported
// through.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Role distinguishes the commissioner's joiner-facing side (which accepts
// a DTLS server handshake per joiner) from a joiner's own side (which
// dials one).
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// Config configures an Endpoint. IdentityHint is sent to the peer during
// the PSK handshake (the commissioner side leaves it empty; RFC 7925
// client hints are optional).
type Config struct {
	Role         Role
	IdentityHint []byte
	Log          Logger
}

// Endpoint implements meshcop.DTLSEndpoint over one or more concurrent
// per-peer DTLS sessions, keyed by the peer's mangled-EUI64 IID.
type Endpoint struct {
	cfg Config

	mu       sync.Mutex
	sessions map[[8]byte]*session
	psks     map[[8]byte][]byte

	onConnected func(peerIID [8]byte, masterSecret, clientRandom []byte)
	onReceive   func(peerIID [8]byte, data []byte)
	onTransmit  func(peerIID [8]byte, record []byte)
}

type session struct {
	conn    *recordConn
	dtls    *piondtls.Conn
	closeCh chan struct{}
}

// New returns an idle Endpoint ready to accept SetPSK/HandleReceive calls.
func New(cfg Config) *Endpoint {
	return &Endpoint{
		cfg:      cfg,
		sessions: make(map[[8]byte]*session),
		psks:     make(map[[8]byte][]byte),
	}
}

// SetPSK implements meshcop.DTLSEndpoint. It must be called before the
// first HandleReceive for peerIID derived from the record's source, since
// pion/dtls resolves the PSK synchronously during the handshake.
func (e *Endpoint) SetPSK(identityHint, psk []byte) error {
	var key [8]byte
	copy(key[:], identityHint)
	e.mu.Lock()
	e.psks[key] = append([]byte(nil), psk...)
	e.mu.Unlock()
	return nil
}

// OnConnected registers the callback fired once a peer's handshake
// completes. The masterSecret argument carries 32 bytes of RFC 5705
// exported keying material rather than the TLS master secret, and
// clientRandom is nil.
func (e *Endpoint) OnConnected(fn func(peerIID [8]byte, masterSecret, clientRandom []byte)) {
	e.onConnected = fn
}

// OnReceive registers the callback fired with decrypted application data.
func (e *Endpoint) OnReceive(fn func(peerIID [8]byte, data []byte)) { e.onReceive = fn }

// OnTransmit registers the callback fired with an outbound DTLS record
// that must be relayed to the peer (over c/tx/c/rx in meshcop, or a raw
// joiner socket).
func (e *Endpoint) OnTransmit(fn func(peerIID [8]byte, record []byte)) { e.onTransmit = fn }

// HandleReceive implements meshcop.DTLSEndpoint, feeding one inbound DTLS
// record to peerIID's session, starting a handshake on the first record
// if none exists yet.
func (e *Endpoint) HandleReceive(record []byte, peerIID [8]byte) error {
	sess, isNew, err := e.sessionFor(peerIID)
	if err != nil {
		return err
	}
	if isNew {
		go e.runHandshake(peerIID, sess)
	}
	sess.conn.feed(record)
	return nil
}

// Send implements meshcop.DTLSEndpoint, encrypting data for delivery to
// an already-connected peer.
func (e *Endpoint) Send(peerIID [8]byte, data []byte) error {
	e.mu.Lock()
	sess, ok := e.sessions[peerIID]
	e.mu.Unlock()
	if !ok || sess.dtls == nil {
		return fmt.Errorf("dtlsudp: no established session for peer")
	}
	_, err := sess.dtls.Write(data)
	return err
}

// Close implements meshcop.DTLSEndpoint.
func (e *Endpoint) Close(peerIID [8]byte) error {
	e.mu.Lock()
	sess, ok := e.sessions[peerIID]
	delete(e.sessions, peerIID)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	close(sess.closeCh)
	if sess.dtls != nil {
		return sess.dtls.Close()
	}
	return sess.conn.Close()
}

func (e *Endpoint) sessionFor(peerIID [8]byte) (*session, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sess, ok := e.sessions[peerIID]; ok {
		return sess, false, nil
	}
	conn := newRecordConn(peerIID, func(record []byte) {
		if e.onTransmit != nil {
			e.onTransmit(peerIID, record)
		}
	})
	sess := &session{conn: conn, closeCh: make(chan struct{})}
	e.sessions[peerIID] = sess
	return sess, true, nil
}

func (e *Endpoint) runHandshake(peerIID [8]byte, sess *session) {
	e.mu.Lock()
	psk := e.psks[peerIID]
	e.mu.Unlock()

	config := &piondtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			if psk == nil {
				return nil, errors.New("dtlsudp: no PSK configured for peer")
			}
			return psk, nil
		},
		PSKIdentityHint: e.cfg.IdentityHint,
		CipherSuites:    []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_CCM_8},
	}

	var conn *piondtls.Conn
	var err error
	if e.cfg.Role == RoleServer {
		conn, err = piondtls.Server(sess.conn, config)
	} else {
		conn, err = piondtls.Client(sess.conn, config)
	}
	if err != nil {
		if e.cfg.Log != nil {
			e.cfg.Log.Printf("dtlsudp: handshake with peer failed: %v", err)
		}
		return
	}

	e.mu.Lock()
	sess.dtls = conn
	e.mu.Unlock()

	if e.onConnected != nil {
		// RFC 5705 keying material export stands in for the raw master
		// secret/client random pair: meshcop.DeriveKEK only needs 32 bytes
		// of session-bound entropy, not the TLS internals themselves.
		keyingMaterial, kmErr := conn.ExportKeyingMaterial("EXPORTER-Thread-KEK", nil, 32)
		if kmErr != nil && e.cfg.Log != nil {
			e.cfg.Log.Printf("dtlsudp: keying material export failed: %v", kmErr)
		}
		e.onConnected(peerIID, keyingMaterial, nil)
	}

	buf := make([]byte, 2048)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		if e.onReceive != nil {
			e.onReceive(peerIID, append([]byte(nil), buf[:n]...))
		}
		select {
		case <-sess.closeCh:
			return
		default:
		}
	}
}

// recordConn adapts a relayed, per-peer stream of opaque DTLS records to
// the net.Conn interface pion/dtls drives its state machine over. Reads
// block on records pushed in by feed; writes are handed to a callback
// instead of a real socket.
type recordConn struct {
	peerIID [8]byte
	onWrite func([]byte)

	mu     sync.Mutex
	buf    [][]byte
	notify chan struct{}
	closed bool
}

func newRecordConn(peerIID [8]byte, onWrite func([]byte)) *recordConn {
	return &recordConn{peerIID: peerIID, onWrite: onWrite, notify: make(chan struct{}, 1)}
}

func (c *recordConn) feed(record []byte) {
	c.mu.Lock()
	c.buf = append(c.buf, append([]byte(nil), record...))
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *recordConn) Read(b []byte) (int, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return 0, net.ErrClosed
		}
		if len(c.buf) > 0 {
			record := c.buf[0]
			c.buf = c.buf[1:]
			c.mu.Unlock()
			return copy(b, record), nil
		}
		c.mu.Unlock()
		<-c.notify
	}
}

func (c *recordConn) Write(b []byte) (int, error) {
	c.onWrite(append([]byte(nil), b...))
	return len(b), nil
}

func (c *recordConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *recordConn) LocalAddr() net.Addr  { return recordAddr{} }
func (c *recordConn) RemoteAddr() net.Addr { return recordAddr(c.peerIID) }

func (c *recordConn) SetDeadline(t time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(t time.Time) error { return nil }

type recordAddr [8]byte

func (a recordAddr) Network() string { return "dtlsudp" }
func (a recordAddr) String() string  { return fmt.Sprintf("%x", [8]byte(a)) }
