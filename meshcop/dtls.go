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

package meshcop

// DTLSEndpoint is the PSK-secured transport the commissioner uses to talk
// to joiners once a relay-rx carries the first handshake flight. A concrete
// implementation backed by pion/dtls/v2 lives in transport/dtlsudp; this
// package only depends on the contract so it stays free of a concrete
// socket/handshake library choice.
type DTLSEndpoint interface {
	// SetPSK arms the PSK the next handshake on this endpoint should use,
	// keyed by PSK-identity hint (the joiner-id).
	SetPSK(identityHint []byte, psk []byte) error

	// HandleReceive feeds one encapsulated DTLS record, attributed to the
	// synthetic link-local address formed from the joiner IID, into the
	// handshake/record layer. Decrypted application data, once available,
	// is delivered through the OnReceive callback.
	HandleReceive(record []byte, peerIID [8]byte) error

	// Send encrypts and frames application data for transmission to the
	// peer identified by peerIID. The resulting DTLS record(s) are
	// delivered through OnTransmit for the caller to wrap into a
	// relay-tx message.
	Send(peerIID [8]byte, data []byte) error

	// OnConnected is invoked once the handshake for peerIID completes,
	// with the negotiated master secret and client random available for
	// KEK derivation.
	OnConnected(fn func(peerIID [8]byte, masterSecret, clientRandom []byte))

	// OnReceive is invoked with decrypted application data.
	OnReceive(fn func(peerIID [8]byte, data []byte))

	// OnTransmit is invoked with an encrypted DTLS record that needs
	// wrapping into a relay-tx message and forwarding to the joiner-router.
	OnTransmit(fn func(peerIID [8]byte, record []byte))

	// Close tears down the handshake state for peerIID.
	Close(peerIID [8]byte) error
}
