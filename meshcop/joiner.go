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

import "github.com/openthread-go/corestack/coap"

// Joiner drives the device-side bootstrap FSM: connect the DTLS channel
// with the pre-shared joining credential, send joiner-finalize, and accept
// the resulting entrusted dataset. Mirrors the commissioner's state
// machine from the other end of the same exchange (spec.md §4.8).
type Joiner struct {
	dtls  DTLSEndpoint
	agent *coap.Agent

	state          JoinerState
	psk            []byte
	provisioningURL string
	eui64          [8]byte

	peerIID [8]byte

	onJoined func(*Dataset, error)
}

// NewJoiner wires a Joiner to its secure endpoint and CoAP agent. The agent
// is stored but no Joiner method sends through it; the finalize/entrust
// exchange runs entirely over dtls.
func NewJoiner(agent *coap.Agent, dtls DTLSEndpoint, eui64 [8]byte, psk []byte, provisioningURL string) *Joiner {
	j := &Joiner{
		agent:           agent,
		dtls:            dtls,
		eui64:           eui64,
		psk:             psk,
		provisioningURL: provisioningURL,
		state:           JoinerStateIdle,
	}
	if dtls != nil {
		dtls.OnConnected(j.handleConnected)
		dtls.OnReceive(j.handleReceive)
	}
	return j
}

// State returns the Joiner's current FSM state.
func (j *Joiner) State() JoinerState { return j.state }

// OnJoined registers a callback invoked once finalize completes, with the
// entrusted dataset (nil on failure) and any error.
func (j *Joiner) OnJoined(fn func(*Dataset, error)) { j.onJoined = fn }

// Start begins the connect sequence against the joiner-router identified
// by peerIID (the synthetic link-local address the commissioner side uses
// to key joiner-id lookups), arming the DTLS PSK first.
func (j *Joiner) Start(peerIID [8]byte) error {
	j.peerIID = peerIID
	j.state = JoinerStateConnecting
	if j.dtls == nil {
		return nil
	}
	return j.dtls.SetPSK(j.eui64[:], j.psk)
}

func (j *Joiner) handleConnected(peerIID [8]byte, masterSecret, clientRandom []byte) {
	if peerIID != j.peerIID {
		return
	}
	j.state = JoinerStateConnected
	j.sendFinalize()
}

func (j *Joiner) sendFinalize() {
	payload := EncodeTlvs([]Tlv{{Type: TlvProvisioningURL, Value: []byte(j.provisioningURL)}})
	if j.dtls != nil {
		_ = j.dtls.Send(j.peerIID, payload)
	}
}

func (j *Joiner) handleReceive(peerIID [8]byte, data []byte) {
	if peerIID != j.peerIID {
		return
	}
	switch j.state {
	case JoinerStateConnected:
		j.handleFinalizeResponse(data)
	case JoinerStateEntrust:
		j.handleEntrust(data)
	}
}

func (j *Joiner) handleFinalizeResponse(data []byte) {
	tlvs, err := DecodeTlvs(data)
	if err != nil {
		j.fail(err)
		return
	}
	st, ok := Find(tlvs, TlvState)
	if !ok || len(st.Value) != 1 {
		j.fail(ErrInvalidTlv)
		return
	}
	if int8(st.Value[0]) != StateAccept {
		j.fail(errRejected)
		return
	}
	j.state = JoinerStateEntrust
}

var errRejected = &joinerError{"meshcop: joiner finalize rejected"}

type joinerError struct{ msg string }

func (e *joinerError) Error() string { return e.msg }

func (j *Joiner) handleEntrust(data []byte) {
	dataset, err := DecodeDatasetTlvs(data)
	if err != nil {
		j.fail(err)
		return
	}
	j.state = JoinerStateJoined
	if j.onJoined != nil {
		j.onJoined(dataset, nil)
	}
}

func (j *Joiner) fail(err error) {
	j.state = JoinerStateIdle
	if j.onJoined != nil {
		j.onJoined(nil, err)
	}
}
