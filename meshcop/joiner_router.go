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

import (
	"net"

	"github.com/openthread-go/corestack/coap"
)

// JoinerRouterSocket is the unsecured UDP socket the joiner-router opens on
// the joiner port to talk directly to an unauthenticated joiner (spec.md
// §4.9) — distinct from the agent's normal TMF socket, which only ever
// carries authenticated mesh traffic.
type JoinerRouterSocket interface {
	SendTo(buf []byte, peerLinkLocal string) error
}

// JoinerRouter relays DTLS handshake/application records between a joiner
// on the link-local joiner port and the commissioner reachable through
// agent's TMF endpoint. It sends no entrust message itself: a
// joiner-router-kek TLV in a relay-tx only fires the OnJoinerRouterKek
// callback.
type JoinerRouter struct {
	agent           *coap.Agent
	joinerSock      JoinerRouterSocket
	selfRloc16      uint16
	borderAgentRloc string

	log Logger

	onJoinerRouterKek func(peerIID [8]byte)
}

// NewJoinerRouter wires a JoinerRouter to the TMF agent (for relay-rx/tx)
// and the unsecured joiner-facing socket.
func NewJoinerRouter(agent *coap.Agent, joinerSock JoinerRouterSocket, selfRloc16 uint16, borderAgentRloc string, log Logger) *JoinerRouter {
	r := &JoinerRouter{agent: agent, joinerSock: joinerSock, selfRloc16: selfRloc16, borderAgentRloc: borderAgentRloc, log: log}
	agent.AddResource(&coap.Resource{URIPath: PathRelayTx, Handler: r.handleRelayTx})
	return r
}

// OnJoinerRouterKek registers the callback fired when a relay-tx carries a
// joiner-router-kek TLV, the commissioner's signal that the joiner has been
// accepted and is ready for the entrust message (spec.md §4.9). The owner
// wires this to Commissioner.ScheduleEntrust with the dataset to entrust.
func (r *JoinerRouter) OnJoinerRouterKek(fn func(peerIID [8]byte)) { r.onJoinerRouterKek = fn }

func (r *JoinerRouter) logf(format string, v ...interface{}) {
	if r.log != nil {
		r.log.Printf(format, v...)
	}
}

// handleRelayTx implements the host->joiner half of spec.md §4.9: extract
// the joiner-udp-port/iid/encapsulation and forward as an unsecured UDP
// datagram to the joiner's link-local address. A joiner-router-kek TLV
// fires onJoinerRouterKek so the owner can schedule the entrust message.
func (r *JoinerRouter) handleRelayTx(req *coap.Message, info coap.MessageInfo, w coap.ResponseWriter) {
	tlvs, err := DecodeTlvs(req.Payload())
	if err != nil {
		_ = w.Respond(coap.CodeBadRequest, nil)
		return
	}
	iidTlv, ok := Find(tlvs, TlvJoinerIid)
	if !ok || len(iidTlv.Value) != 8 {
		_ = w.Respond(coap.CodeBadRequest, nil)
		return
	}
	encapTlv, ok := Find(tlvs, TlvJoinerDtlsEncapsulation)
	if !ok {
		_ = w.Respond(coap.CodeBadRequest, nil)
		return
	}

	peerAddr := linkLocalFromIID(iidTlv.Value)
	if err := r.joinerSock.SendTo(encapTlv.Value, peerAddr); err != nil {
		r.logf("joiner-router: forward to joiner %s failed: %v", peerAddr, err)
	}

	if _, ok := Find(tlvs, TlvJoinerRouterKek); ok && r.onJoinerRouterKek != nil {
		var peerIID [8]byte
		copy(peerIID[:], iidTlv.Value)
		r.onJoinerRouterKek(peerIID)
	}

	_ = w.Respond(coap.CodeChanged, nil)
}

// HandleJoinerDatagram implements the joiner->host half of spec.md §4.9:
// wrap an inbound UDP datagram from the joiner port as a relay-rx message
// to the primary border agent's RLOC.
func (r *JoinerRouter) HandleJoinerDatagram(data []byte, peerLinkLocal string) error {
	iid := iidFromLinkLocal(peerLinkLocal)
	req, err := r.agent.NewRequest(coap.TypeConfirmable, coap.CodePost)
	if err != nil {
		return err
	}
	if err := coap.SetUriPath(req, PathRelayRx); err != nil {
		return err
	}
	var rlocBuf [2]byte
	rlocBuf[0] = byte(r.selfRloc16 >> 8)
	rlocBuf[1] = byte(r.selfRloc16)
	req.SetPayload(EncodeTlvs([]Tlv{
		{Type: TlvJoinerIid, Value: iid[:]},
		{Type: TlvJoinerRouterLocator, Value: rlocBuf[:]},
		{Type: TlvJoinerDtlsEncapsulation, Value: data},
	}))
	info := coap.MessageInfo{PeerAddr: r.borderAgentRloc, PeerPort: 5683}
	return r.agent.SendMessage(req, info, nil, coap.SendCallbacks{})
}

func linkLocalFromIID(iid []byte) string {
	return "fe80::" + hexIID(iid)
}

// iidFromLinkLocal returns the interface identifier (low 64 bits) of a
// link-local address string, the inverse of linkLocalFromIID; an
// unparsable address yields a zero IID.
func iidFromLinkLocal(addr string) [8]byte {
	var iid [8]byte
	if ip := net.ParseIP(addr).To16(); ip != nil {
		copy(iid[:], ip[8:])
	}
	return iid
}

func hexIID(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, len(b)*2+3)
	for i, v := range b {
		if i > 0 && i%2 == 0 {
			out = append(out, ':')
		}
		out = append(out, hexDigits[v>>4], hexDigits[v&0xf])
	}
	return string(out)
}
