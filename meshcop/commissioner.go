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
	"fmt"

	"github.com/google/uuid"
	"github.com/openthread-go/corestack/coap"
)

// Logger is the nil-safe sink the commissioner logs state transitions and
// joiner admission events through.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Config configures a Commissioner at construction.
type Config struct {
	CommissionerID    string // generated with uuid if empty
	LeaderALOC        string // anycast locator for the leader's TMF endpoint
	SteeringDataBytes int    // configured steering-data TLV length
	Log               Logger
}

// Commissioner drives the {Disabled, Petitioning, Active} FSM described in
// spec.md §4.8, installing TMF resources on agent once petitioning
// succeeds and relaying joiner DTLS traffic to dtls.
type Commissioner struct {
	agent *coap.Agent
	dtls  DTLSEndpoint
	clock coap.Clock
	cfg   Config

	state State

	commissionerID    string
	sessionID         uint16
	petitionAttempts  int
	keepAliveDeadline uint32

	joiners  *JoinerTable
	steering *SteeringData

	pendingEntrust []pendingEntrust

	onStateChange func(State)
}

type pendingEntrust struct {
	peerIID     [8]byte
	dueAtMs     uint32
	dataset     *Dataset
}

// NewCommissioner wires a Commissioner to agent (for leader-facing TMF
// requests and installed joiner-facing resources) and dtls (for the
// joiner-facing secure channel).
func NewCommissioner(agent *coap.Agent, dtls DTLSEndpoint, clock coap.Clock, cfg Config) *Commissioner {
	if cfg.CommissionerID == "" {
		cfg.CommissionerID = uuid.New().String()
	}
	if cfg.SteeringDataBytes <= 0 {
		cfg.SteeringDataBytes = 16
	}
	c := &Commissioner{
		agent:          agent,
		dtls:           dtls,
		clock:          clock,
		cfg:            cfg,
		commissionerID: cfg.CommissionerID,
		joiners:        NewJoinerTable(),
		steering:       NewSteeringData(cfg.SteeringDataBytes),
	}
	if dtls != nil {
		dtls.OnConnected(c.handleDTLSConnected)
		dtls.OnReceive(c.handleDTLSReceive)
		dtls.OnTransmit(c.handleDTLSTransmit)
	}
	return c
}

func (c *Commissioner) logf(format string, v ...interface{}) {
	if c.cfg.Log != nil {
		c.cfg.Log.Printf(format, v...)
	}
}

// State returns the FSM's current state.
func (c *Commissioner) State() State { return c.state }

func (c *Commissioner) setState(s State) {
	if c.state == s {
		return
	}
	c.logf("meshcop: commissioner %s -> %s", c.state, s)
	c.state = s
	if c.onStateChange != nil {
		c.onStateChange(s)
	}
}

// OnStateChange registers a callback invoked on every FSM transition.
func (c *Commissioner) OnStateChange(fn func(State)) { c.onStateChange = fn }

// Start transitions Disabled -> Petitioning: sends the leader petition
// request carrying the textual commissioner-id and arms the retry counter.
func (c *Commissioner) Start() error {
	if c.state != StateDisabled {
		return fmt.Errorf("meshcop: Start called in state %s", c.state)
	}
	c.petitionAttempts = 0
	c.setState(StatePetitioning)
	return c.sendPetition()
}

func (c *Commissioner) sendPetition() error {
	c.petitionAttempts++
	req, err := c.newRequest(coap.CodePost, PathPetition)
	if err != nil {
		return err
	}
	tlv := Tlv{Type: TlvCommissionerID, Value: []byte(c.commissionerID)}
	req.SetPayload(EncodeTlvs([]Tlv{tlv}))

	info := coap.MessageInfo{PeerAddr: c.cfg.LeaderALOC, PeerPort: 5683}
	return c.agent.SendMessage(req, info, nil, coap.SendCallbacks{Handler: c.handlePetitionResponse})
}

func (c *Commissioner) handlePetitionResponse(resp *coap.Message, result coap.Error) {
	if result != coap.ErrNone || resp == nil || resp.Code() != coap.CodeChanged {
		c.petitionRejectedOrTimedOut()
		return
	}
	tlvs, err := DecodeTlvs(resp.Payload())
	if err != nil {
		c.petitionRejectedOrTimedOut()
		return
	}
	stateTlv, ok := Find(tlvs, TlvState)
	if !ok || len(stateTlv.Value) != 1 || int8(stateTlv.Value[0]) != StateAccept {
		c.petitionRejectedOrTimedOut()
		return
	}
	sessionTlv, ok := Find(tlvs, TlvCommissionerSessionID)
	if ok && len(sessionTlv.Value) == 2 {
		c.sessionID = uint16(sessionTlv.Value[0])<<8 | uint16(sessionTlv.Value[1])
	}
	c.installActiveResources()
	c.setState(StateActive)
	c.armKeepAlive()
}

func (c *Commissioner) petitionRejectedOrTimedOut() {
	if c.petitionAttempts < PetitionRetryCount {
		_ = c.sendPetition()
		return
	}
	c.setState(StateDisabled)
}

func (c *Commissioner) installActiveResources() {
	c.agent.AddResource(&coap.Resource{URIPath: PathRelayRx, Handler: c.handleRelayRx})
	c.agent.AddResource(&coap.Resource{URIPath: PathDatasetChanged, Handler: c.handleDatasetChanged})
}

// armKeepAlive schedules the next MGMT_COMMISSIONER_KEEP_ALIVE. The timer
// itself is external (spec.md §6): callers invoke Tick once their clock
// fires, which checks whether the deadline has passed.
func (c *Commissioner) armKeepAlive() {
	c.keepAliveDeadline = c.clock.NowMs() + uint32(DefaultKeepAliveTimeout.Milliseconds())/KeepAliveTimeoutFactor
}

// Tick drives time-based transitions: keep-alive, joiner-table expiration,
// and due entrust messages. Call it whenever the owning instance's clock
// advances.
func (c *Commissioner) Tick(nowMs uint32) {
	if c.state == StateActive && coap.Before(c.keepAliveDeadline, nowMs) {
		c.sendKeepAlive()
	}
	removed := c.joiners.SweepExpired(nowMs)
	if len(removed) > 0 {
		c.rebuildSteeringData()
	}
	c.processPendingEntrusts(nowMs)
}

func (c *Commissioner) sendKeepAlive() {
	req, err := c.newRequest(coap.CodePost, PathKeepAlive)
	if err != nil {
		return
	}
	var sess [2]byte
	sess[0] = byte(c.sessionID >> 8)
	sess[1] = byte(c.sessionID)
	req.SetPayload(EncodeTlvs([]Tlv{
		{Type: TlvCommissionerSessionID, Value: sess[:]},
		{Type: TlvState, Value: []byte{byte(StateAccept)}},
	}))
	info := coap.MessageInfo{PeerAddr: c.cfg.LeaderALOC, PeerPort: 5683}
	_ = c.agent.SendMessage(req, info, nil, coap.SendCallbacks{Handler: c.handleKeepAliveResponse})
	c.armKeepAlive()
}

func (c *Commissioner) handleKeepAliveResponse(resp *coap.Message, result coap.Error) {
	if result != coap.ErrNone || resp == nil || resp.Code() != coap.CodeChanged {
		c.setState(StateDisabled)
		return
	}
	tlvs, err := DecodeTlvs(resp.Payload())
	if err != nil {
		return
	}
	if st, ok := Find(tlvs, TlvState); ok && len(st.Value) == 1 && int8(st.Value[0]) == StateReject {
		c.setState(StateDisabled)
	}
}

// Stop ends an active or in-progress commissioning session.
func (c *Commissioner) Stop() {
	c.setState(StateDisabled)
}

// AddJoiner admits id with psk, expiring at expirationTimeMs, and rebuilds
// the steering data sent to the leader.
func (c *Commissioner) AddJoiner(id JoinerEui64, psk []byte, expirationTimeMs uint32) error {
	if err := c.joiners.Add(id, psk, expirationTimeMs); err != nil {
		return err
	}
	c.rebuildSteeringData()
	return c.sendMgmtCommissionerSet()
}

// RemoveJoiner drops id from the table and rebuilds steering data.
func (c *Commissioner) RemoveJoiner(id JoinerEui64) error {
	c.joiners.Remove(id)
	c.rebuildSteeringData()
	return c.sendMgmtCommissionerSet()
}

func (c *Commissioner) rebuildSteeringData() {
	c.steering.Reset()
	for _, e := range c.joiners.All() {
		if e.ID.Wildcard {
			c.steering.SetAll()
			continue
		}
		id := JoinerID(e.ID.Eui64)
		c.steering.AddJoiner(id[:])
	}
}

func (c *Commissioner) sendMgmtCommissionerSet() error {
	if c.state != StateActive {
		return nil
	}
	req, err := c.newRequest(coap.CodePost, "c/cs")
	if err != nil {
		return err
	}
	req.SetPayload(EncodeTlvs([]Tlv{{Type: TlvSteeringData, Value: c.steering.Bytes()}}))
	info := coap.MessageInfo{PeerAddr: c.cfg.LeaderALOC, PeerPort: 5683}
	return c.agent.SendMessage(req, info, nil, coap.SendCallbacks{})
}

func (c *Commissioner) handleDatasetChanged(req *coap.Message, info coap.MessageInfo, w coap.ResponseWriter) {
	_ = w.Respond(coap.CodeChanged, nil)
}

// handleRelayRx implements the joiner admission path of spec.md §4.8:
// steps 1-4 (locate the joiner, arm the DTLS PSK, forward the encapsulated
// handshake record). Steps 5-6 (finalize, scheduled removal) happen in
// handleDTLSReceive once the joiner-finalize request decrypts.
func (c *Commissioner) handleRelayRx(req *coap.Message, info coap.MessageInfo, w coap.ResponseWriter) {
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
	var iid [8]byte
	copy(iid[:], iidTlv.Value)

	encapTlv, ok := Find(tlvs, TlvJoinerDtlsEncapsulation)
	if !ok {
		_ = w.Respond(coap.CodeBadRequest, nil)
		return
	}

	joinerID := eui64FromIID(iid)
	if entry, ok := c.joiners.FindByJoinerID(joinerID); ok && c.dtls != nil {
		_ = c.dtls.SetPSK(joinerID[:], entry.PSK)
	}
	if c.dtls != nil {
		_ = c.dtls.HandleReceive(encapTlv.Value, iid)
	}
	_ = w.Respond(coap.CodeChanged, nil)
}

// eui64FromIID maps a joiner IID (from a relay-rx or a DTLS peer) into
// joiner-id space by running it through JoinerID as if it were the
// joiner's EUI-64; FindByJoinerID compares the result with JoinerID of
// each table entry's EUI-64.
func eui64FromIID(iid [8]byte) [8]byte { return JoinerID(iid) }

func (c *Commissioner) handleDTLSConnected(peerIID [8]byte, masterSecret, clientRandom []byte) {
	c.logf("meshcop: dtls connected for joiner iid %x", peerIID)
}

func (c *Commissioner) handleDTLSTransmit(peerIID [8]byte, record []byte) {
	req, err := c.newRequest(coap.CodePost, PathRelayTx)
	if err != nil {
		return
	}
	req.SetPayload(EncodeTlvs([]Tlv{
		{Type: TlvJoinerIid, Value: peerIID[:]},
		{Type: TlvJoinerDtlsEncapsulation, Value: record},
	}))
	info := coap.MessageInfo{PeerAddr: c.cfg.LeaderALOC, PeerPort: 5683}
	_ = c.agent.SendMessage(req, info, nil, coap.SendCallbacks{})
}

// handleDTLSReceive processes decrypted application data from a joiner:
// the joiner-finalize request, per spec.md §4.8 step 5.
func (c *Commissioner) handleDTLSReceive(peerIID [8]byte, data []byte) {
	tlvs, err := DecodeTlvs(data)
	if err != nil {
		return
	}
	urlTlv, _ := Find(tlvs, TlvProvisioningURL)

	accept := c.acceptProvisioningURL(string(urlTlv.Value))
	state := StateReject
	if accept {
		state = StateAccept
	}

	respTlvs := []Tlv{{Type: TlvState, Value: []byte{byte(state)}}}
	if accept {
		// No joiner-router-kek TLV is attached anywhere: handleDTLSTransmit
		// wraps records with only the joiner IID and encapsulation TLVs, so
		// acceptance is signalled back over DTLS alone.
	}
	if c.dtls != nil {
		_ = c.dtls.Send(peerIID, EncodeTlvs(respTlvs))
	}

	joinerID := eui64FromIID(peerIID)
	entry, found := c.joiners.FindByJoinerID(joinerID)
	if accept && found && !entry.ID.Wildcard {
		expire := c.clock.NowMs() + uint32(RemoveJoinerDelay.Milliseconds())
		_ = c.joiners.Add(entry.ID, entry.PSK, expire)
	}
}

// acceptProvisioningURL accepts every provisioning URL, an empty one
// included; Config carries no URL to compare it against.
func (c *Commissioner) acceptProvisioningURL(url string) bool {
	return true
}

func (c *Commissioner) processPendingEntrusts(nowMs uint32) {
	for len(c.pendingEntrust) > 0 && !coap.Before(nowMs, c.pendingEntrust[0].dueAtMs) {
		e := c.pendingEntrust[0]
		c.pendingEntrust = c.pendingEntrust[1:]
		c.sendEntrust(e.peerIID, e.dataset)
	}
}

// ScheduleEntrust queues the joiner-entrust message for peerIID, to be sent
// after JoinerEntrustTxDelay has elapsed, FIFO with any other pending
// entrusts (spec.md §4.9).
func (c *Commissioner) ScheduleEntrust(peerIID [8]byte, dataset *Dataset) {
	c.pendingEntrust = append(c.pendingEntrust, pendingEntrust{
		peerIID: peerIID,
		dueAtMs: c.clock.NowMs() + uint32(JoinerEntrustTxDelay.Milliseconds()),
		dataset: dataset,
	})
}

func (c *Commissioner) sendEntrust(peerIID [8]byte, dataset *Dataset) {
	if c.dtls == nil || dataset == nil {
		return
	}
	_ = c.dtls.Send(peerIID, dataset.EncodeTlvs())
}

func (c *Commissioner) newRequest(code coap.Code, uriPath string) (*coap.Message, error) {
	msg, err := c.agent.NewRequest(coap.TypeConfirmable, code)
	if err != nil {
		return nil, err
	}
	if err := coap.SetUriPath(msg, uriPath); err != nil {
		return nil, err
	}
	return msg, nil
}
