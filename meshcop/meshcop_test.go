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
	"errors"
	"testing"

	"github.com/openthread-go/corestack/coap"
)

func TestSteeringDataContainsAddedJoiner(t *testing.T) {
	sd := NewSteeringData(16)
	id := JoinerID([8]byte{1, 2, 3, 4, 5, 6, 7, 8})
	if sd.Contains(id[:]) {
		t.Fatalf("fresh filter should not contain anything")
	}
	sd.AddJoiner(id[:])
	if !sd.Contains(id[:]) {
		t.Fatalf("filter should contain the added joiner id")
	}
	other := JoinerID([8]byte{8, 7, 6, 5, 4, 3, 2, 1})
	if sd.Contains(other[:]) {
		// Not impossible (false positive) but exceedingly unlikely for a
		// 16-byte filter with a single member; treat as a bug signal.
		t.Fatalf("unrelated joiner id unexpectedly matched the filter")
	}
}

func TestJoinerTableWildcardFallback(t *testing.T) {
	jt := NewJoinerTable()
	if err := jt.Add(JoinerEui64{Wildcard: true}, []byte("anypsk"), 1000); err != nil {
		t.Fatalf("Add wildcard: %v", err)
	}
	id := JoinerID([8]byte{9, 9, 9, 9, 9, 9, 9, 9})
	entry, ok := jt.FindByJoinerID(id)
	if !ok || string(entry.PSK) != "anypsk" {
		t.Fatalf("expected the wildcard entry to match, got %+v ok=%v", entry, ok)
	}
}

func TestJoinerTablePskTooLong(t *testing.T) {
	jt := NewJoinerTable()
	psk := make([]byte, MaxPskLength+1)
	if err := jt.Add(JoinerEui64{Eui64: [8]byte{1}}, psk, 0); err != ErrPskTooLong {
		t.Fatalf("expected ErrPskTooLong, got %v", err)
	}
}

func TestJoinerTableSweepExpired(t *testing.T) {
	jt := NewJoinerTable()
	_ = jt.Add(JoinerEui64{Eui64: [8]byte{1}}, []byte("a"), 100)
	_ = jt.Add(JoinerEui64{Eui64: [8]byte{2}}, []byte("b"), 200)
	removed := jt.SweepExpired(150)
	if len(removed) != 1 || jt.Len() != 1 {
		t.Fatalf("expected exactly one expiry at t=150, got %d removed, %d remaining", len(removed), jt.Len())
	}
}

func TestDatasetTlvRoundTrip(t *testing.T) {
	d := &Dataset{
		NetworkKey:      []byte("0123456789abcdef"),
		MeshLocalPrefix: []byte{0xfd, 0, 0, 0, 0, 0, 0, 1},
		ExtendedPanID:   []byte{1, 2, 3, 4, 5, 6, 7, 8},
		NetworkName:     "OpenThread",
		ActiveTimestamp: 42,
		ChannelMask:     0x7fff800,
		PanID:           0xface,
		PSKc:            []byte("pskcpskcpskcpskc"),
		SecurityPolicy:  672,
		KeySequence:     5,
	}
	encoded := d.EncodeTlvs()
	decoded, err := DecodeDatasetTlvs(encoded)
	if err != nil {
		t.Fatalf("DecodeDatasetTlvs: %v", err)
	}
	if decoded.NetworkName != d.NetworkName || decoded.PanID != d.PanID || decoded.KeySequence != d.KeySequence {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, d)
	}
	if string(decoded.PSKc) != string(d.PSKc) {
		t.Fatalf("PSKc mismatch")
	}
}

func TestDatasetCBORRoundTrip(t *testing.T) {
	d := &Dataset{NetworkName: "cbor-net", PanID: 7, KeySequence: 3}
	raw, err := d.MarshalCBOR()
	if err != nil {
		t.Fatalf("MarshalCBOR: %v", err)
	}
	var got Dataset
	if err := got.UnmarshalFromCBOR(raw); err != nil {
		t.Fatalf("UnmarshalFromCBOR: %v", err)
	}
	if got.NetworkName != d.NetworkName || got.PanID != d.PanID {
		t.Fatalf("cbor round trip mismatch: got %+v, want %+v", got, d)
	}
}

func TestDerivePSKcDeterministic(t *testing.T) {
	extPanID := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	a := DerivePSKc("my passphrase", extPanID, "OpenThread")
	b := DerivePSKc("my passphrase", extPanID, "OpenThread")
	if string(a) != string(b) {
		t.Fatalf("DerivePSKc should be deterministic for the same inputs")
	}
	c := DerivePSKc("different", extPanID, "OpenThread")
	if string(a) == string(c) {
		t.Fatalf("DerivePSKc should differ for a different passphrase")
	}
}

// --- fakes for the commissioner FSM test ---

type fakeClock struct{ now uint32 }

func (c *fakeClock) NowMs() uint32 { return c.now }

type fakeTimer struct{}

func (fakeTimer) ScheduleFireAt(ms uint32) {}
func (fakeTimer) Stop()                    {}

type fakeSocket struct {
	sent  [][]byte
	infos []coap.MessageInfo
}

func (s *fakeSocket) SendTo(buf []byte, info coap.MessageInfo) error {
	s.sent = append(s.sent, append([]byte(nil), buf...))
	s.infos = append(s.infos, info)
	return nil
}

var errNoSend = errors.New("nothing sent yet")

func (s *fakeSocket) lastRequest(pool *coap.Pool) (*coap.Message, error) {
	if len(s.sent) == 0 {
		return nil, errNoSend
	}
	return pool.Parse(s.sent[len(s.sent)-1], coap.RejectIfNoPayloadWithPayloadMarker)
}

func TestCommissionerPetitionTransitionsToActive(t *testing.T) {
	sock := &fakeSocket{}
	pool := coap.NewPool(16)
	agent := coap.NewAgent(pool, sock, &fakeClock{}, fakeTimer{})
	clock := &fakeClock{now: 0}

	c := NewCommissioner(agent, nil, clock, Config{LeaderALOC: "fd00::2"})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.State() != StatePetitioning {
		t.Fatalf("state = %s, want petitioning", c.State())
	}

	sentReq, err := sock.lastRequest(coap.NewPool(4))
	if err != nil {
		t.Fatalf("lastRequest: %v", err)
	}

	respPool := coap.NewPool(4)
	ack, _ := respPool.NewMessage(coap.TypeAcknowledgement, coap.CodeChanged)
	ack.SetMessageID(sentReq.MessageID())
	_ = ack.SetToken(sentReq.Token())
	var sess [2]byte
	sess[0], sess[1] = 0, 7
	ack.SetPayload(EncodeTlvs([]Tlv{
		{Type: TlvState, Value: []byte{byte(StateAccept)}},
		{Type: TlvCommissionerSessionID, Value: sess[:]},
	}))
	ackWire, err := respPool.Encode(ack)
	if err != nil {
		t.Fatalf("Encode ack: %v", err)
	}

	agent.HandleReceive(ackWire, coap.MessageInfo{PeerAddr: "fd00::2", PeerPort: 5683})

	if c.State() != StateActive {
		t.Fatalf("state = %s, want active", c.State())
	}
	if c.sessionID != 7 {
		t.Fatalf("sessionID = %d, want 7", c.sessionID)
	}
}

func TestCommissionerPetitionGivesUpAfterRetries(t *testing.T) {
	sock := &fakeSocket{}
	pool := coap.NewPool(16)
	agent := coap.NewAgent(pool, sock, &fakeClock{}, fakeTimer{})
	c := NewCommissioner(agent, nil, &fakeClock{}, Config{LeaderALOC: "fd00::2"})

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < PetitionRetryCount; i++ {
		c.petitionRejectedOrTimedOut()
	}
	if c.State() != StateDisabled {
		t.Fatalf("state = %s, want disabled after exhausting retries", c.State())
	}
}
