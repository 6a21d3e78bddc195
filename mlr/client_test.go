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

package mlr

import (
	"math/rand"
	"testing"

	"github.com/openthread-go/corestack/coap"
)

type fakeClock struct{ now uint32 }

func (c *fakeClock) NowMs() uint32 { return c.now }

type fakeTimer struct{}

func (fakeTimer) ScheduleFireAt(ms uint32) {}
func (fakeTimer) Stop()                    {}

type fakeSocket struct {
	sent [][]byte
}

func (s *fakeSocket) SendTo(buf []byte, info coap.MessageInfo) error {
	s.sent = append(s.sent, append([]byte(nil), buf...))
	return nil
}

func newTestClient(sock *fakeSocket) (*Client, *coap.Agent, *coap.Pool) {
	pool := coap.NewPool(16)
	agent := coap.NewAgent(pool, sock, &fakeClock{}, fakeTimer{})
	c := NewClient(agent, &fakeClock{}, rand.New(rand.NewSource(1)), Config{
		PrimaryBackboneServiceALOC: "fd00::ff",
		ReregistrationDelay:        3600,
	})
	return c, agent, pool
}

func TestTriggerRegistrationSendsBatchedRequest(t *testing.T) {
	sock := &fakeSocket{}
	c, _, pool := newTestClient(sock)

	c.Subscribe("ff04::1")
	c.Subscribe("ff04::2")

	if err := c.TriggerRegistration(); err != nil {
		t.Fatalf("TriggerRegistration: %v", err)
	}
	if len(sock.sent) != 1 {
		t.Fatalf("expected 1 sent packet, got %d", len(sock.sent))
	}
	if st, _ := c.StateOf("ff04::1"); st != Registering {
		t.Fatalf("state = %v, want Registering", st)
	}

	req, err := pool.Parse(sock.sent[0], coap.RejectIfNoPayloadWithPayloadMarker)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Code() != coap.CodePost {
		t.Fatalf("code = %v, want POST", req.Code())
	}
}

func TestTriggerRegistrationCapsBatchSize(t *testing.T) {
	sock := &fakeSocket{}
	c, _, _ := newTestClient(sock)
	for i := 0; i < IPv6AddressesNumMax+3; i++ {
		c.Subscribe(ipv6ForIndex(i))
	}
	if err := c.TriggerRegistration(); err != nil {
		t.Fatalf("TriggerRegistration: %v", err)
	}
	registering := 0
	toRegister := 0
	for i := 0; i < IPv6AddressesNumMax+3; i++ {
		st, _ := c.StateOf(ipv6ForIndex(i))
		switch st {
		case Registering:
			registering++
		case ToRegister:
			toRegister++
		}
	}
	if registering != IPv6AddressesNumMax {
		t.Fatalf("registering = %d, want %d", registering, IPv6AddressesNumMax)
	}
	if toRegister != 3 {
		t.Fatalf("still-pending = %d, want 3", toRegister)
	}
}

func ipv6ForIndex(i int) string {
	return "ff04::" + string(rune('a'+i))
}

func TestHandleResponseSuccessMarksRegistered(t *testing.T) {
	sock := &fakeSocket{}
	c, _, _ := newTestClient(sock)
	c.Subscribe("ff04::1")
	_ = c.TriggerRegistration()

	var gotDelay uint32
	c.OnReregisterAt(func(d uint32) { gotDelay = d })

	resp := []byte{tlvStatus, 1, byte(StatusSuccess)}
	c.handleResponse([]string{"ff04::1"}, fakeResponse(resp), coap.ErrNone)

	if st, _ := c.StateOf("ff04::1"); st != Registered {
		t.Fatalf("state = %v, want Registered", st)
	}
	if gotDelay == 0 {
		t.Fatalf("expected a reregistration delay to be scheduled")
	}
}

func TestHandleResponseFailureRetries(t *testing.T) {
	sock := &fakeSocket{}
	c, _, _ := newTestClient(sock)
	c.Subscribe("ff04::1")
	_ = c.TriggerRegistration()

	c.handleResponse([]string{"ff04::1"}, nil, coap.ErrResponseTimeout)

	if st, _ := c.StateOf("ff04::1"); st != ToRegister {
		t.Fatalf("state = %v, want ToRegister after a failed attempt", st)
	}
}

func fakeResponse(payload []byte) *coap.Message {
	pool := coap.NewPool(1)
	m, _ := pool.NewMessage(coap.TypeAcknowledgement, coap.CodeChanged)
	m.SetPayload(payload)
	return m
}
