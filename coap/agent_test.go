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

package coap

import (
	"errors"
	"testing"
)

type fakeClock struct{ now uint32 }

func (c *fakeClock) NowMs() uint32 { return c.now }

type fakeTimer struct {
	fireAt uint32
	armed  bool
}

func (t *fakeTimer) ScheduleFireAt(ms uint32) { t.fireAt, t.armed = ms, true }
func (t *fakeTimer) Stop()                    { t.armed = false }

type fakeSocket struct {
	sent     [][]byte
	infos    []MessageInfo
	failNext bool
}

func (s *fakeSocket) SendTo(buf []byte, info MessageInfo) error {
	if s.failNext {
		s.failNext = false
		return errors.New("injected send failure")
	}
	s.sent = append(s.sent, append([]byte(nil), buf...))
	s.infos = append(s.infos, info)
	return nil
}

func (s *fakeSocket) last() []byte { return s.sent[len(s.sent)-1] }

var testPeer = MessageInfo{PeerAddr: "fd00::1", PeerPort: 5683}

func newTestAgent(sock *fakeSocket, clock *fakeClock, timer *fakeTimer, opts ...AgentOption) *Agent {
	pool := NewPool(32)
	return NewAgent(pool, sock, clock, timer, opts...)
}

func TestSendConfirmableReceivesPiggybackedResponse(t *testing.T) {
	sock := &fakeSocket{}
	clock := &fakeClock{now: 1000}
	timer := &fakeTimer{}
	agent := newTestAgent(sock, clock, timer)

	req, err := agent.pool.NewMessage(TypeConfirmable, CodeGet)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := SetUriPath(req, "test"); err != nil {
		t.Fatalf("SetUriPath: %v", err)
	}

	var gotResp *Message
	var gotErr Error
	handled := false
	err = agent.SendMessage(req, testPeer, nil, SendCallbacks{Handler: func(resp *Message, result Error) {
		handled = true
		gotResp = resp
		gotErr = result
	}})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(sock.sent) != 1 {
		t.Fatalf("expected one transmitted packet, got %d", len(sock.sent))
	}
	if agent.pending.len() != 1 {
		t.Fatalf("expected one tracked request, got %d", agent.pending.len())
	}

	sent, err := agent.pool.Parse(sock.last(), RejectIfNoPayloadWithPayloadMarker)
	if err != nil {
		t.Fatalf("Parse sent request: %v", err)
	}

	respPool := NewPool(4)
	ack, err := respPool.NewMessage(TypeAcknowledgement, CodeContent)
	if err != nil {
		t.Fatalf("NewMessage ack: %v", err)
	}
	ack.SetMessageID(sent.MessageID())
	if err := ack.SetToken(sent.Token()); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	ack.SetPayload([]byte("ok"))
	ackWire, err := respPool.Encode(ack)
	if err != nil {
		t.Fatalf("Encode ack: %v", err)
	}

	agent.HandleReceive(ackWire, testPeer)

	if !handled {
		t.Fatalf("response handler was never invoked")
	}
	if gotErr != ErrNone {
		t.Fatalf("result = %v, want ErrNone", gotErr)
	}
	if gotResp == nil || string(gotResp.Payload()) != "ok" {
		t.Fatalf("response payload = %v, want ok", gotResp)
	}
	if agent.pending.len() != 0 {
		t.Fatalf("request should be finalized and dequeued, still has %d pending", agent.pending.len())
	}
}

func TestRetransmissionGivesUpAfterMaxRetransmit(t *testing.T) {
	sock := &fakeSocket{}
	clock := &fakeClock{now: 0}
	timer := &fakeTimer{}
	params := DefaultTxParameters()
	params.MaxRetransmit = 2
	agent := newTestAgent(sock, clock, timer)

	req, _ := agent.pool.NewMessage(TypeConfirmable, CodeGet)
	var timedOut bool
	var calls int
	err := agent.SendMessage(req, testPeer, &params, SendCallbacks{Handler: func(resp *Message, result Error) {
		calls++
		if result == ErrResponseTimeout {
			timedOut = true
		}
	}})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(sock.sent) != 1 {
		t.Fatalf("expected 1 initial send, got %d", len(sock.sent))
	}

	// Drive the timer forward past every scheduled retransmission.
	for i := 0; i < 10 && agent.pending.len() > 0; i++ {
		clock.now = timer.fireAt + 1
		agent.HandleTimerFired(clock.now)
	}

	if !timedOut {
		t.Fatalf("expected the handler to eventually see ErrResponseTimeout")
	}
	if calls != 1 {
		t.Fatalf("handler invoked %d times, want exactly 1 (final timeout)", calls)
	}
	// One initial send plus MaxRetransmit retries.
	if len(sock.sent) != 1+int(params.MaxRetransmit) {
		t.Fatalf("sent %d packets, want %d", len(sock.sent), 1+int(params.MaxRetransmit))
	}
	if agent.pending.len() != 0 {
		t.Fatalf("pending table should be empty after timeout, has %d", agent.pending.len())
	}
}

func TestServerDedupResendsCachedAck(t *testing.T) {
	sock := &fakeSocket{}
	clock := &fakeClock{now: 0}
	timer := &fakeTimer{}
	calls := 0
	agent := newTestAgent(sock, clock, timer, WithDefaultHandler(func(req *Message, info MessageInfo, w ResponseWriter) {
		calls++
		_ = w.Respond(CodeContent, []byte("hi"))
	}))

	reqPool := NewPool(4)
	req, _ := reqPool.NewMessage(TypeConfirmable, CodeGet)
	req.SetMessageID(42)
	_ = SetUriPath(req, "foo")
	wire, err := reqPool.Encode(req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	agent.HandleReceive(wire, testPeer)
	agent.HandleReceive(wire, testPeer)

	if calls != 1 {
		t.Fatalf("default handler invoked %d times, want 1 (second delivery should hit the cache)", calls)
	}
	if len(sock.sent) != 2 {
		t.Fatalf("expected 2 responses transmitted (fresh + cached resend), got %d", len(sock.sent))
	}
	if string(sock.sent[0]) != string(sock.sent[1]) {
		t.Fatalf("cached resend should be byte-identical to the original response")
	}
}

func TestBlockwiseUploadAssemblesFullBody(t *testing.T) {
	sock := &fakeSocket{}
	clock := &fakeClock{now: 0}
	timer := &fakeTimer{}

	var assembled []byte
	agent := newTestAgent(sock, clock, timer)
	agent.AddResource(&Resource{
		URIPath: "upload",
		Handler: func(req *Message, info MessageInfo, w ResponseWriter) {
			_ = w.Respond(CodeChanged, nil)
		},
		BlockReceive: func(offset uint32, chunk []byte, more bool) error {
			assembled = append(assembled, chunk...)
			return nil
		},
	})

	reqPool := NewPool(8)
	body := make([]byte, 40)
	for i := range body {
		body[i] = byte(i)
	}
	szx := uint8(2) // 64-byte blocks, plenty for a 40-byte body in one block
	block := BlockOption{Num: 0, More: false, SZX: szx}
	val, err := block.Encode()
	if err != nil {
		t.Fatalf("Encode block option: %v", err)
	}
	req, _ := reqPool.NewMessage(TypeConfirmable, CodePut)
	req.SetMessageID(9)
	_ = SetUriPath(req, "upload")
	req.InsertOption(OptionBlock1, val)
	req.SetPayload(body)
	wire, err := reqPool.Encode(req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	agent.HandleReceive(wire, testPeer)

	if string(assembled) != string(body) {
		t.Fatalf("assembled body mismatch: got %d bytes, want %d", len(assembled), len(body))
	}
	if len(sock.sent) != 1 {
		t.Fatalf("expected exactly one response (the final 2.04 Changed), got %d", len(sock.sent))
	}
	resp, err := NewPool(4).Parse(sock.last(), RejectIfNoPayloadWithPayloadMarker)
	if err != nil {
		t.Fatalf("Parse response: %v", err)
	}
	if resp.Code() != CodeChanged {
		t.Fatalf("response code = %v, want 2.04 Changed", resp.Code())
	}
}

func TestAbortTransactionDeliversErrAbort(t *testing.T) {
	sock := &fakeSocket{}
	clock := &fakeClock{now: 0}
	timer := &fakeTimer{}
	agent := newTestAgent(sock, clock, timer)

	req, _ := agent.pool.NewMessage(TypeConfirmable, CodeGet)
	var result Error
	handler := func(resp *Message, r Error) { result = r }
	if err := agent.SendMessage(req, testPeer, nil, SendCallbacks{Handler: handler}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	agent.AbortTransaction(nil)
	if result != ErrNone {
		t.Fatalf("AbortTransaction(nil) should not match any handler, got result=%v", result)
	}
	agent.AbortTransaction(handler)
	if result != ErrAbort {
		t.Fatalf("result = %v, want ErrAbort", result)
	}
	if agent.pending.len() != 0 {
		t.Fatalf("pending table should be empty after abort")
	}
}
