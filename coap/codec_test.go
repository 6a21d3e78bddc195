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

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pool := NewPool(4)
	m, err := pool.NewMessage(TypeConfirmable, CodeGet)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	m.SetMessageID(0x1234)
	if err := m.SetToken([]byte{0xAB, 0xCD}); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	if err := SetUriPath(m, "a/bc/def"); err != nil {
		t.Fatalf("SetUriPath: %v", err)
	}
	m.SetPayload([]byte("hello"))

	wire, err := pool.Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := pool.Parse(wire, RejectIfNoPayloadWithPayloadMarker)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if decoded.MessageID() != 0x1234 {
		t.Errorf("MessageID = %#x, want 0x1234", decoded.MessageID())
	}
	if string(decoded.Token()) != "\xab\xcd" {
		t.Errorf("Token mismatch: %x", decoded.Token())
	}
	path, err := decoded.Options().UriPath()
	if err != nil {
		t.Fatalf("UriPath: %v", err)
	}
	if path != "a/bc/def" {
		t.Errorf("UriPath = %q, want a/bc/def", path)
	}
	if string(decoded.Payload()) != "hello" {
		t.Errorf("Payload = %q, want hello", decoded.Payload())
	}
}

func TestDecodeRejectsBarePayloadMarker(t *testing.T) {
	pool := NewPool(4)
	m, _ := pool.NewMessage(TypeConfirmable, CodeGet)
	m.SetMessageID(1)
	wire, err := pool.Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	wire = append(wire, payloadMarker)
	if _, err := pool.Parse(wire, RejectIfNoPayloadWithPayloadMarker); err == nil {
		t.Fatalf("expected ErrParse for a trailing bare payload marker")
	}
	if _, err := pool.Parse(wire, RemovePayloadMarkerIfNoPayload); err != nil {
		t.Fatalf("RemovePayloadMarkerIfNoPayload should tolerate a bare marker, got %v", err)
	}
}

func TestExtendedOptionDeltaAndLength(t *testing.T) {
	pool := NewPool(4)
	m, _ := pool.NewMessage(TypeNonConfirmable, CodePost)
	m.SetMessageID(7)
	// Proxy-Uri (35) needs the 1-byte extended delta (13..268) and its
	// 300-byte value the 2-byte extended length (269 and up); Size1 (60)
	// follows it with an extended delta of 25. Options go in ascending order.
	longVal := make([]byte, 300)
	for i := range longVal {
		longVal[i] = byte(i)
	}
	if err := m.AddOption(OptionProxyUri, longVal); err != nil {
		t.Fatalf("AddOption long value: %v", err)
	}
	if err := m.AddOption(OptionSize1, encodeUint(5000)); err != nil {
		t.Fatalf("AddOption: %v", err)
	}

	wire, err := pool.Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := pool.Parse(wire, RejectIfNoPayloadWithPayloadMarker)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	v, ok := decoded.Options().GetUint(OptionSize1)
	if !ok || v != 5000 {
		t.Errorf("Size1 = %d, ok=%v; want 5000, true", v, ok)
	}
	opt, ok := decoded.FindOption(OptionProxyUri)
	if !ok || len(opt.Value) != 300 {
		t.Fatalf("ProxyUri option missing or wrong length: %v", opt)
	}
	for i, b := range opt.Value {
		if b != byte(i) {
			t.Fatalf("ProxyUri byte %d = %d, want %d", i, b, byte(i))
		}
	}
}

func TestAddOptionRejectsDescendingOrder(t *testing.T) {
	pool := NewPool(1)
	m, _ := pool.NewMessage(TypeConfirmable, CodeGet)
	if err := m.AddOption(OptionUriPath, []byte("b")); err != nil {
		t.Fatalf("AddOption: %v", err)
	}
	if err := m.AddOption(OptionUriHost, []byte("a")); err == nil {
		t.Fatalf("expected ErrInvalidArgs inserting a lower option number after a higher one")
	}
}

func TestBlockOptionEncodeDecode(t *testing.T) {
	cases := []BlockOption{
		{Num: 0, More: true, SZX: 6},
		{Num: 15, More: false, SZX: 0},
		{Num: 1048575, More: true, SZX: 3},
	}
	for _, c := range cases {
		val, err := c.Encode()
		if err != nil {
			t.Fatalf("Encode(%+v): %v", c, err)
		}
		got, err := DecodeBlockOption(val)
		if err != nil {
			t.Fatalf("DecodeBlockOption(%+v): %v", c, err)
		}
		if got != c {
			t.Errorf("round trip = %+v, want %+v", got, c)
		}
	}
}
