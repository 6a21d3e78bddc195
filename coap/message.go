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

import "go.uber.org/atomic"

func newRefCount() *atomic.Int32 { return atomic.NewInt32(1) }

// SubType marks a message as playing a role the generic agent logic needs
// to special-case further up the stack (MeshCoP finalize/entrust framing,
// MPL forwarding). Most messages carry SubTypeNone.
type SubType uint8

const (
	SubTypeNone SubType = iota
	SubTypeMPL
	SubTypeJoinerEntrust
	SubTypeJoinerFinalizeResponse
)

// Priority is the queueing priority class handed to the radio scheduler.
// It has no effect on CoAP semantics; it is carried purely so the core can
// tell the MAC layer which messages to starve first under congestion.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityNet
)

// MaxMessageLength bounds how large a single CoAP message buffer may grow.
// The core never allocates beyond this even though Go itself has a heap;
// this constant is what a no_std embedded build would size its fixed
// buffers to, and every append path enforces it.
const MaxMessageLength = 1280

// requestMetadata is the footer appended to a message when it is tracked
// by the pending-request table. Its presence is exactly what "the message
// is being tracked" means (data model invariant in spec.md §3): a message
// carrying a non-nil meta is in the pending table, nowhere else. The
// response cache keeps its key and expiry in its own entries and does not
// set meta, so the response-cache footer fields below stay unset.
type requestMetadata struct {
	// pending-request footer
	peerAddr       string
	destPort       uint16
	hopLimit       uint8
	multicastLoop  bool
	isHostIface    bool
	callbacks      requestCallbacks
	timerFireTime  uint32
	retxTimeoutMs  uint32
	retxRemaining  uint8
	acknowledged   bool
	confirmable    bool
	observe        bool
	observeRequest bool

	// response-cache footer
	expireTimeMs uint32
	peerPort     uint16
}

// Message is a reference-counted CoAP packet buffer with an intrusive
// single-queue-membership pointer, matching the data model in spec.md §3.
// A Message is produced by a Pool and must be released with Free once the
// holder is done with it; Clone returns an independent copy, while holdRef
// bumps the refcount so two holders share one message.
type Message struct {
	hdr     header
	token   []byte
	options Options
	payload []byte

	subType  SubType
	priority Priority

	next *Message // intrusive queue pointer; nil if not queued

	pool *Pool
	refs *atomic.Int32
	meta *requestMetadata
}

type header struct {
	version     uint8
	typ         Type
	code        Code
	messageID   uint16
	tokenLength uint8
}

// Type is the CoAP message type (RFC 7252 §3).
type Type uint8

const (
	TypeConfirmable Type = iota
	TypeNonConfirmable
	TypeAcknowledgement
	TypeReset
)

func (t Type) String() string {
	switch t {
	case TypeConfirmable:
		return "CON"
	case TypeNonConfirmable:
		return "NON"
	case TypeAcknowledgement:
		return "ACK"
	case TypeReset:
		return "RST"
	default:
		return "???"
	}
}

// Code is the CoAP method/response code, packed as class.detail (RFC 7252
// §3 and §12.1.2).
type Code uint8

func NewCode(class, detail uint8) Code { return Code(class<<5 | detail&0x1f) }

func (c Code) Class() uint8  { return uint8(c) >> 5 }
func (c Code) Detail() uint8 { return uint8(c) & 0x1f }
func (c Code) IsRequest() bool {
	return c.Class() == 0 && c.Detail() > 0
}
func (c Code) IsResponse() bool { return c.Class() >= 2 }
func (c Code) IsEmpty() bool    { return c == CodeEmpty }

func (c Code) String() string {
	if s, ok := codeStrings[c]; ok {
		return s
	}
	return "?.??"
}

// Method and response codes used by the core itself. The broader RFC 7252
// registry is available through raw NewCode calls; these are the ones the
// CoAP agent, MeshCoP and the block-wise engine reference by name.
const (
	CodeEmpty Code = 0

	CodeGet    Code = 0<<5 | 1
	CodePost   Code = 0<<5 | 2
	CodePut    Code = 0<<5 | 3
	CodeDelete Code = 0<<5 | 4

	CodeCreated  Code = 2<<5 | 1
	CodeDeleted  Code = 2<<5 | 2
	CodeValid    Code = 2<<5 | 3
	CodeChanged  Code = 2<<5 | 4
	CodeContent  Code = 2<<5 | 5
	CodeContinue Code = 2<<5 | 31

	CodeBadRequest       Code = 4<<5 | 0
	CodeUnauthorized     Code = 4<<5 | 1
	CodeBadOption        Code = 4<<5 | 2
	CodeForbidden        Code = 4<<5 | 3
	CodeNotFound         Code = 4<<5 | 4
	CodeMethodNotAllowed Code = 4<<5 | 5
	CodeRequestIncomplete Code = 4<<5 | 8
	CodeRequestTooLarge  Code = 4<<5 | 13

	CodeInternalError Code = 5<<5 | 0
)

var codeStrings = map[Code]string{
	CodeEmpty: "0.00 Empty", CodeGet: "0.01 GET", CodePost: "0.02 POST",
	CodePut: "0.03 PUT", CodeDelete: "0.04 DELETE",
	CodeCreated: "2.01 Created", CodeDeleted: "2.02 Deleted", CodeValid: "2.03 Valid",
	CodeChanged: "2.04 Changed", CodeContent: "2.05 Content", CodeContinue: "2.31 Continue",
	CodeBadRequest: "4.00 Bad Request", CodeUnauthorized: "4.01 Unauthorized",
	CodeBadOption: "4.02 Bad Option", CodeForbidden: "4.03 Forbidden",
	CodeNotFound: "4.04 Not Found", CodeMethodNotAllowed: "4.05 Method Not Allowed",
	CodeRequestIncomplete: "4.08 Request Entity Incomplete",
	CodeRequestTooLarge:   "4.13 Request Entity Too Large",
	CodeInternalError:     "5.00 Internal Server Error",
}

// Type/Code/MessageID/Token accessors. Options and Payload are exposed
// directly as fields via the Options()/Payload() pair below so callers
// never mutate a queued message's option list out from under the agent.

func (m *Message) Type() Type          { return m.hdr.typ }
func (m *Message) Code() Code          { return m.hdr.code }
func (m *Message) MessageID() uint16   { return m.hdr.messageID }
func (m *Message) Token() []byte       { return m.token }
func (m *Message) SubType() SubType    { return m.subType }
func (m *Message) Priority() Priority  { return m.priority }
func (m *Message) Payload() []byte     { return m.payload }
func (m *Message) Options() Options    { return m.options }
func (m *Message) IsConfirmable() bool { return m.hdr.typ == TypeConfirmable }

func (m *Message) SetType(t Type)           { m.hdr.typ = t }
func (m *Message) SetCode(c Code)           { m.hdr.code = c }
func (m *Message) SetMessageID(id uint16)   { m.hdr.messageID = id }
func (m *Message) SetSubType(s SubType)     { m.subType = s }
func (m *Message) SetPriority(p Priority)   { m.priority = p }
func (m *Message) SetPayload(b []byte)      { m.payload = b }

func (m *Message) SetToken(tok []byte) error {
	if len(tok) > 8 {
		return ErrInvalidArgs
	}
	m.token = append([]byte(nil), tok...)
	return nil
}

// AddOption appends an option. Options MUST be added in ascending option
// number order; RFC 7252 delta-encodes option numbers on the wire, and
// Encode refuses to emit an out-of-order option list. InsertOption exists
// for the one documented exception (block-wise re-sends that must splice
// a new Block1/Block2 option into an existing, already-ordered list).
func (m *Message) AddOption(number OptionNumber, value []byte) error {
	if len(m.options) > 0 && number < m.options[len(m.options)-1].Number {
		return ErrInvalidArgs
	}
	if len(value) > 0xffff {
		return ErrNoBufs
	}
	m.options = append(m.options, Option{Number: number, Value: value})
	return nil
}

func (m *Message) AddUintOption(number OptionNumber, value uint32) error {
	return m.AddOption(number, encodeUint(value))
}

// InsertOption inserts an option keeping the list sorted, used by the
// block-wise sender when cloning a request and swapping in the next
// Block1 option (spec.md §4.6).
func (m *Message) InsertOption(number OptionNumber, value []byte) {
	opt := Option{Number: number, Value: value}
	idx := len(m.options)
	for i, o := range m.options {
		if o.Number > number {
			idx = i
			break
		}
	}
	m.options = append(m.options, Option{})
	copy(m.options[idx+1:], m.options[idx:])
	m.options[idx] = opt
}

// RemoveOptions drops every occurrence of the given option number, used
// before splicing in a replacement Block1/Block2 option.
func (m *Message) RemoveOptions(numbers ...OptionNumber) {
	skip := make(map[OptionNumber]bool, len(numbers))
	for _, n := range numbers {
		skip[n] = true
	}
	out := m.options[:0]
	for _, o := range m.options {
		if !skip[o.Number] {
			out = append(out, o)
		}
	}
	m.options = out
}

// FindOption returns the first option matching number, if any.
func (m *Message) FindOption(number OptionNumber) (Option, bool) {
	for _, o := range m.options {
		if o.Number == number {
			return o, true
		}
	}
	return Option{}, false
}

// Clone produces an independent copy of the message suitable for
// retransmission or response-cache storage: a deep copy of the header,
// token, options and payload but a fresh (non-queued, untracked) identity.
func (m *Message) Clone() *Message {
	c := &Message{
		hdr:      m.hdr,
		token:    append([]byte(nil), m.token...),
		options:  append(Options(nil), m.options...),
		payload:  append([]byte(nil), m.payload...),
		subType:  m.subType,
		priority: m.priority,
		pool:     m.pool,
	}
	if m.pool != nil {
		c.refs = atomic.NewInt32(1)
	}
	return c
}

// Free releases the message back to its owning pool once the last
// reference is gone. Messages not obtained from a Pool (e.g. ones built
// directly in tests) are no-ops.
func (m *Message) Free() {
	if m.pool == nil || m.refs == nil {
		return
	}
	if m.refs.Dec() <= 0 {
		m.pool.release(m)
	}
}

// holdRef bumps the refcount for the "cloned for retransmit" sharing case
// described in spec.md §3, where the stored pending-request copy and an
// in-flight transmit share one buffer instead of deep-copying twice.
func (m *Message) holdRef() *Message {
	if m.refs != nil {
		m.refs.Inc()
	}
	return m
}
