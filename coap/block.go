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
	"fmt"
)

// DefaultMaxBlockSize caps the block size the engine will ever negotiate,
// matching the configurable constant named in spec.md §3.
const DefaultMaxBlockSize = 1024

// szxForSize picks the largest SZX whose block size does not exceed max.
func szxForSize(max int) uint8 {
	szx := uint8(6)
	for szx > 0 && (1<<(szx+4)) > max {
		szx--
	}
	return szx
}

// blockwiseEngine implements RFC 7959 transmit/receive state machines for
// both client and server roles (spec.md §4.6). It keys server-side
// in-progress transfers by peer+token since "one outstanding block-wise
// transfer per peer endpoint at a time" (spec.md §3) is enforced by
// dropping any other entry for that peer when a new transfer starts.
type blockwiseEngine struct {
	maxBlockSize int
	server       map[string]*serverTransfer
}

type serverTransfer struct {
	peerKey      string
	token        []byte
	expectedNum  uint32
	szx          uint8
	lastResponse *Message
}

func newBlockwiseEngine(maxBlockSize int) *blockwiseEngine {
	if maxBlockSize <= 0 || maxBlockSize > DefaultMaxBlockSize {
		maxBlockSize = DefaultMaxBlockSize
	}
	return &blockwiseEngine{maxBlockSize: maxBlockSize, server: make(map[string]*serverTransfer)}
}

func transferKey(peerAddr string, token []byte) string {
	return fmt.Sprintf("%s#%x", peerAddr, token)
}

// errorResponse builds the coded empty-payload ACK returned in place of a
// dropped error when a block-wise failure has a well-defined CoAP response
// code (spec.md §4.6): RequestIncomplete for an out-of-order/missing block
// or unknown transfer, RequestTooLarge when the receive hook has no room.
func errorResponse(req *Message, pool *Pool, code Code) (*Message, error) {
	resp, err := pool.NewMessage(TypeAcknowledgement, code)
	if err != nil {
		return nil, err
	}
	resp.SetToken(req.Token())
	resp.SetMessageID(req.MessageID())
	return resp, nil
}

// StartSend prepares the first Block1-tagged chunk of an outgoing request
// body. msg must not yet carry a payload; on success msg carries Block1
// NUM=0 and the first chunk as payload, and msg's type is forced to
// Confirmable per the "block-wise messages must be confirmable" policy.
func (e *blockwiseEngine) StartSend(msg *Message, hook BlockTransmitHook) error {
	msg.SetType(TypeConfirmable)
	szx := szxForSize(e.maxBlockSize)
	chunk, more, err := hook(0, 1<<(szx+4))
	if err != nil {
		return err
	}
	opt := BlockOption{Num: 0, More: more, SZX: szx}
	val, err := opt.Encode()
	if err != nil {
		return err
	}
	msg.RemoveOptions(OptionBlock1)
	msg.InsertOption(OptionBlock1, val)
	msg.SetPayload(chunk)
	return nil
}

// ContinueSend is called when a 2.31 Continue carrying Block1 arrives for
// a request started by StartSend. It builds the next chunk's request:
// same token, all options preserved except Block1, a fresh Block1 option
// for NUM+1, and the next chunk from hook as payload. Returns
// ErrInvalidState if resp does not carry Block1.
func (e *blockwiseEngine) ContinueSend(original *Message, resp *Message, hook BlockTransmitHook) (*Message, error) {
	respBlock1, ok, err := resp.Options().GetBlock1()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidState
	}
	nextNum := respBlock1.Num + 1
	chunk, more, err := hook(nextNum, 1<<(respBlock1.SZX+4))
	if err != nil {
		return nil, err
	}
	next := original.Clone()
	next.SetType(TypeConfirmable)
	next.RemoveOptions(OptionBlock1, OptionBlock2)
	opt := BlockOption{Num: nextNum, More: more, SZX: respBlock1.SZX}
	val, err := opt.Encode()
	if err != nil {
		return nil, err
	}
	next.InsertOption(OptionBlock1, val)
	next.SetPayload(chunk)
	return next, nil
}

// NextBlock2Request crafts the follow-up GET for the next chunk of a
// large response body, once the receive hook has consumed the chunk
// carried by resp.
func (e *blockwiseEngine) NextBlock2Request(original *Message, resp *Message) (*Message, error) {
	respBlock2, ok, err := resp.Options().GetBlock2()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidState
	}
	next := original.Clone()
	next.SetType(TypeConfirmable)
	next.SetPayload(nil)
	next.RemoveOptions(OptionBlock1, OptionBlock2)
	opt := BlockOption{Num: respBlock2.Num + 1, More: false, SZX: respBlock2.SZX}
	val, err := opt.Encode()
	if err != nil {
		return nil, err
	}
	next.InsertOption(OptionBlock2, val)
	return next, nil
}

// ProcessBlock1Request implements the server-side upload path: feed the
// chunk to recv, and either respond 2.31 Continue (more chunks expected)
// or let the caller fall through to its regular resource handler for the
// final block. Returns the response to send immediately (a 2.31 Continue,
// or a 4.08 RequestIncomplete/4.13 RequestTooLarge on the two failure
// kinds named in spec.md §4.6), or nil if the caller should invoke its
// normal handler (final block, nothing cached).
func (e *blockwiseEngine) ProcessBlock1Request(req *Message, info MessageInfo, recv BlockReceiveHook, pool *Pool) (*Message, error) {
	block, ok, err := req.Options().GetBlock1()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	key := transferKey(info.PeerAddr, req.Token())
	t := e.server[key]
	if block.Num == 0 {
		for k, other := range e.server {
			if k != key && other.peerKey == info.PeerAddr {
				delete(e.server, k)
			}
		}
		t = &serverTransfer{peerKey: info.PeerAddr, token: req.Token(), expectedNum: 0, szx: block.SZX}
		e.server[key] = t
	}
	if t == nil || block.Num != t.expectedNum {
		delete(e.server, key)
		return errorResponse(req, pool, CodeRequestIncomplete)
	}
	offset := block.Num * uint32(block.Size())
	if err := recv(offset, req.Payload(), block.More); err != nil {
		delete(e.server, key)
		if errors.Is(err, ErrNoBufs) {
			return errorResponse(req, pool, CodeRequestTooLarge)
		}
		return nil, fmt.Errorf("recv hook failed: %w", err)
	}
	if !block.More {
		delete(e.server, key)
		return nil, nil // caller proceeds to the regular resource handler
	}
	t.expectedNum = block.Num + 1
	resp, err := pool.NewMessage(TypeAcknowledgement, CodeContinue)
	if err != nil {
		return nil, err
	}
	resp.SetToken(req.Token())
	resp.SetMessageID(req.MessageID())
	optVal, _ := block.Encode()
	resp.InsertOption(OptionBlock1, optVal)
	t.lastResponse = resp
	return resp, nil
}

// ProcessBlock2Request implements the server-side "give me the next
// chunk of the large response you already started sending me" path.
// Returns a 4.08 RequestIncomplete if the token names no in-progress
// transfer.
func (e *blockwiseEngine) ProcessBlock2Request(req *Message, info MessageInfo, xmit BlockTransmitHook, pool *Pool) (*Message, error) {
	block, ok, err := req.Options().GetBlock2()
	if err != nil || !ok || block.Num == 0 {
		return nil, nil
	}
	key := transferKey(info.PeerAddr, req.Token())
	t := e.server[key]
	if t == nil {
		return errorResponse(req, pool, CodeRequestIncomplete)
	}
	chunk, more, err := xmit(block.Num, block.Size())
	if err != nil {
		return nil, err
	}
	resp, err := pool.NewMessage(TypeAcknowledgement, CodeContent)
	if err != nil {
		return nil, err
	}
	resp.SetToken(req.Token())
	resp.SetMessageID(req.MessageID())
	if t.lastResponse != nil {
		for _, o := range t.lastResponse.Options() {
			if o.Number != OptionBlock1 && o.Number != OptionBlock2 {
				resp.AddOption(o.Number, o.Value)
			}
		}
	}
	opt := BlockOption{Num: block.Num, More: more, SZX: block.SZX}
	val, _ := opt.Encode()
	resp.InsertOption(OptionBlock2, val)
	resp.SetPayload(chunk)
	if more {
		t.lastResponse = resp
	} else {
		delete(e.server, key)
	}
	return resp, nil
}
