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

// ResponseHandler is invoked when a response (or a timeout/abort) arrives
// for a tracked request. resp is nil on timeout/abort; result carries
// which of those it was.
type ResponseHandler func(resp *Message, result Error)

// BlockTransmitHook supplies the next chunk of a large request body for
// the block-wise sender (spec.md §4.6). It must return io.EOF-free chunks
// up to maxLen bytes and report whether more chunks remain.
type BlockTransmitHook func(blockNum uint32, maxLen int) (chunk []byte, more bool, err error)

// BlockReceiveHook consumes one chunk of a large request/response body
// for the block-wise receiver/server.
type BlockReceiveHook func(offset uint32, chunk []byte, more bool) error

// requestCallbacks bundles the caller-supplied hooks a tracked request
// carries in its footer (spec.md §3).
type requestCallbacks struct {
	handler       ResponseHandler
	blockTransmit BlockTransmitHook
	blockReceive  BlockReceiveHook
}

// pendingTable is the intrusive FIFO of outstanding requests described in
// spec.md §4.5, iterated by the retransmission timer and by the response
// dispatcher. It never locks: only the single cooperative context that
// owns the Agent touches it.
type pendingTable struct {
	queue Queue
}

// add enqueues a newly tracked request copy.
func (t *pendingTable) add(m *Message) {
	t.queue.Enqueue(m)
}

// findAck finds a pending request matching an ACK/RST by {message-id,
// peer} with the leniency rule from spec.md §4.3.
func (t *pendingTable) findAck(messageID uint16, peerAddr string) *Message {
	var found *Message
	t.queue.Each(func(m *Message) {
		if found != nil || m.meta == nil {
			return
		}
		// ACK/RST correlation is always by message-id regardless of
		// whether the original send assigned a token.
		if wireMessageID(m) == messageID && peerMatches(m.meta.peerAddr, peerAddr) {
			found = m
		}
	})
	return found
}

// findResponse finds a pending request matching a CON/NON response by
// token, with the same peer leniency.
func (t *pendingTable) findResponse(token []byte, peerAddr string) *Message {
	var found *Message
	t.queue.Each(func(m *Message) {
		if found != nil || m.meta == nil {
			return
		}
		if tokensEqual(m.token, token) && peerMatches(m.meta.peerAddr, peerAddr) {
			found = m
		}
	})
	return found
}

func tokensEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// wireMessageID is split out because block-wise resends clone the
// original message but must keep replying to the message-id the server
// last saw; the stored pending copy's own hdr.messageID is always the
// one that matters for ACK/RST correlation.
func wireMessageID(m *Message) uint16 { return m.hdr.messageID }

// remove detaches m from the table; called once a request is finalized
// (delivered, timed out, or aborted) so the footer can be stripped and
// the message freed, per the invariant in spec.md §3.
func (t *pendingTable) remove(m *Message) {
	t.queue.Remove(m)
	m.meta = nil
}

// earliestFireTime returns the minimum timer_fire_time across all
// tracked, non-observe-subscription requests, or 0 with ok=false if the
// table is empty of such entries.
func (t *pendingTable) earliestFireTime() (ms uint32, ok bool) {
	t.queue.Each(func(m *Message) {
		if m.meta == nil || m.meta.observe {
			return
		}
		if !ok || Before(m.meta.timerFireTime, ms) {
			ms = m.meta.timerFireTime
			ok = true
		}
	})
	return
}

func (t *pendingTable) len() int { return t.queue.Len() }
