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

// idGenerator hands out monotonically increasing message-ids and opaque
// tokens for outgoing CON/NON requests. It is process-wide from the
// Agent's point of view (one counter per Agent instance, per spec.md §3):
// wrap-around at 16 bits is expected and harmless since peer dedup keys on
// {peer, message-id} with recency, not on global uniqueness.
type idGenerator struct {
	messageID *atomic.Uint32
	token     *atomic.Uint64
}

func newIDGenerator(seed uint16) *idGenerator {
	g := &idGenerator{
		messageID: atomic.NewUint32(uint32(seed)),
		token:     atomic.NewUint64(0),
	}
	return g
}

// nextMessageID returns the next 16-bit message-id, wrapping silently.
func (g *idGenerator) nextMessageID() uint16 {
	return uint16(g.messageID.Inc())
}

// nextToken returns the next token as a minimal big-endian encoding of a
// monotonic counter, 0..8 bytes, the same scheme the teacher's CoAP/HTTP
// bridge used for its own token allocator.
func (g *idGenerator) nextToken() []byte {
	v := g.token.Inc()
	return encodeToken(v)
}

func encodeToken(v uint64) []byte {
	var buf [8]byte
	n := 0
	for v > 0 {
		buf[n] = byte(v)
		v >>= 8
		n++
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = buf[n-1-i]
	}
	return out
}
