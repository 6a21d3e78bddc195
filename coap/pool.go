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

// DefaultPoolCapacity mirrors the fixed-size message-buffer table an
// embedded build would carve out of static RAM. The Go pool does not
// pre-allocate (the host has a heap), but it enforces the same ceiling so
// NewMessage behaves identically to the constrained target: callers must
// handle ErrNoBufs.
const DefaultPoolCapacity = 32

// Pool is a reference-counted message allocator. One Pool backs one
// Instance-equivalent (one Agent, in this port); it is only ever touched
// from the single cooperative execution context described in spec.md §5,
// so it carries no locks.
type Pool struct {
	capacity  int
	allocated int
}

// NewPool creates a pool bounded to capacity messages outstanding at once.
// A capacity of 0 selects DefaultPoolCapacity.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}
	return &Pool{capacity: capacity}
}

// NewMessage allocates an empty message of the given type/code, ready for
// options to be appended. Returns ErrNoBufs once the pool is exhausted.
func (p *Pool) NewMessage(typ Type, code Code) (*Message, error) {
	if p.allocated >= p.capacity {
		return nil, ErrNoBufs
	}
	p.allocated++
	m := &Message{
		hdr:  header{version: 1, typ: typ, code: code},
		pool: p,
		refs: atomic.NewInt32(1),
	}
	return m, nil
}

// Clone is like Message.Clone but accounts the new message against this
// pool's capacity, matching the "cloned for retransmit" lifecycle in
// spec.md §3 (a clone occupies a real buffer slot, it isn't free).
func (p *Pool) Clone(m *Message) (*Message, error) {
	if p.allocated >= p.capacity {
		return nil, ErrNoBufs
	}
	p.allocated++
	c := m.Clone()
	c.pool = p
	c.refs = atomic.NewInt32(1)
	return c, nil
}

func (p *Pool) release(m *Message) {
	if p.allocated > 0 {
		p.allocated--
	}
	m.pool = nil
	m.next = nil
	m.meta = nil
}

// InUse reports how many buffers are currently checked out, useful for
// tests asserting no leaks after ClearAllRequestsAndResponses.
func (p *Pool) InUse() int { return p.allocated }
