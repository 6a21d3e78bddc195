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

// Queue is an intrusive FIFO of Messages linked through Message.next. A
// message can sit on at most one Queue at a time, matching the invariant
// in spec.md §3; Queue never allocates.
type Queue struct {
	head, tail *Message
	count      int
}

func (q *Queue) Len() int { return q.count }

// Enqueue appends m to the tail. m must not already be queued.
func (q *Queue) Enqueue(m *Message) {
	m.next = nil
	if q.tail == nil {
		q.head, q.tail = m, m
	} else {
		q.tail.next = m
		q.tail = m
	}
	q.count++
}

// Dequeue pops the head, or returns nil if empty.
func (q *Queue) Dequeue() *Message {
	if q.head == nil {
		return nil
	}
	m := q.head
	q.head = m.next
	if q.head == nil {
		q.tail = nil
	}
	m.next = nil
	q.count--
	return m
}

// Remove splices m out of the queue wherever it sits. Returns false if m
// was not found (already removed, e.g. by a re-entrant handler cancelling
// its own transaction mid-walk).
func (q *Queue) Remove(m *Message) bool {
	var prev *Message
	cur := q.head
	for cur != nil {
		if cur == m {
			if prev == nil {
				q.head = cur.next
			} else {
				prev.next = cur.next
			}
			if cur == q.tail {
				q.tail = prev
			}
			cur.next = nil
			q.count--
			return true
		}
		prev = cur
		cur = cur.next
	}
	return false
}

// Each walks the queue front to back, invoking fn on every element. The
// next pointer is captured before fn runs so fn may safely call Remove on
// the element it was just given (the re-entrant self-cancel case in
// spec.md §4.5) without corrupting the walk.
func (q *Queue) Each(fn func(*Message)) {
	cur := q.head
	for cur != nil {
		next := cur.next
		fn(cur)
		cur = next
	}
}

// Clear empties the queue without freeing the messages; callers are
// expected to Free each one themselves (ClearAllRequestsAndResponses
// wants to finalize callbacks first).
func (q *Queue) Clear() {
	q.head, q.tail, q.count = nil, nil, 0
}
