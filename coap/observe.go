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

// ObserveMaxValue is the modulus RFC 7641 §3.4 wraps the Observe option's
// sequence counter at (2^24).
const ObserveMaxValue = 1 << 24

// ObserveSequencer hands out the monotonically-increasing (mod 2^24)
// sequence numbers a resource stamps onto every notification it emits, so
// a client can tell stale reorderings from the freshest update.
type ObserveSequencer struct {
	n *atomic.Uint32
}

// NewObserveSequencer returns a sequencer whose first Next value is 1.
func NewObserveSequencer() *ObserveSequencer {
	return &ObserveSequencer{n: atomic.NewUint32(0)}
}

// Next returns the next sequence value to stamp on an Observe option.
func (s *ObserveSequencer) Next() uint32 {
	return s.n.Inc() % ObserveMaxValue
}

// IsObserveNotification reports whether resp carries an Observe option,
// i.e. is a subscription update rather than a one-shot response.
func IsObserveNotification(resp *Message) bool {
	_, has := resp.Options().Observe()
	return has
}

// IsObserveCancellation reports whether req is a GET carrying Observe=1,
// the wire signal a client uses to cancel a subscription (spec.md §4.3).
func IsObserveCancellation(req *Message) bool {
	if req.Code() != CodeGet {
		return false
	}
	v, has := req.Options().Observe()
	return has && v == 1
}
