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

// Clock is the monotonic millisecond platform clock consumed by the core
// (spec.md §6). Comparisons on the values it returns use modular
// arithmetic (Before), since the counter wraps.
type Clock interface {
	NowMs() uint32
}

// Before reports whether a happened strictly before b, tolerating 32-bit
// wraparound the way the platform HAL's monotonic counter does.
func Before(a, b uint32) bool {
	return int32(a-b) < 0
}

// Timer is the one-shot alarm the core arms against the platform clock.
// An Agent owns exactly one Timer, which drives both its retransmission
// sweep and response-cache expiry; ScheduleFireAt always replaces any
// previous arm rather than stacking callbacks.
type Timer interface {
	ScheduleFireAt(ms uint32)
	Stop()
}
