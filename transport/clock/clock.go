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

// Package clock is a reference coap.Clock/coap.Timer pair backed by the
// real monotonic wall clock, for running the core outside of tests.
package clock

import (
	"time"

	"github.com/openthread-go/corestack/coap"
)

// WallClock implements coap.Clock over time.Now, truncated to milliseconds
// since the clock was constructed so the 32-bit counter has headroom
// before it wraps.
type WallClock struct {
	start time.Time
}

// New returns a WallClock zeroed at the current instant.
func New() *WallClock { return &WallClock{start: time.Now()} }

// NowMs implements coap.Clock.
func (c *WallClock) NowMs() uint32 {
	return uint32(time.Since(c.start).Milliseconds())
}

// Alarm is a coap.Timer backed by time.AfterFunc; ScheduleFireAt always
// replaces any previously armed callback, per the coap.Timer contract.
type Alarm struct {
	clock *WallClock
	fn    func()
	timer *time.Timer
}

// NewAlarm returns an Alarm that calls fn (on its own goroutine, per
// time.AfterFunc) when it fires. Callers must hop back onto their single
// cooperative context before touching an Agent, same as transport/udp6.
func NewAlarm(clock *WallClock, fn func()) *Alarm {
	return &Alarm{clock: clock, fn: fn}
}

// ScheduleFireAt implements coap.Timer.
func (a *Alarm) ScheduleFireAt(ms uint32) {
	a.Stop()
	now := a.clock.NowMs()
	var d time.Duration
	if coap.Before(now, ms) {
		d = time.Duration(ms-now) * time.Millisecond
	}
	a.timer = time.AfterFunc(d, a.fn)
}

// Stop implements coap.Timer.
func (a *Alarm) Stop() {
	if a.timer != nil {
		a.timer.Stop()
	}
}
