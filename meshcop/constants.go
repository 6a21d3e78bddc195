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

// Package meshcop implements the Thread Mesh Commissioning Protocol: the
// Commissioner/Joiner bootstrap FSM, the Joiner-Router DTLS relay, and the
// operational dataset that gets entrusted to a newly admitted joiner.
package meshcop

import "time"

// Constants reproduced from original_source/src/core/meshcop/commissioner.hpp
// and joiner.hpp.
const (
	// MaxPskLength bounds a joiner PSK, excluding the trailing NUL the C++
	// original budgets for; this repo stores PSKs as plain byte slices so
	// the bound applies to len(psk) directly.
	MaxPskLength = 32

	// PetitionRetryCount is how many petition attempts in total, the first
	// send included, the commissioner makes before giving up and returning
	// to Disabled.
	PetitionRetryCount = 2

	// KeepAliveTimeoutFactor: the keep-alive timer fires at
	// KeepAliveTimeout/KeepAliveTimeoutFactor, well before the leader's own
	// keep-alive timeout would expire the session.
	KeepAliveTimeoutFactor = 2

	// RemoveJoinerDelay is how long after a successful (non-wildcard)
	// finalize a joiner table entry is kept before automatic removal.
	RemoveJoinerDelay = 20 * time.Second

	// JoinerEntrustTxDelay is the fixed delay after a successful finalize
	// before the joiner-router sends the entrust message.
	JoinerEntrustTxDelay = 500 * time.Millisecond

	// DefaultKeepAliveTimeout matches the original's default commissioner
	// dataset timeout; KeepAliveTimeoutFactor divides it for the local
	// keep-alive timer.
	DefaultKeepAliveTimeout = 50 * time.Second
)

// State is the Commissioner's top-level FSM state (spec.md §4.8).
type State uint8

const (
	StateDisabled State = iota
	StatePetitioning
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StatePetitioning:
		return "petitioning"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// JoinerEvent is signaled as the per-joiner DTLS/finalize sequence
// advances, named after the original's JoinerEvent enum.
type JoinerEvent uint8

const (
	JoinerEventStart JoinerEvent = iota
	JoinerEventConnected
	JoinerEventFinalize
	JoinerEventEnd
)

// JoinerState is the device-side (Joiner) FSM state.
type JoinerState uint8

const (
	JoinerStateIdle JoinerState = iota
	JoinerStateDiscover
	JoinerStateConnecting
	JoinerStateConnected
	JoinerStateEntrust
	JoinerStateJoined
)

func (s JoinerState) String() string {
	switch s {
	case JoinerStateIdle:
		return "idle"
	case JoinerStateDiscover:
		return "discover"
	case JoinerStateConnecting:
		return "connecting"
	case JoinerStateConnected:
		return "connected"
	case JoinerStateEntrust:
		return "entrust"
	case JoinerStateJoined:
		return "joined"
	default:
		return "unknown"
	}
}

// TMF resource paths used by the commissioner/joiner-router exchange.
const (
	PathRelayRx        = "c/rx"
	PathRelayTx        = "c/tx"
	PathJoinerFinalize = "c/jf"
	PathJoinerEntrust  = "c/je"
	PathDatasetChanged = "c/dc"
	PathPetition       = "c/cp"
	PathKeepAlive      = "c/ca"
)
