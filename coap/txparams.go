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

import "math/rand"

// Transmission parameter defaults (RFC 7252 §4.8, reproduced verbatim in
// original_source/src/core/coap/coap.hpp's TxParameters).
const (
	DefaultAckTimeoutMs       = 2000
	DefaultAckRandomFactorNum = 3
	DefaultAckRandomFactorDen = 2
	DefaultMaxRetransmit      = 4
	DefaultMaxLatencyMs       = 100 * 1000
	MinAckTimeoutMs           = 1
	MaxRetransmitLimit        = 30
)

// TxParameters are the per-transaction retransmission knobs described in
// spec.md §4.2.
type TxParameters struct {
	AckTimeoutMs  uint32
	AckRandomNum  uint32
	AckRandomDen  uint32
	MaxRetransmit uint8
	MaxLatencyMs  uint32
}

// DefaultTxParameters returns the RFC 7252 default set.
func DefaultTxParameters() TxParameters {
	return TxParameters{
		AckTimeoutMs:  DefaultAckTimeoutMs,
		AckRandomNum:  DefaultAckRandomFactorNum,
		AckRandomDen:  DefaultAckRandomFactorDen,
		MaxRetransmit: DefaultMaxRetransmit,
		MaxLatencyMs:  DefaultMaxLatencyMs,
	}
}

// Validate enforces the constraints in spec.md §4.2. confirmable tells
// Validate whether a zero AckTimeoutMs is acceptable (only for
// non-confirmable "fire and forget" sends).
func (p TxParameters) Validate(confirmable bool) error {
	if p.AckRandomDen == 0 {
		return ErrInvalidArgs
	}
	if p.AckRandomNum < p.AckRandomDen {
		return ErrInvalidArgs
	}
	if p.MaxRetransmit > MaxRetransmitLimit {
		return ErrInvalidArgs
	}
	if confirmable && p.AckTimeoutMs < MinAckTimeoutMs {
		return ErrInvalidArgs
	}
	if !confirmable && p.AckTimeoutMs == 0 {
		return nil
	}
	if p.AckTimeoutMs < MinAckTimeoutMs {
		return ErrInvalidArgs
	}
	return nil
}

// InitialAckTimeoutMs draws the first retransmission interval uniformly
// from [AckTimeoutMs, AckTimeoutMs*(num/den)] per RFC 7252 §4.8.
func (p TxParameters) InitialAckTimeoutMs(rng *rand.Rand) uint32 {
	lo := p.AckTimeoutMs
	hi := p.AckTimeoutMs * p.AckRandomNum / p.AckRandomDen
	if hi <= lo {
		return lo
	}
	span := hi - lo
	if rng == nil {
		return lo + span/2
	}
	return lo + uint32(rng.Int63n(int64(span)+1))
}

// ExchangeLifetimeMs implements the formula in spec.md §4.2:
//
//	ack_timeout * (2^(max_retx+1) - 1) * numer/denom + 2*max_latency + ack_timeout
func (p TxParameters) ExchangeLifetimeMs() uint32 {
	factor := uint64(1)<<uint(p.MaxRetransmit+1) - 1
	span := uint64(p.AckTimeoutMs) * factor * uint64(p.AckRandomNum) / uint64(p.AckRandomDen)
	return uint32(span) + 2*p.MaxLatencyMs + p.AckTimeoutMs
}

// MaxTransmitWaitMs implements spec.md §4.2's
//
//	ack_timeout * (2^(max_retx+2) - 1) * numer/denom
func (p TxParameters) MaxTransmitWaitMs() uint32 {
	factor := uint64(1)<<uint(p.MaxRetransmit+2) - 1
	span := uint64(p.AckTimeoutMs) * factor * uint64(p.AckRandomNum) / uint64(p.AckRandomDen)
	return uint32(span)
}
