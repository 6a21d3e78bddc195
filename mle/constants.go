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

// Package mle implements the router-table bookkeeping a Thread router or
// leader keeps for MLE (Mesh Link Establishment): router-id allocation with
// reuse delay, path-cost computation, and Route64 TLV fill/consume.
package mle

// Router-table sizing and timing, reproduced verbatim from
// original_source/src/core/thread/mle_constants.hpp.
const (
	MaxRouters         = 32
	MaxRouterID        = 62
	InvalidRouterID    = MaxRouterID + 1
	RouterIDReuseDelay = 100 // seconds

	MaxRouteCost = 16
)

// Per-link-quality cost table (mle_constants.hpp).
const (
	LinkQuality3Cost = 1
	LinkQuality2Cost = 2
	LinkQuality1Cost = 4
	LinkQuality0Cost = 16
)

// MaxRoutersInRouteTlvForLinkAccept bounds how many router entries a Route64
// TLV attached to a Link Accept may carry; exceeding it truncates the TLV
// and rolls the router-id sequence back by LinkAcceptSequenceRollback so the
// recipient re-processes a full Route64 on the next exchange. The original's
// build-time value was not present in the retained source excerpt; 9 matches
// the public OpenThread default and is recorded as an explicit decision in
// DESIGN.md.
const MaxRoutersInRouteTlvForLinkAccept = 9

// LinkAcceptSequenceRollback is subtracted from the router-id sequence
// number stamped on a truncated Route64 TLV.
const LinkAcceptSequenceRollback = 1

// LinkQuality is the 2-bit link-quality-indicator Thread's radio layer
// reports for a neighbor.
type LinkQuality uint8

const (
	LinkQuality0 LinkQuality = iota
	LinkQuality1
	LinkQuality2
	LinkQuality3
)

// Cost returns the link cost original_source/mle_constants.hpp associates
// with this quality level.
func (q LinkQuality) Cost() uint8 {
	switch q {
	case LinkQuality3:
		return LinkQuality3Cost
	case LinkQuality2:
		return LinkQuality2Cost
	case LinkQuality1:
		return LinkQuality1Cost
	default:
		return LinkQuality0Cost
	}
}

// Role is this device's role in the Thread mesh, which changes how
// PathCost is computed.
type Role uint8

const (
	RoleChild Role = iota
	RoleRouter
	RoleLeader
)

// RlocFromRouterID packs a router id into the router-locator form (the
// high 6 bits of an RLOC16), matching Mle::Rloc16FromRouterId.
func RlocFromRouterID(id uint8) uint16 { return uint16(id) << 10 }

// RouterIDFromRloc unpacks the router id from an RLOC16.
func RouterIDFromRloc(rloc16 uint16) uint8 { return uint8(rloc16 >> 10) }

// IsRouterRloc reports whether rloc16 names a router itself rather than one
// of its attached children (the low 10 bits, the child id, are zero).
func IsRouterRloc(rloc16 uint16) bool { return rloc16&0x3ff == 0 }
