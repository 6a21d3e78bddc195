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

package mle

import "errors"

// ErrInvalidTlv is returned when a Route64 TLV cannot be decoded.
var ErrInvalidTlv = errors.New("invalid route64 tlv")

// RouteEntry is one router's slot within a Route64 TLV: either the packed
// short form (shared link-quality-in/out plus a 4-bit cost) or the 2-byte
// long form used when LongRoutesEnabled is set, per mle_tlvs.hpp.
type RouteEntry struct {
	RouterID       uint8
	LinkQualityIn  LinkQuality
	LinkQualityOut LinkQuality
	RouteCost      uint8
}

// RouteTlv is the decoded form of a Route64 TLV: a router-id sequence
// number, the 8-byte router-id-mask bitmap, and one RouteEntry per set bit.
type RouteTlv struct {
	RouterIDSequence uint8
	Entries          []RouteEntry
}

func routerIDMaskSet(mask *[8]byte, id uint8) {
	mask[id/8] |= 0x80 >> (id % 8)
}

func routerIDMaskGet(mask [8]byte, id uint8) bool {
	return mask[id/8]&(0x80>>(id%8)) != 0
}

// Fill builds a Route64 TLV from the live table in ascending router-id
// order, following FillRouteTlv in router_table.cpp. When forLinkAccept is
// true and the router count still exceeds MaxRoutersInRouteTlvForLinkAccept,
// dropLowestPriority drops entries until the count fits: self and the
// leader always stay, routers advertising MaxRouteCost go first, then the
// highest-cost remaining ones. Whether a router is a direct neighbor plays
// no part in the choice. The stamped sequence
// number is rolled back by LinkAcceptSequenceRollback so the peer knows the
// TLV it received was truncated and must not replace its full route cache.
func (t *RouterTable) Fill(forLinkAccept bool, leaderRouterID uint8) RouteTlv {
	entries := make([]RouteEntry, 0, len(t.routers)+1)

	selfEntry := RouteEntry{RouterID: t.SelfRouterID, LinkQualityIn: LinkQuality3, LinkQualityOut: LinkQuality3}
	entries = append(entries, selfEntry)
	for _, r := range t.routers {
		entries = append(entries, RouteEntry{
			RouterID:       r.RouterID,
			LinkQualityIn:  r.LinkQualityIn,
			LinkQualityOut: r.LinkQualityOut,
			RouteCost:      r.Cost,
		})
	}

	sortEntriesByRouterID(entries)

	sequence := t.Sequence()
	if forLinkAccept && len(entries) > MaxRoutersInRouteTlvForLinkAccept {
		entries = dropLowestPriority(entries, t.SelfRouterID, leaderRouterID, MaxRoutersInRouteTlvForLinkAccept)
		sequence -= LinkAcceptSequenceRollback
	}

	return RouteTlv{RouterIDSequence: sequence, Entries: entries}
}

func sortEntriesByRouterID(e []RouteEntry) {
	for i := 1; i < len(e); i++ {
		for j := i; j > 0 && e[j].RouterID < e[j-1].RouterID; j-- {
			e[j], e[j-1] = e[j-1], e[j]
		}
	}
}

// dropLowestPriority removes entries until at most max remain, always
// keeping self, the leader, and any entry with a non-maximum route cost
// (i.e. a router we actually have a usable path to).
func dropLowestPriority(entries []RouteEntry, self, leader uint8, max int) []RouteEntry {
	kept := make([]RouteEntry, 0, len(entries))
	dropped := make([]RouteEntry, 0, len(entries))
	for _, e := range entries {
		if e.RouterID == self || e.RouterID == leader || e.RouteCost < MaxRouteCost {
			kept = append(kept, e)
		} else {
			dropped = append(dropped, e)
		}
	}
	for len(kept) > max {
		// Still over budget even after keeping only useful routes; trim
		// the worst-cost kept entries that aren't self or the leader.
		worst := -1
		for i, e := range kept {
			if e.RouterID == self || e.RouterID == leader {
				continue
			}
			if worst == -1 || e.RouteCost > kept[worst].RouteCost {
				worst = i
			}
		}
		if worst == -1 {
			break
		}
		kept = append(kept[:worst], kept[worst+1:]...)
	}
	for len(kept) > max {
		kept = kept[:max]
	}
	return kept
}

// Encode serializes the TLV value (without the outer type/length header)
// per mle_tlvs.hpp's RouteTlv layout: 1 byte sequence, 8 byte mask, then
// one packed route-data byte (two in the long form) per set bit in
// ascending router-id order.
func (rt RouteTlv) Encode(longRoutes bool) []byte {
	var mask [8]byte
	for _, e := range rt.Entries {
		routerIDMaskSet(&mask, e.RouterID)
	}

	out := make([]byte, 0, 1+8+len(rt.Entries)*2)
	out = append(out, rt.RouterIDSequence)
	out = append(out, mask[:]...)
	for _, e := range rt.Entries {
		if longRoutes {
			out = append(out, encodeLongRouteData(e)...)
		} else {
			out = append(out, encodeShortRouteData(e))
		}
	}
	return out
}

func encodeShortRouteData(e RouteEntry) byte {
	return uint8(e.LinkQualityIn)<<6 | uint8(e.LinkQualityOut)<<4 | (e.RouteCost & 0x0f)
}

func decodeShortRouteData(b byte) (LinkQuality, LinkQuality, uint8) {
	return LinkQuality(b >> 6 & 0x3), LinkQuality(b >> 4 & 0x3), b & 0x0f
}

// encodeLongRouteData packs the 2-byte long form: 2 bits in-quality, 2 bits
// out-quality, 4 reserved zero bits, then an 8-bit cost - used once a
// mesh grows past the 15-hop short-form cost ceiling.
func encodeLongRouteData(e RouteEntry) []byte {
	return []byte{uint8(e.LinkQualityIn)<<6 | uint8(e.LinkQualityOut)<<4, e.RouteCost}
}

func decodeLongRouteData(b []byte) (LinkQuality, LinkQuality, uint8) {
	return LinkQuality(b[0] >> 6 & 0x3), LinkQuality(b[0] >> 4 & 0x3), b[1]
}

// DecodeRouteTlv parses a Route64 TLV value as produced by Encode.
func DecodeRouteTlv(value []byte, longRoutes bool) (RouteTlv, error) {
	if len(value) < 1+8 {
		return RouteTlv{}, ErrInvalidTlv
	}
	rt := RouteTlv{RouterIDSequence: value[0]}
	var mask [8]byte
	copy(mask[:], value[1:9])

	stride := 1
	if longRoutes {
		stride = 2
	}
	off := 9
	for id := 0; id <= MaxRouterID; id++ {
		if !routerIDMaskGet(mask, uint8(id)) {
			continue
		}
		if off+stride > len(value) {
			return RouteTlv{}, ErrInvalidTlv
		}
		var in, out LinkQuality
		var cost uint8
		if longRoutes {
			in, out, cost = decodeLongRouteData(value[off : off+2])
		} else {
			in, out, cost = decodeShortRouteData(value[off])
		}
		rt.Entries = append(rt.Entries, RouteEntry{RouterID: uint8(id), LinkQualityIn: in, LinkQualityOut: out, RouteCost: cost})
		off += stride
	}
	return rt, nil
}

// Consume applies a received Route64 TLV from neighborID, following the
// neighbor-side update algorithm in spec.md §4.10: snapshot which router ids
// were reachable through neighborID before the update, apply the new
// cost/next-hop for every advertised entry, then invalidate any
// previously-via-neighborID route whose destination the TLV no longer
// claims to reach. The neighbor's own self-referential entry in the TLV
// (RouteCost 0, its own router id) updates our link-quality-in for it.
func (t *RouterTable) Consume(neighborID uint8, tlv RouteTlv) {
	wasViaNeighbor := make(map[uint8]bool)
	for _, r := range t.routers {
		if r.NextHopRouterID == neighborID {
			wasViaNeighbor[r.RouterID] = true
		}
	}

	claimed := make(map[uint8]bool, len(tlv.Entries))
	for _, e := range tlv.Entries {
		claimed[e.RouterID] = true
		if e.RouterID == t.SelfRouterID {
			continue
		}
		if e.RouterID == neighborID {
			if n := t.FindByID(neighborID); n != nil {
				n.LinkQualityIn = e.LinkQualityIn
			}
			continue
		}
		r := t.FindByID(e.RouterID)
		if r == nil {
			continue
		}
		if r.IsNeighbor {
			// A direct radio neighbor's cost comes from our own
			// measurements, not the peer's advertisement.
			continue
		}
		r.NextHopRouterID = neighborID
		r.Cost = e.RouteCost
	}

	for id := range wasViaNeighbor {
		if !claimed[id] {
			if r := t.FindByID(id); r != nil {
				r.NextHopRouterID = InvalidRouterID
				r.Cost = MaxRouteCost
			}
		}
	}
}
