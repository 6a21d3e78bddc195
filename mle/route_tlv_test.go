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

import (
	"math/rand"
	"testing"
)

func TestRouteTlvEncodeDecodeRoundTrip(t *testing.T) {
	rt := NewRouterTable(rand.New(rand.NewSource(1)))
	rt.SelfRouterID = 0
	rt.Role = RoleLeader
	r1, _ := rt.Allocate()
	r1.IsNeighbor = true
	r1.LinkQualityIn = LinkQuality3
	r1.LinkQualityOut = LinkQuality2
	r2, _ := rt.Allocate()
	r2.NextHopRouterID = r1.RouterID
	r2.Cost = 3

	tlv := rt.Fill(false, rt.SelfRouterID)
	encoded := tlv.Encode(false)
	decoded, err := DecodeRouteTlv(encoded, false)
	if err != nil {
		t.Fatalf("DecodeRouteTlv: %v", err)
	}
	if decoded.RouterIDSequence != tlv.RouterIDSequence {
		t.Fatalf("sequence = %d, want %d", decoded.RouterIDSequence, tlv.RouterIDSequence)
	}
	if len(decoded.Entries) != len(tlv.Entries) {
		t.Fatalf("entries = %d, want %d", len(decoded.Entries), len(tlv.Entries))
	}
	for i, e := range tlv.Entries {
		got := decoded.Entries[i]
		if got != e {
			t.Fatalf("entry %d = %+v, want %+v", i, got, e)
		}
	}
}

func TestRouteTlvTruncatedForLinkAccept(t *testing.T) {
	rt := NewRouterTable(rand.New(rand.NewSource(2)))
	rt.SelfRouterID = 0
	rt.Role = RoleLeader
	var leader uint8 = 0

	const extra = MaxRoutersInRouteTlvForLinkAccept + 5
	for i := 0; i < extra; i++ {
		r, err := rt.Allocate()
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		r.Cost = MaxRouteCost // no usable path, a drop candidate
	}

	full := rt.Fill(false, leader)
	if len(full.Entries) <= MaxRoutersInRouteTlvForLinkAccept {
		t.Fatalf("expected the untruncated fill to exceed the link-accept cap, got %d entries", len(full.Entries))
	}

	truncated := rt.Fill(true, leader)
	if len(truncated.Entries) > MaxRoutersInRouteTlvForLinkAccept {
		t.Fatalf("truncated fill has %d entries, want <= %d", len(truncated.Entries), MaxRoutersInRouteTlvForLinkAccept)
	}
	if truncated.RouterIDSequence != full.RouterIDSequence-LinkAcceptSequenceRollback {
		t.Fatalf("truncated sequence = %d, want %d", truncated.RouterIDSequence, full.RouterIDSequence-LinkAcceptSequenceRollback)
	}
	foundSelf := false
	for _, e := range truncated.Entries {
		if e.RouterID == rt.SelfRouterID {
			foundSelf = true
		}
	}
	if !foundSelf {
		t.Fatalf("truncated TLV must always retain the self entry")
	}
}

func TestConsumeInvalidatesRouteNoLongerClaimed(t *testing.T) {
	rt := NewRouterTable(rand.New(rand.NewSource(3)))
	rt.SelfRouterID = 0
	rt.Role = RoleLeader

	neighbor, _ := rt.Allocate()
	neighbor.IsNeighbor = true
	neighbor.LinkQualityOut = LinkQuality3

	dest, _ := rt.Allocate()
	dest.NextHopRouterID = neighbor.RouterID
	dest.Cost = 2

	// Neighbor readvertises without dest: dest's route via the neighbor
	// should be invalidated.
	tlv := RouteTlv{RouterIDSequence: 5, Entries: []RouteEntry{
		{RouterID: neighbor.RouterID, LinkQualityIn: LinkQuality3, LinkQualityOut: LinkQuality3},
	}}
	rt.Consume(neighbor.RouterID, tlv)

	if dest.NextHopRouterID != InvalidRouterID {
		t.Fatalf("dest's next hop should be invalidated once the neighbor stops claiming it")
	}
	if dest.Cost != MaxRouteCost {
		t.Fatalf("dest's cost should reset to MaxRouteCost once unreachable, got %d", dest.Cost)
	}
}
