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

func newTable(selfID uint8) *RouterTable {
	t := NewRouterTable(rand.New(rand.NewSource(1)))
	t.SelfRouterID = selfID
	t.Role = RoleLeader
	return t
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	rt := newTable(0)
	r, err := rt.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !rt.Allocated(r.RouterID) {
		t.Fatalf("router %d should be allocated", r.RouterID)
	}
	if err := rt.Release(r.RouterID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if rt.Allocated(r.RouterID) {
		t.Fatalf("router %d should no longer be allocated", r.RouterID)
	}
	if got := rt.ReuseDelay(r.RouterID); got != RouterIDReuseDelay {
		t.Fatalf("ReuseDelay = %d, want %d", got, RouterIDReuseDelay)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	rt := newTable(0)
	seen := map[uint8]bool{}
	for i := 0; i < MaxRouters; i++ {
		r, err := rt.Allocate()
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		if seen[r.RouterID] {
			t.Fatalf("router id %d allocated twice", r.RouterID)
		}
		seen[r.RouterID] = true
	}
	if _, err := rt.Allocate(); err != ErrNoBufs {
		t.Fatalf("expected ErrNoBufs once the table is full, got %v", err)
	}
}

// TestTwoRouterChainPathCost reproduces Scenario F from spec.md §8: a fresh
// leader with an empty table allocates a router-id, then builds a two-hop
// chain self -> r1 -> r2 over LQ3 links and checks the resulting path cost,
// then checks that releasing r1 makes r2 unreachable and arms its reuse
// delay.
func TestTwoRouterChainPathCost(t *testing.T) {
	rt := newTable(0)

	r1, err := rt.Allocate()
	if err != nil {
		t.Fatalf("Allocate r1: %v", err)
	}
	r1.IsNeighbor = true
	r1.LinkQualityIn = LinkQuality3
	r1.LinkQualityOut = LinkQuality3

	r2, err := rt.Allocate()
	if err != nil {
		t.Fatalf("Allocate r2: %v", err)
	}
	r2.IsNeighbor = false
	r2.NextHopRouterID = r1.RouterID
	r2.Cost = LinkQuality3Cost // r1's advertised cost to r2 is one LQ3 hop

	r2Rloc := RlocFromRouterID(r2.RouterID)
	if got := rt.PathCost(r2Rloc); got != 2 {
		t.Fatalf("path cost to r2 = %d, want 2", got)
	}

	if err := rt.Release(r1.RouterID); err != nil {
		t.Fatalf("Release r1: %v", err)
	}
	if got := rt.PathCost(r2Rloc); got != MaxRouteCost {
		t.Fatalf("path cost to r2 after releasing r1 = %d, want MaxRouteCost (%d)", got, MaxRouteCost)
	}
	if got := rt.ReuseDelay(r1.RouterID); got != RouterIDReuseDelay {
		t.Fatalf("reuse delay for r1 = %d, want %d", got, RouterIDReuseDelay)
	}
	if r2.NextHopRouterID != InvalidRouterID {
		t.Fatalf("r2's next hop should have been invalidated after r1 was released")
	}
}

func TestTickCountsDownReuseDelay(t *testing.T) {
	rt := newTable(0)
	r, _ := rt.Allocate()
	_ = rt.Release(r.RouterID)

	rt.Tick(40)
	if got := rt.ReuseDelay(r.RouterID); got != RouterIDReuseDelay-40 {
		t.Fatalf("ReuseDelay after 40s = %d, want %d", got, RouterIDReuseDelay-40)
	}
	rt.Tick(1000)
	if got := rt.ReuseDelay(r.RouterID); got != 0 {
		t.Fatalf("ReuseDelay should saturate at 0, got %d", got)
	}

	// Allocate picks uniformly among all free ids; hold every other id in
	// its reuse delay so the freed id is the only one it can pick.
	for id := range rt.reuse {
		if uint8(id) != r.RouterID {
			rt.reuse[id] = RouterIDReuseDelay
		}
	}

	r2, err := rt.Allocate()
	if err != nil {
		t.Fatalf("Allocate after reuse delay expired: %v", err)
	}
	if r2.RouterID != r.RouterID {
		t.Fatalf("expected the freed id %d to be reusable, got %d", r.RouterID, r2.RouterID)
	}
}

func TestChildPathCost(t *testing.T) {
	rt := newTable(5)
	rt.Role = RoleChild
	parent := &Router{RouterID: 3, LinkQualityOut: LinkQuality2, Cost: 1}
	rt.Parent = parent

	if got := rt.PathCost(RlocFromRouterID(3)); got != LinkQuality2Cost {
		t.Fatalf("path cost to parent = %d, want %d", got, LinkQuality2Cost)
	}
	if got := rt.PathCost(RlocFromRouterID(9)); got != LinkQuality2Cost+1 {
		t.Fatalf("path cost via parent = %d, want %d", got, LinkQuality2Cost+1)
	}
}
