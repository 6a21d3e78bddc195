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
	"errors"
	"math/rand"

	"go.uber.org/atomic"
)

var (
	ErrNoBufs   = errors.New("router table full")
	ErrNotFound = errors.New("no matching router id")
)

// Router is one entry in the table: either a direct radio neighbor or a
// multi-hop router reachable through one, per original_source's Router
// class in router_table.hpp.
type Router struct {
	RouterID        uint8
	NextHopRouterID uint8 // InvalidRouterID if none
	Cost            uint8 // this router's own advertised path cost to the destination
	LinkQualityIn   LinkQuality
	LinkQualityOut  LinkQuality
	IsNeighbor      bool // true for a direct radio link, false for multi-hop only
}

// RouterTable is the allocation-ordered router array plus the router-id
// map described in spec.md §4.10, owned by a single cooperative context
// (no locking).
type RouterTable struct {
	routers []*Router
	index   [MaxRouterID + 1]int8  // -1 if not allocated
	reuse   [MaxRouterID + 1]uint32 // seconds remaining before reuse, valid only if index[id] == -1

	sequence *atomic.Uint32

	rng *rand.Rand

	SelfRouterID      uint8
	Role              Role
	Parent            *Router // set when Role == RoleChild
	LongRoutesEnabled bool

	Log Logger
}

// Logger is the nil-safe sink RouterTable logs allocation/release/rollover
// events through.
type Logger interface {
	Printf(format string, v ...interface{})
}

// NewRouterTable returns an empty table with every router id free.
func NewRouterTable(rng *rand.Rand) *RouterTable {
	t := &RouterTable{sequence: atomic.NewUint32(0), rng: rng}
	for i := range t.index {
		t.index[i] = -1
	}
	return t
}

func (t *RouterTable) logf(format string, v ...interface{}) {
	if t.Log != nil {
		t.Log.Printf(format, v...)
	}
}

// Sequence returns the current router-id sequence number.
func (t *RouterTable) Sequence() uint8 { return uint8(t.sequence.Load()) }

// FindByID returns the router entry for id, or nil if unallocated.
func (t *RouterTable) FindByID(id uint8) *Router {
	if id > MaxRouterID || t.index[id] < 0 {
		return nil
	}
	return t.routers[t.index[id]]
}

// Allocated reports whether id currently names a live router.
func (t *RouterTable) Allocated(id uint8) bool {
	return id <= MaxRouterID && t.index[id] >= 0
}

// ReuseDelay reports the seconds remaining before a released id can be
// reallocated, or 0 if it is either allocated or free.
func (t *RouterTable) ReuseDelay(id uint8) uint32 {
	if id > MaxRouterID {
		return 0
	}
	return t.reuse[id]
}

// Allocate picks a uniformly random free router id (reservoir sampling over
// the 0..62 id space, per spec.md §4.10), bumps the router-id sequence and
// returns the new Router.
func (t *RouterTable) Allocate() (*Router, error) {
	if len(t.routers) >= MaxRouters {
		return nil, ErrNoBufs
	}
	var chosen int = -1
	seen := 0
	for id := 0; id <= MaxRouterID; id++ {
		if t.index[id] >= 0 || t.reuse[id] > 0 {
			continue
		}
		seen++
		if t.rng.Intn(seen) == 0 {
			chosen = id
		}
	}
	if chosen < 0 {
		return nil, ErrNoBufs
	}
	r := &Router{RouterID: uint8(chosen), NextHopRouterID: InvalidRouterID}
	t.routers = append(t.routers, r)
	t.index[chosen] = int8(len(t.routers) - 1)
	t.sequence.Inc()
	t.logf("allocated router id %d", chosen)
	return r, nil
}

// Release frees id: the table's last entry is moved into the freed slot
// (order doesn't matter, so this avoids shifting), the map is updated for
// the moved entry, id's reuse delay is armed, and every router's next-hop
// pointing at id is invalidated (spec.md §4.10).
func (t *RouterTable) Release(id uint8) error {
	if id > MaxRouterID || t.index[id] < 0 {
		return ErrNotFound
	}
	idx := t.index[id]
	last := len(t.routers) - 1
	if int(idx) != last {
		moved := t.routers[last]
		t.routers[idx] = moved
		t.index[moved.RouterID] = idx
	}
	t.routers = t.routers[:last]
	t.index[id] = -1
	t.reuse[id] = RouterIDReuseDelay

	for _, r := range t.routers {
		if r.NextHopRouterID == id {
			r.NextHopRouterID = InvalidRouterID
		}
	}
	t.sequence.Inc()
	t.logf("released router id %d, reuse delay armed", id)
	return nil
}

// Tick decrements every armed reuse-delay counter by elapsedSeconds,
// saturating at 0, mirroring HandleTimeTick in router_table.cpp.
func (t *RouterTable) Tick(elapsedSeconds uint32) {
	for id := range t.reuse {
		if t.reuse[id] == 0 {
			continue
		}
		if t.reuse[id] <= elapsedSeconds {
			t.reuse[id] = 0
		} else {
			t.reuse[id] -= elapsedSeconds
		}
	}
}

// PathCost computes the path cost to destRloc16, following the four-way
// split in spec.md §4.10: self, child-role, router/leader-role, and the
// best-link addition for a destination that is itself a child.
func (t *RouterTable) PathCost(destRloc16 uint16) uint8 {
	destRouterID := RouterIDFromRloc(destRloc16)
	if destRouterID == t.SelfRouterID {
		return 0
	}

	switch t.Role {
	case RoleChild:
		return t.childPathCost(destRouterID)
	default:
		return t.routerPathCost(destRloc16, destRouterID)
	}
}

func (t *RouterTable) childPathCost(destRouterID uint8) uint8 {
	if t.Parent == nil {
		return MaxRouteCost
	}
	linkCost := t.Parent.LinkQualityOut.Cost()
	if destRouterID == t.Parent.RouterID {
		return linkCost
	}
	total := uint16(linkCost) + uint16(t.Parent.Cost)
	if total > MaxRouteCost {
		return MaxRouteCost
	}
	return uint8(total)
}

func (t *RouterTable) routerPathCost(destRloc16 uint16, destRouterID uint8) uint8 {
	dest := t.FindByID(destRouterID)
	if dest == nil {
		return MaxRouteCost
	}

	best := uint16(MaxRouteCost) + 1
	if dest.IsNeighbor {
		best = uint16(dest.LinkQualityOut.Cost())
	}
	if dest.NextHopRouterID != InvalidRouterID {
		if nextHop := t.FindByID(dest.NextHopRouterID); nextHop != nil && nextHop.IsNeighbor {
			viaNextHop := uint16(nextHop.LinkQualityOut.Cost()) + uint16(dest.Cost)
			if viaNextHop < best {
				best = viaNextHop
			}
		}
	}
	if !IsRouterRloc(destRloc16) {
		// Destination is a child of destRouterID; assume the best
		// possible link (LQ3) for the router-to-child hop.
		best += LinkQuality3Cost
	}
	if best > MaxRouteCost {
		return MaxRouteCost
	}
	return uint8(best)
}
