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

package meshcop

import (
	"errors"
	"fmt"
)

// ErrPskTooLong is returned by JoinerTable.Add when psk exceeds MaxPskLength.
var ErrPskTooLong = errors.New("meshcop: joiner psk exceeds MaxPskLength")

// JoinerEui64 names a joiner either by an exact EUI-64 or as the wildcard
// "any" entry (spec.md §9's REDESIGN FLAG: represented as a tagged sum
// rather than a boolean flag alongside an ignored EUI64 field).
type JoinerEui64 struct {
	Wildcard bool
	Eui64    [8]byte
}

func (j JoinerEui64) String() string {
	if j.Wildcard {
		return "any"
	}
	return fmt.Sprintf("%x", j.Eui64)
}

// JoinerEntry is one row of the commissioner's joiner table.
type JoinerEntry struct {
	ID             JoinerEui64
	PSK            []byte
	ExpirationTime uint32 // clock.NowMs()-domain absolute time
}

// JoinerTable is the fixed-purpose set of admitted joiners, spec.md §4.8.
// Adding an entry with an EUI-64 already present replaces it. Expired
// entries are removed by SweepExpired, driven by the commissioner's timer.
type JoinerTable struct {
	entries []JoinerEntry
}

// NewJoinerTable returns an empty table.
func NewJoinerTable() *JoinerTable { return &JoinerTable{} }

// Add inserts or replaces the entry for id, enforcing MaxPskLength.
func (t *JoinerTable) Add(id JoinerEui64, psk []byte, expirationTime uint32) error {
	if len(psk) > MaxPskLength {
		return ErrPskTooLong
	}
	for i, e := range t.entries {
		if e.ID == id {
			t.entries[i] = JoinerEntry{ID: id, PSK: psk, ExpirationTime: expirationTime}
			return nil
		}
	}
	t.entries = append(t.entries, JoinerEntry{ID: id, PSK: psk, ExpirationTime: expirationTime})
	return nil
}

// Remove deletes the entry for id, if present.
func (t *JoinerTable) Remove(id JoinerEui64) {
	for i, e := range t.entries {
		if e.ID == id {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// FindByJoinerID returns the entry matching the given joiner-id (computed
// from a received IID via JoinerID), preferring an exact EUI-64 match and
// falling back to the wildcard "any" entry, per spec.md §4.8 step 2.
func (t *JoinerTable) FindByJoinerID(joinerID [8]byte) (JoinerEntry, bool) {
	var wildcard *JoinerEntry
	for i := range t.entries {
		e := &t.entries[i]
		if e.ID.Wildcard {
			wildcard = e
			continue
		}
		if JoinerID(e.ID.Eui64) == joinerID {
			return *e, true
		}
	}
	if wildcard != nil {
		return *wildcard, true
	}
	return JoinerEntry{}, false
}

// SweepExpired removes every entry whose ExpirationTime has passed as of
// now, returning the removed entries so the caller can rebuild steering
// data / log the removal.
func (t *JoinerTable) SweepExpired(now uint32) []JoinerEntry {
	var removed []JoinerEntry
	kept := t.entries[:0]
	for _, e := range t.entries {
		if now >= e.ExpirationTime {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept
	return removed
}

// All returns every current entry, for steering-data rebuilds.
func (t *JoinerTable) All() []JoinerEntry {
	return append([]JoinerEntry(nil), t.entries...)
}

// Len reports the number of joiner entries.
func (t *JoinerTable) Len() int { return len(t.entries) }
