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

// DefaultMaxCacheSize is the response cache's default capacity
// (spec.md §4.4).
const DefaultMaxCacheSize = 8

type cacheKey struct {
	peerAddr  string
	peerPort  uint16
	messageID uint16
}

type cacheEntry struct {
	key        cacheKey
	msg        *Message
	expireAtMs uint32
}

// responseCache is the dedup cache of server-sent ACKs keyed by
// {peer-addr, peer-port, message-id}, bounded to MaxCacheSize with
// earliest-expiry eviction (spec.md §4.4).
type responseCache struct {
	maxSize int
	entries []*cacheEntry
}

func newResponseCache(maxSize int) *responseCache {
	if maxSize <= 0 {
		maxSize = DefaultMaxCacheSize
	}
	return &responseCache{maxSize: maxSize}
}

// insert stores msg (already a standalone clone, footer stripped before
// transmission) keyed by key, evicting the earliest-expiring entry if the
// cache is full.
func (c *responseCache) insert(key cacheKey, msg *Message, expireAtMs uint32) {
	for _, e := range c.entries {
		if e.key == key {
			e.msg.Free()
			e.msg = msg
			e.expireAtMs = expireAtMs
			return
		}
	}
	if len(c.entries) >= c.maxSize {
		c.evictEarliest()
	}
	c.entries = append(c.entries, &cacheEntry{key: key, msg: msg, expireAtMs: expireAtMs})
}

func (c *responseCache) evictEarliest() {
	if len(c.entries) == 0 {
		return
	}
	idx := 0
	for i, e := range c.entries {
		if Before(e.expireAtMs, c.entries[idx].expireAtMs) {
			idx = i
		}
	}
	c.entries[idx].msg.Free()
	c.entries = append(c.entries[:idx], c.entries[idx+1:]...)
}

// lookup returns the cached message for key if present and not expired
// as of now.
func (c *responseCache) lookup(key cacheKey, now uint32) (*Message, bool) {
	for _, e := range c.entries {
		if e.key == key {
			if Before(e.expireAtMs, now) {
				return nil, false
			}
			return e.msg, true
		}
	}
	return nil, false
}

// sweepExpired drops every entry whose expiry has passed.
func (c *responseCache) sweepExpired(now uint32) {
	out := c.entries[:0]
	for _, e := range c.entries {
		if Before(e.expireAtMs, now) {
			e.msg.Free()
			continue
		}
		out = append(out, e)
	}
	c.entries = out
}

// removeAll empties the cache, freeing every stored message.
func (c *responseCache) removeAll() {
	for _, e := range c.entries {
		e.msg.Free()
	}
	c.entries = nil
}

func (c *responseCache) len() int { return len(c.entries) }
