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

// SteeringData is the Bloom filter the commissioner advertises in its
// MGMT_COMMISSIONER_SET steering-data TLV so joiner-routers can cheaply
// reject joiners that aren't in the table without a round trip to the
// commissioner. Grounded on commissioner.cpp's Commissioner::AddJoiner /
// SteeringData::UpdateBloomFilter, which runs the joiner-id through two
// independent hash functions and sets the corresponding bits.
type SteeringData struct {
	bits []byte
}

// NewSteeringData allocates a filter of the given byte length (the
// configured steering-data TLV size).
func NewSteeringData(length int) *SteeringData {
	if length < 1 {
		length = 1
	}
	return &SteeringData{bits: make([]byte, length)}
}

// Reset clears every bit, used when rebuilding the filter for the current
// joiner table contents.
func (s *SteeringData) Reset() {
	for i := range s.bits {
		s.bits[i] = 0
	}
}

// SetAll sets every bit, used for the "any" wildcard joiner: every joiner-id
// must test as a possible member.
func (s *SteeringData) SetAll() {
	for i := range s.bits {
		s.bits[i] = 0xff
	}
}

func (s *SteeringData) numBits() uint32 { return uint32(len(s.bits)) * 8 }

func (s *SteeringData) setBit(n uint32) {
	s.bits[n/8] |= 1 << (n % 8)
}

func (s *SteeringData) bitSet(n uint32) bool {
	return s.bits[n/8]&(1<<(n%8)) != 0
}

// hash1/hash2 are this repo's two hash functions over a joiner-id: hash1 is
// 32-bit FNV-1a, hash2 an FNV-style mixer with a different seed and an
// added constant per byte. Each result is reduced modulo the filter's bit
// count.
func (s *SteeringData) hash1(joinerID []byte) uint32 {
	var h uint32 = 2166136261
	for _, b := range joinerID {
		h ^= uint32(b)
		h *= 16777619
	}
	return h % s.numBits()
}

func (s *SteeringData) hash2(joinerID []byte) uint32 {
	var h uint32 = 0x811c9dc5 ^ 0x5bd1e995
	for _, b := range joinerID {
		h ^= uint32(b)
		h = (h * 0x01000193) + 0x9e3779b9
	}
	return h % s.numBits()
}

// AddJoiner runs joinerID through both hashes and sets the resulting bits.
func (s *SteeringData) AddJoiner(joinerID []byte) {
	s.setBit(s.hash1(joinerID))
	s.setBit(s.hash2(joinerID))
}

// Contains reports whether joinerID could be a member: both hashed bits
// must be set. False positives are possible by construction; false
// negatives are not.
func (s *SteeringData) Contains(joinerID []byte) bool {
	return s.bitSet(s.hash1(joinerID)) && s.bitSet(s.hash2(joinerID))
}

// Bytes returns the TLV value for MGMT_COMMISSIONER_SET.
func (s *SteeringData) Bytes() []byte { return s.bits }

// ComputeJoinerID derives the Thread joiner-id from an EUI-64: the
// original flips the U/L bit (bit 1 of the first octet) and runs the
// result through SHA-256, keeping the low 8 bytes. Implemented in
// security.go (JoinerID) to keep the crypto primitives together.
