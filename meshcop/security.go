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
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// pskcIterations and pskcKeyLength match the Thread 1.2 specification's
// PSKc generation algorithm (PBKDF2-SHA256 over the passphrase, salted with
// "Thread" || extended PAN-ID || network name).
const (
	pskcIterations = 16384
	pskcKeyLength  = 16
)

// DerivePSKc computes the commissioning credential from an operator
// passphrase, the network's extended PAN-ID, and its network name, per
// Thread 1.2 §8.4.1. Grounded on original_source's Pskc::SetFrom (which
// wraps mbedtls' PBKDF2-HMAC-SHA256); here via golang.org/x/crypto/pbkdf2.
func DerivePSKc(passphrase string, extPanID [8]byte, networkName string) []byte {
	salt := make([]byte, 0, len("Thread")+len(extPanID)+len(networkName))
	salt = append(salt, "Thread"...)
	salt = append(salt, extPanID[:]...)
	salt = append(salt, networkName...)
	return pbkdf2.Key([]byte(passphrase), salt, pskcIterations, pskcKeyLength, sha256.New)
}

// DeriveKEK derives the key-encryption key installed after a successful
// joiner finalize, from the DTLS master secret/session material, using
// HKDF-SHA256 with a fixed info string, mirroring KeyManager::ComputeKek.
func DeriveKEK(masterSecret, randomMaterial []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, masterSecret, randomMaterial, []byte("Thread KEK"))
	kek := make([]byte, 16)
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, err
	}
	return kek, nil
}

// JoinerID derives the Thread joiner-id from a device's EUI-64: flip the
// locally-administered bit (bit 1 of the first octet) then SHA-256 and keep
// the low 8 bytes, per Commissioner::ComputeJoinerId.
func JoinerID(eui64 [8]byte) [8]byte {
	mangled := eui64
	mangled[0] ^= 0x02

	sum := sha256.Sum256(mangled[:])
	var id [8]byte
	copy(id[:], sum[len(sum)-8:])
	return id
}
