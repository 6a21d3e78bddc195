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

import (
	"encoding/hex"
	"net"
	"strings"
)

// MessageInfo is the IPv6-level carry the UDP transport attaches to every
// inbound datagram and that a caller supplies on every outbound send,
// matching spec.md §3/§6's Ip6::MessageInfo.
type MessageInfo struct {
	PeerAddr        string
	PeerPort        uint16
	SockAddr        string
	HopLimit        uint8
	IsHostInterface bool
	MulticastLoop   bool
}

// IsMulticast reports whether addr is an IPv6 multicast address.
func IsMulticast(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsMulticast()
}

// anycastLocatorPrefix is the IID routing locators use for Thread's
// anycast addresses (ALOCs): 0000:00ff:fe00:xxxc, where the low 16 bits
// identify the role being anycast to. See spec.md §4.3 matching rules.
const anycastLocatorPrefix = "0000:00ff:fe00:"

// IsAnycastIID reports whether the low 64 bits of addr look like a Thread
// ALOC interface identifier, meaning the responding router may be any
// node currently serving that role.
func IsAnycastIID(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	ip16 := ip.To16()
	if ip16 == nil {
		return false
	}
	iid := netIID(ip16)
	return strings.HasPrefix(iid, anycastLocatorPrefix)
}

// netIID formats the low 64 bits of ip16 as four zero-padded,
// colon-separated 16-bit hex groups, the form anycastLocatorPrefix uses.
func netIID(ip16 net.IP) string {
	h := hex.EncodeToString(ip16[8:16])
	return h[0:4] + ":" + h[4:8] + ":" + h[8:12] + ":" + h[12:16]
}

// peerMatches implements the leniency rule shared by ACK/RST and
// CON/NON response matching in spec.md §4.3: an exact address match, or
// either side being multicast, or the request's destination address (want)
// being an anycast locator (the sender may be any router currently holding
// that role).
func peerMatches(want, got string) bool {
	if want == got {
		return true
	}
	if IsMulticast(want) || IsMulticast(got) {
		return true
	}
	if IsAnycastIID(want) {
		return true
	}
	return false
}
