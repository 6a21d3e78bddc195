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
	"encoding/binary"
	"errors"
)

// ErrInvalidTlv is returned by DecodeTlvs when a TLV stream is truncated or
// malformed.
var ErrInvalidTlv = errors.New("meshcop: invalid tlv")

// TlvType enumerates the MeshCoP TLV types named in spec.md §6 (Thread 1.2
// specification numbering), covering the subset this repo produces or
// consumes.
type TlvType uint8

const (
	TlvChannel TlvType = iota
	TlvPanID
	TlvExtendedPanID
	TlvNetworkName
	TlvPSKc
	TlvNetworkKey
	TlvNetworkKeySeq
	TlvMeshLocalPrefix
	TlvSteeringData
	TlvBorderAgentLocator
	TlvCommissionerID
	TlvCommissionerSessionID
	TlvSecurityPolicy
	_ // 13: Get
	TlvActiveTimestamp
	_ // 15: Commissioner UDP Port
	TlvState
	TlvJoinerDtlsEncapsulation
	TlvJoinerUdpPort
	TlvJoinerIid
	TlvJoinerRouterLocator
	TlvJoinerRouterKek
	TlvProvisioningURL TlvType = iota + 10 // 32
	TlvVendorName
	TlvVendorModel
	TlvVendorSwVersion
	TlvVendorData
	TlvVendorStackVersion
	TlvPendingTimestamp TlvType = iota + 23 // 51
	_                                       // 52: Delay Timer
	TlvChannelMask
)

// State TLV values.
const (
	StateReject  int8 = -1
	StatePending int8 = 0
	StateAccept  int8 = 1
)

// Tlv is one decoded {type, value} pair. Lengths up to 254 use the 1-byte
// form; 0xff signals an extended 2-byte length, matching the Thread TLV
// wire format.
type Tlv struct {
	Type  TlvType
	Value []byte
}

const extendedLengthMarker = 0xff

// Encode appends this TLV's wire form to buf and returns the result.
func (t Tlv) Encode(buf []byte) []byte {
	buf = append(buf, byte(t.Type))
	if len(t.Value) < extendedLengthMarker {
		buf = append(buf, byte(len(t.Value)))
	} else {
		buf = append(buf, extendedLengthMarker)
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(t.Value)))
		buf = append(buf, lenBuf[:]...)
	}
	return append(buf, t.Value...)
}

// EncodeTlvs serializes a sequence of TLVs back to back.
func EncodeTlvs(tlvs []Tlv) []byte {
	var out []byte
	for _, t := range tlvs {
		out = t.Encode(out)
	}
	return out
}

// DecodeTlvs parses a back-to-back TLV stream, as carried in a dataset or a
// relay message payload.
func DecodeTlvs(buf []byte) ([]Tlv, error) {
	var out []Tlv
	for len(buf) > 0 {
		if len(buf) < 2 {
			return nil, ErrInvalidTlv
		}
		typ := TlvType(buf[0])
		length := int(buf[1])
		off := 2
		if length == extendedLengthMarker {
			if len(buf) < 4 {
				return nil, ErrInvalidTlv
			}
			length = int(binary.BigEndian.Uint16(buf[2:4]))
			off = 4
		}
		if off+length > len(buf) {
			return nil, ErrInvalidTlv
		}
		out = append(out, Tlv{Type: typ, Value: append([]byte(nil), buf[off:off+length]...)})
		buf = buf[off+length:]
	}
	return out, nil
}

// Find returns the first TLV of the given type, if present.
func Find(tlvs []Tlv, typ TlvType) (Tlv, bool) {
	for _, t := range tlvs {
		if t.Type == typ {
			return t, true
		}
	}
	return Tlv{}, false
}
