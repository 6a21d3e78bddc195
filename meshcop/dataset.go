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
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

// Dataset is the full operational dataset entrusted to a joiner after a
// successful finalize (spec.md §4.9): network key, mesh-local prefix,
// extended PAN-ID, network name, active timestamp, channel mask, PSKc,
// security policy, and key sequence. CBOR-tagged so it round-trips through
// the settings store and through cmd/datasetctl's on-disk format the same
// way the teacher's CBORCodec round-trips Matrix event JSON.
type Dataset struct {
	NetworkKey       []byte `cbor:"1,keyasint"`
	MeshLocalPrefix  []byte `cbor:"2,keyasint"` // 8 bytes
	ExtendedPanID    []byte `cbor:"3,keyasint"` // 8 bytes
	NetworkName      string `cbor:"4,keyasint"`
	ActiveTimestamp  uint64 `cbor:"5,keyasint"`
	PendingTimestamp uint64 `cbor:"6,keyasint,omitempty"`
	ChannelMask      uint32 `cbor:"7,keyasint"`
	Channel          uint16 `cbor:"8,keyasint"`
	PanID            uint16 `cbor:"9,keyasint"`
	PSKc             []byte `cbor:"10,keyasint"`
	SecurityPolicy   uint16 `cbor:"11,keyasint"` // rotation time, bits packed per Thread spec
	KeySequence      uint32 `cbor:"12,keyasint"`
}

// MarshalCBOR and UnmarshalFromCBOR use the default struct-tag-driven codec;
// kept as named entry points so callers (settings store, datasetctl) don't
// need to import fxamacker/cbor directly.
func (d *Dataset) MarshalCBOR() ([]byte, error) { return cbor.Marshal(*d) }

func (d *Dataset) UnmarshalFromCBOR(data []byte) error {
	return cbor.Unmarshal(data, d)
}

// EncodeTlvs converts the dataset to the MeshCoP TLV sequence carried in
// the Joiner Entrust POST body.
func (d *Dataset) EncodeTlvs() []byte {
	var buf16 [2]byte
	var buf4 [4]byte
	var buf8 [8]byte

	tlvs := make([]Tlv, 0, 12)
	tlvs = append(tlvs, Tlv{Type: TlvNetworkKey, Value: d.NetworkKey})
	tlvs = append(tlvs, Tlv{Type: TlvMeshLocalPrefix, Value: d.MeshLocalPrefix})
	tlvs = append(tlvs, Tlv{Type: TlvExtendedPanID, Value: d.ExtendedPanID})
	tlvs = append(tlvs, Tlv{Type: TlvNetworkName, Value: []byte(d.NetworkName)})

	binary.BigEndian.PutUint64(buf8[:], d.ActiveTimestamp)
	tlvs = append(tlvs, Tlv{Type: TlvActiveTimestamp, Value: append([]byte(nil), buf8[:]...)})

	binary.BigEndian.PutUint32(buf4[:], d.ChannelMask)
	tlvs = append(tlvs, Tlv{Type: TlvChannelMask, Value: append([]byte(nil), buf4[:]...)})

	binary.BigEndian.PutUint16(buf16[:], d.PanID)
	tlvs = append(tlvs, Tlv{Type: TlvPanID, Value: append([]byte(nil), buf16[:]...)})

	tlvs = append(tlvs, Tlv{Type: TlvPSKc, Value: d.PSKc})

	binary.BigEndian.PutUint16(buf16[:], d.SecurityPolicy)
	tlvs = append(tlvs, Tlv{Type: TlvSecurityPolicy, Value: append([]byte(nil), buf16[:]...)})

	binary.BigEndian.PutUint32(buf4[:], d.KeySequence)
	tlvs = append(tlvs, Tlv{Type: TlvNetworkKeySeq, Value: append([]byte(nil), buf4[:]...)})

	return EncodeTlvs(tlvs)
}

// DecodeDatasetTlvs parses the entrust payload back into a Dataset.
func DecodeDatasetTlvs(buf []byte) (*Dataset, error) {
	tlvs, err := DecodeTlvs(buf)
	if err != nil {
		return nil, err
	}
	d := &Dataset{}
	for _, t := range tlvs {
		switch t.Type {
		case TlvNetworkKey:
			d.NetworkKey = t.Value
		case TlvMeshLocalPrefix:
			d.MeshLocalPrefix = t.Value
		case TlvExtendedPanID:
			d.ExtendedPanID = t.Value
		case TlvNetworkName:
			d.NetworkName = string(t.Value)
		case TlvActiveTimestamp:
			if len(t.Value) != 8 {
				return nil, fmt.Errorf("meshcop: active timestamp tlv length %d, want 8", len(t.Value))
			}
			d.ActiveTimestamp = binary.BigEndian.Uint64(t.Value)
		case TlvChannelMask:
			if len(t.Value) != 4 {
				return nil, fmt.Errorf("meshcop: channel mask tlv length %d, want 4", len(t.Value))
			}
			d.ChannelMask = binary.BigEndian.Uint32(t.Value)
		case TlvPanID:
			if len(t.Value) != 2 {
				return nil, fmt.Errorf("meshcop: pan id tlv length %d, want 2", len(t.Value))
			}
			d.PanID = binary.BigEndian.Uint16(t.Value)
		case TlvPSKc:
			d.PSKc = t.Value
		case TlvSecurityPolicy:
			if len(t.Value) != 2 {
				return nil, fmt.Errorf("meshcop: security policy tlv length %d, want 2", len(t.Value))
			}
			d.SecurityPolicy = binary.BigEndian.Uint16(t.Value)
		case TlvNetworkKeySeq:
			if len(t.Value) != 4 {
				return nil, fmt.Errorf("meshcop: key sequence tlv length %d, want 4", len(t.Value))
			}
			d.KeySequence = binary.BigEndian.Uint32(t.Value)
		}
	}
	return d, nil
}
