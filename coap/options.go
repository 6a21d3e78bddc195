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
	"encoding/binary"
	"strings"
)

// OptionNumber is a CoAP option number (RFC 7252 §5.10).
type OptionNumber uint16

const (
	OptionIfMatch       OptionNumber = 1
	OptionUriHost       OptionNumber = 3
	OptionETag          OptionNumber = 4
	OptionIfNoneMatch   OptionNumber = 5
	OptionObserve       OptionNumber = 6
	OptionUriPort       OptionNumber = 7
	OptionLocationPath  OptionNumber = 8
	OptionUriPath       OptionNumber = 11
	OptionContentFormat OptionNumber = 12
	OptionMaxAge        OptionNumber = 14
	OptionUriQuery      OptionNumber = 15
	OptionAccept        OptionNumber = 17
	OptionLocationQuery OptionNumber = 20
	OptionBlock2        OptionNumber = 23
	OptionBlock1        OptionNumber = 27
	OptionSize2         OptionNumber = 28
	OptionProxyUri      OptionNumber = 35
	OptionProxyScheme   OptionNumber = 39
	OptionSize1         OptionNumber = 60

	// MaxUriPathLength is the core constant bounding the reconstructed
	// Uri-Path string buffer (spec.md §4.1).
	MaxUriPathLength = 64
)

// Option is a single decoded {number, value} pair.
type Option struct {
	Number OptionNumber
	Value  []byte
}

// Options is an ascending-by-number list of Option, exactly as an
// OptionsIterator would yield it off the wire.
type Options []Option

func encodeUint(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	i := 0
	for i < 3 && b[i] == 0 {
		i++
	}
	return append([]byte(nil), b[i:]...)
}

func decodeUint(b []byte) uint32 {
	var buf [4]byte
	copy(buf[4-len(b):], b)
	return binary.BigEndian.Uint32(buf[:])
}

// GetUint reads the first occurrence of number as a big-endian uint.
func (o Options) GetUint(number OptionNumber) (uint32, bool) {
	for _, opt := range o {
		if opt.Number == number {
			return decodeUint(opt.Value), true
		}
	}
	return 0, false
}

// UriPath reconstructs the full path by concatenating every Uri-Path
// option with "/", matching spec.md §4.1. Returns ErrParse if the
// reconstructed string would overrun MaxUriPathLength.
func (o Options) UriPath() (string, error) {
	var b strings.Builder
	for _, opt := range o {
		if opt.Number != OptionUriPath {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('/')
		}
		b.Write(opt.Value)
		if b.Len() > MaxUriPathLength {
			return "", ErrParse
		}
	}
	return b.String(), nil
}

// SetUriPath replaces any existing Uri-Path options with one segment per
// "/"-delimited component of path.
func SetUriPath(m *Message, path string) error {
	m.RemoveOptions(OptionUriPath)
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	for _, seg := range strings.Split(path, "/") {
		if err := m.AddOption(OptionUriPath, []byte(seg)); err != nil {
			return err
		}
	}
	return nil
}

// Observe reads the Observe option value, if present.
func (o Options) Observe() (uint32, bool) { return o.GetUint(OptionObserve) }

// ContentFormat reads the Content-Format option value, if present.
func (o Options) ContentFormat() (uint32, bool) { return o.GetUint(OptionContentFormat) }

// BlockOption is the decoded form of a Block1/Block2 option value
// (RFC 7959 §2.2): NUM(20b) | M(1b) | SZX(3b).
type BlockOption struct {
	Num  uint32
	More bool
	SZX  uint8
}

// Size returns the block size in bytes, 2^(SZX+4).
func (b BlockOption) Size() int { return 1 << (b.SZX + 4) }

// DecodeBlockOption decodes a raw Block1/Block2 option value. SZX values
// above 6 (1024 bytes) are invalid per spec.md §4.1.
func DecodeBlockOption(value []byte) (BlockOption, error) {
	if len(value) == 0 || len(value) > 3 {
		return BlockOption{}, ErrParse
	}
	raw := decodeUint(value)
	szx := uint8(raw & 0x7)
	if szx > 6 {
		return BlockOption{}, ErrParse
	}
	return BlockOption{
		Num:  raw >> 4,
		More: raw&0x8 != 0,
		SZX:  szx,
	}, nil
}

// Encode packs a BlockOption back into its minimal big-endian
// representation.
func (b BlockOption) Encode() ([]byte, error) {
	if b.SZX > 6 {
		return nil, ErrInvalidArgs
	}
	raw := b.Num<<4 | boolToUint32(b.More)<<3 | uint32(b.SZX)
	return encodeUint(raw), nil
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// GetBlock1 and GetBlock2 decode their respective options if present.
func (o Options) GetBlock1() (BlockOption, bool, error) { return o.getBlock(OptionBlock1) }
func (o Options) GetBlock2() (BlockOption, bool, error) { return o.getBlock(OptionBlock2) }

func (o Options) getBlock(number OptionNumber) (BlockOption, bool, error) {
	for _, opt := range o {
		if opt.Number == number {
			b, err := DecodeBlockOption(opt.Value)
			return b, true, err
		}
	}
	return BlockOption{}, false, nil
}
