// Copyright 2023 LiveKit, Inc.
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

package wire

import (
	"github.com/livekit/reliable/pkg/codec"
	"github.com/livekit/reliable/pkg/sequence"
)

// nackFlagBits is the number of predecessors one record can flag.
const nackFlagBits = 32

// Nack describes a missing sequence plus up to 32 flagged predecessors:
// bit i set in Flags means prev^(i+1)(StartSequence) is also missing.
// NackedCount and SentCount are producer-side bookkeeping and are not
// encoded on the wire.
type Nack struct {
	StartSequence uint16
	Flags         uint32
	NackedCount   uint32
	SentCount     uint32
}

func (n *Nack) SetBit(i int) {
	n.Flags |= 1 << uint(i)
}

func (n *Nack) Bit(i int) bool {
	return n.Flags&(1<<uint(i)) != 0
}

// Flag marks seq if it lies within the 32-predecessor range of the record.
func (n *Nack) Flag(seq uint16) {
	prev := sequence.Prev(n.StartSequence)
	for i := 0; i < nackFlagBits; i++ {
		if prev == seq {
			n.SetBit(i)
			return
		}
		prev = sequence.Prev(prev)
	}
}

// IsNacked reports whether seq is the start or a flagged predecessor.
func (n *Nack) IsNacked(seq uint16) bool {
	if n.StartSequence == seq {
		return true
	}
	prev := sequence.Prev(n.StartSequence)
	for i := 0; i < nackFlagBits; i++ {
		if prev == seq {
			return n.Bit(i)
		}
		prev = sequence.Prev(prev)
	}
	return false
}

// Expand appends the start sequence and every flagged predecessor to into.
func (n *Nack) Expand(into []uint16) []uint16 {
	into = append(into, n.StartSequence)
	prev := sequence.Prev(n.StartSequence)
	for i := 0; i < nackFlagBits; i++ {
		if n.Bit(i) {
			into = append(into, prev)
		}
		prev = sequence.Prev(prev)
	}
	return into
}

// WriteNacks encodes records with a u8 count prefix and fixed-width fields.
// Returns the position after the last byte written, or 0 for an empty list.
func WriteNacks(nacks []Nack, data []byte, pos int) int {
	if len(nacks) == 0 {
		return 0
	}
	w := &codec.Writer{Pos: pos}
	w.WriteUint8(uint8(len(nacks)), data)
	for i := range nacks {
		w.WriteUint16(nacks[i].StartSequence, data)
		w.WriteUint32(nacks[i].Flags, data)
	}
	return w.Pos
}

// ReadNacks decodes the fixed-width form and appends every covered sequence
// to into.
func ReadNacks(into []uint16, data []byte, pos int) []uint16 {
	r := &codec.Reader{Pos: pos}
	count := int(r.ReadUint8(data))
	for i := 0; i < count; i++ {
		n := Nack{
			StartSequence: r.ReadUint16(data),
			Flags:         r.ReadUint32(data),
		}
		into = n.Expand(into)
	}
	return into
}

// WriteNacksVarint encodes records varint-prefixed, the form used on the
// wire. Returns the position after the last byte written, or 0 for an empty
// list.
func WriteNacksVarint(nacks []Nack, data []byte, pos int) int {
	if len(nacks) == 0 {
		return 0
	}
	w := &codec.Writer{Pos: pos}
	w.WriteUvarint(uint64(len(nacks)), data)
	for i := range nacks {
		w.WriteUvarint(uint64(nacks[i].StartSequence), data)
		w.WriteUvarint(uint64(nacks[i].Flags), data)
	}
	return w.Pos
}

// ReadNacksVarint decodes the varint form and appends every covered
// sequence to into.
func ReadNacksVarint(into []uint16, data []byte, pos int) []uint16 {
	r := &codec.Reader{Pos: pos}
	count := r.ReadUvarint(data)
	for i := uint64(0); i < count; i++ {
		n := Nack{
			StartSequence: uint16(r.ReadUvarint(data)),
			Flags:         uint32(r.ReadUvarint(data)),
		}
		into = n.Expand(into)
	}
	return into
}
