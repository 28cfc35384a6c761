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

// Package wire defines the on-wire record shapes: packet headers, NACK
// records, and the length-prefixed batch framing. All fields are packed
// little-endian.
package wire

import "github.com/livekit/reliable/pkg/codec"

const (
	MessageTypeUnreliable       uint8 = 0
	MessageTypeReliable         uint8 = 1
	MessageTypeFragment         uint8 = 2
	MessageTypeNone             uint8 = 3
	MessageTypeNack             uint8 = 4
	MessageTypeReliableWithNack uint8 = 5
	MessageTypeLink             uint8 = 6
	MessageTypeUnlink           uint8 = 7
	MessageTypeLinked           uint8 = 8
	MessageTypeUnlinked         uint8 = 9
)

const (
	// HeaderSize is the base header: type, channel, sequence.
	HeaderSize = 4
	// NackedHeaderSize extends the base with a piggybacked NACK record.
	NackedHeaderSize = 10
	// FragmentedHeaderSize extends the base with fragment group info.
	FragmentedHeaderSize = 10
	// ConnectionHeaderSize is the identity link/unlink handshake record.
	ConnectionHeaderSize = 9
)

// Header is the decoded form of the three data header shapes. Which
// extension fields are meaningful depends on MessageType.
type Header struct {
	MessageType uint8
	Channel     uint8
	Sequence    uint16

	// piggybacked NACK, MessageTypeReliableWithNack only
	StartSequence uint16
	Flags         uint32

	// fragment extension, MessageTypeFragment only
	FragmentGroup         uint16
	FragmentStartSequence uint16
	FragmentCount         uint16
}

func NewFragmented(sequence uint16, channel uint8, group uint16, start uint16, count uint16) Header {
	return Header{
		MessageType:           MessageTypeFragment,
		Channel:               channel,
		Sequence:              sequence,
		FragmentGroup:         group,
		FragmentStartSequence: start,
		FragmentCount:         count,
	}
}

func (h *Header) writeBase(w *codec.Writer, data []byte) {
	w.WriteUint8(h.MessageType, data)
	w.WriteUint8(h.Channel, data)
	w.WriteUint16(h.Sequence, data)
}

// Write encodes the 4-byte base header.
func (h *Header) Write(data []byte) {
	w := &codec.Writer{}
	h.writeBase(w, data)
}

// WriteNacked encodes the base header plus the piggybacked NACK record.
func (h *Header) WriteNacked(data []byte) {
	w := &codec.Writer{}
	h.writeBase(w, data)
	w.WriteUint16(h.StartSequence, data)
	w.WriteUint32(h.Flags, data)
}

// WriteFragmented encodes the base header plus the fragment extension.
func (h *Header) WriteFragmented(data []byte) {
	w := &codec.Writer{}
	h.writeBase(w, data)
	w.WriteUint16(h.FragmentGroup, data)
	w.WriteUint16(h.FragmentStartSequence, data)
	w.WriteUint16(h.FragmentCount, data)
}

// WriteUnreliable writes only the 1-byte message type tag.
func (h *Header) WriteUnreliable(data []byte) {
	data[0] = h.MessageType
}

func ReadHeader(data []byte) Header {
	var h Header
	r := &codec.Reader{}
	h.MessageType = r.ReadUint8(data)
	h.Channel = r.ReadUint8(data)
	h.Sequence = r.ReadUint16(data)
	return h
}

func ReadNacked(data []byte) Header {
	h := ReadHeader(data)
	r := &codec.Reader{Pos: HeaderSize}
	h.StartSequence = r.ReadUint16(data)
	h.Flags = r.ReadUint32(data)
	return h
}

func ReadFragmented(data []byte) Header {
	h := ReadHeader(data)
	r := &codec.Reader{Pos: HeaderSize}
	h.FragmentGroup = r.ReadUint16(data)
	h.FragmentStartSequence = r.ReadUint16(data)
	h.FragmentCount = r.ReadUint16(data)
	return h
}

// ConnectionHeader is the identity handshake record carried by LINK, UNLINK,
// LINKED and UNLINKED packets.
type ConnectionHeader struct {
	MessageType uint8
	ID          uint32
	SessionID   uint32
}

func (h *ConnectionHeader) Write(data []byte) {
	w := &codec.Writer{}
	w.WriteUint8(h.MessageType, data)
	w.WriteUint32(h.ID, data)
	w.WriteUint32(h.SessionID, data)
}

func ReadConnectionHeader(data []byte) ConnectionHeader {
	var h ConnectionHeader
	r := &codec.Reader{}
	h.MessageType = r.ReadUint8(data)
	h.ID = r.ReadUint32(data)
	h.SessionID = r.ReadUint32(data)
	return h
}
