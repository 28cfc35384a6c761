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

package channel

import (
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/livekit/reliable/pkg/sequence"
	"github.com/livekit/reliable/pkg/wire"
)

const (
	// FragmentSize is the chunk size; payloads at or above it are split.
	FragmentSize = 1200

	fragmentGroupExpiry = 5 * time.Second
)

var (
	ErrFragmentGroupMissing    = errors.New("fragment group missing")
	ErrFragmentGroupIncomplete = errors.New("fragment group incomplete")
)

type fragmentGroup struct {
	// full datagrams (fragmented header included) keyed by sequence
	chunks map[uint16][]byte
}

// Fragmentation splits oversized payloads into numbered fragments and
// reassembles them by group. The TTL cache evicts a group once the expiry
// horizon has passed since its first fragment was stored; later fragments
// do not extend it.
type Fragmentation struct {
	nextGroup uint16
	groups    *expirable.LRU[uint16, *fragmentGroup]
}

func NewFragmentation() *Fragmentation {
	return &Fragmentation{
		groups: expirable.NewLRU[uint16, *fragmentGroup](0, nil, fragmentGroupExpiry),
	}
}

// ShouldFragment reports whether a payload of the given length is split.
func ShouldFragment(length int) bool {
	return length >= FragmentSize
}

// group ids cycle through 1..65533, skipping 0 and the reserved 65534
func (f *Fragmentation) nextGroupID() uint16 {
	f.nextGroup++
	if f.nextGroup >= sequence.MaxSequence {
		f.nextGroup = 1
	}
	return f.nextGroup
}

// Create splits data into chunks, allocating consecutive sequences from the
// sender and writing a fragmented header plus chunk into each send buffer.
// Returns the assigned sequences in order.
func (f *Fragmentation) Create(sender *SendBufferManager, channelID uint8, data []byte) []uint16 {
	count := (len(data) + FragmentSize - 1) / FragmentSize
	group := f.nextGroupID()

	var startSequence uint16
	fragments := make([]uint16, 0, count)

	for offset := 0; offset < len(data); offset += FragmentSize {
		chunk := data[offset:min(offset+FragmentSize, len(data))]

		sb := sender.Next(len(chunk) + wire.FragmentedHeaderSize)
		if sb == nil {
			return nil
		}
		if len(fragments) == 0 {
			startSequence = sb.Sequence
		}

		header := wire.NewFragmented(sb.Sequence, channelID, group, startSequence, uint16(count))
		buf := sb.Buffer.Bytes()
		header.WriteFragmented(buf)
		copy(buf[wire.FragmentedHeaderSize:], chunk)

		fragments = append(fragments, sb.Sequence)
	}

	return fragments
}

// ReceiveFragment stores one fragment datagram under its group and
// sequence. Returns whether it was accepted and whether the group is now
// complete.
func (f *Fragmentation) ReceiveFragment(data []byte) (bool, bool) {
	header := wire.ReadFragmented(data)

	g, ok := f.groups.Get(header.FragmentGroup)
	if !ok {
		g = &fragmentGroup{chunks: make(map[uint16][]byte)}
		f.groups.Add(header.FragmentGroup, g)
	}

	if _, exists := g.chunks[header.Sequence]; !exists {
		chunk := make([]byte, len(data))
		copy(chunk, data)
		g.chunks[header.Sequence] = chunk
	}

	return true, len(g.chunks) == int(header.FragmentCount)
}

// Assemble concatenates a complete group in sequence order and removes it.
// A group with a missing entry is dropped.
func (f *Fragmentation) Assemble(header wire.Header) ([]byte, error) {
	g, ok := f.groups.Get(header.FragmentGroup)
	if !ok {
		return nil, ErrFragmentGroupMissing
	}
	if len(g.chunks) != int(header.FragmentCount) {
		return nil, ErrFragmentGroupIncomplete
	}

	bodyLen := 0
	for _, chunk := range g.chunks {
		bodyLen += len(chunk) - wire.FragmentedHeaderSize
	}

	body := make([]byte, 0, bodyLen)
	seq := header.FragmentStartSequence
	for i := uint16(0); i < header.FragmentCount; i++ {
		chunk, ok := g.chunks[seq]
		if !ok {
			f.groups.Remove(header.FragmentGroup)
			return nil, ErrFragmentGroupIncomplete
		}
		body = append(body, chunk[wire.FragmentedHeaderSize:]...)
		seq = sequence.Next(seq)
	}

	f.groups.Remove(header.FragmentGroup)
	return body, nil
}

// GroupCount returns the number of live groups.
func (f *Fragmentation) GroupCount() int {
	return f.groups.Len()
}
