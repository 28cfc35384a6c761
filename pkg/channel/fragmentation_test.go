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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/reliable/pkg/bufferpool"
	"github.com/livekit/reliable/pkg/wire"
)

func TestFragmentCreate(t *testing.T) {
	frag := NewFragmentation()
	sender := NewSendBufferManager(bufferpool.Default())

	data := make([]byte, 1400)
	fragments := frag.Create(sender, 1, data)
	require.Len(t, fragments, 2)

	sb, ok := sender.Get(fragments[0])
	require.True(t, ok)
	require.Equal(t, 1200+wire.FragmentedHeaderSize, sb.Buffer.Length)

	header := wire.ReadFragmented(sb.Buffer.Bytes())
	require.Equal(t, wire.MessageTypeFragment, header.MessageType)
	require.Equal(t, uint16(1), header.Sequence)
	require.Equal(t, uint16(1), header.FragmentStartSequence)
	require.Equal(t, uint16(2), header.FragmentCount)

	sb, ok = sender.Get(fragments[1])
	require.True(t, ok)
	require.Equal(t, 200+wire.FragmentedHeaderSize, sb.Buffer.Length)
	header = wire.ReadFragmented(sb.Buffer.Bytes())
	require.Equal(t, uint16(2), header.Sequence)
}

func TestFragmentReceiveAssemble(t *testing.T) {
	frag := NewFragmentation()
	sender := NewSendBufferManager(bufferpool.Default())

	data := make([]byte, 2500)
	for i := range data {
		data[i] = 3
	}

	created := frag.Create(sender, 1, data)
	require.Len(t, created, 3)

	receiver := NewFragmentation()
	var header wire.Header
	for i, seq := range created {
		sb, ok := sender.Get(seq)
		require.True(t, ok)
		datagram := sb.Buffer.Bytes()[:sb.Buffer.Length]

		accepted, complete := receiver.ReceiveFragment(datagram)
		require.True(t, accepted)
		require.Equal(t, i == len(created)-1, complete)
		header = wire.ReadFragmented(datagram)
	}

	body, err := receiver.Assemble(header)
	require.NoError(t, err)
	require.Len(t, body, 2500)
	for _, b := range body {
		require.Equal(t, byte(3), b)
	}
	require.Equal(t, 0, receiver.GroupCount())
}

func TestFragmentAssembleOutOfOrderDelivery(t *testing.T) {
	frag := NewFragmentation()
	sender := NewSendBufferManager(bufferpool.Default())

	data := make([]byte, 3497)
	for i := range data {
		data[i] = byte(i)
	}

	created := frag.Create(sender, 2, data)
	require.Len(t, created, 3)

	receiver := NewFragmentation()
	order := []int{2, 0, 1}
	var header wire.Header
	for _, idx := range order {
		sb, _ := sender.Get(created[idx])
		datagram := sb.Buffer.Bytes()[:sb.Buffer.Length]
		receiver.ReceiveFragment(datagram)
		header = wire.ReadFragmented(datagram)
	}

	body, err := receiver.Assemble(header)
	require.NoError(t, err)
	require.Equal(t, data, body)
}

func TestFragmentAssembleIncomplete(t *testing.T) {
	frag := NewFragmentation()
	sender := NewSendBufferManager(bufferpool.Default())

	created := frag.Create(sender, 1, make([]byte, 2500))
	sb, _ := sender.Get(created[0])
	datagram := sb.Buffer.Bytes()[:sb.Buffer.Length]

	receiver := NewFragmentation()
	receiver.ReceiveFragment(datagram)

	_, err := receiver.Assemble(wire.ReadFragmented(datagram))
	require.ErrorIs(t, err, ErrFragmentGroupIncomplete)
	// an incomplete count check leaves the group alive for later fragments
	require.Equal(t, 1, receiver.GroupCount())

	_, err = receiver.Assemble(wire.Header{FragmentGroup: 999, FragmentCount: 1})
	require.ErrorIs(t, err, ErrFragmentGroupMissing)
}

func TestFragmentDuplicateChunkIgnored(t *testing.T) {
	frag := NewFragmentation()
	sender := NewSendBufferManager(bufferpool.Default())

	created := frag.Create(sender, 1, make([]byte, 2500))
	sb, _ := sender.Get(created[0])
	datagram := sb.Buffer.Bytes()[:sb.Buffer.Length]

	receiver := NewFragmentation()
	_, complete := receiver.ReceiveFragment(datagram)
	require.False(t, complete)
	_, complete = receiver.ReceiveFragment(datagram)
	require.False(t, complete)
}

func TestFragmentGroupIDSkipsReserved(t *testing.T) {
	frag := NewFragmentation()
	frag.nextGroup = 65532

	require.Equal(t, uint16(65533), frag.nextGroupID())
	require.Equal(t, uint16(1), frag.nextGroupID())
	require.Equal(t, uint16(2), frag.nextGroupID())
}

func TestShouldFragment(t *testing.T) {
	require.False(t, ShouldFragment(1199))
	require.True(t, ShouldFragment(1200))
	require.True(t, ShouldFragment(5000))
}
