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

package endpoint

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/reliable/pkg/channel"
	"github.com/livekit/reliable/pkg/wire"
)

func TestSimpleReliable(t *testing.T) {
	p := newTestPair(t, 8265, Config{}, Config{})
	p.connect()

	p.sendBuffer[0] = 4
	p.sendBuffer[1] = 0
	sent := p.clientSendReliable(1, 2)
	require.Equal(t, uint32(0), sent.Error)
	require.Equal(t, uint32(2+wire.HeaderSize), sent.SentLen)

	res := p.serverReceive()
	require.Equal(t, uint32(0), res.Error)
	require.Equal(t, uint32(2), res.Length)
	require.Equal(t, uint16(1), res.Channel)
	require.Equal(t, byte(4), p.receiveBuffer[0])

	// unordered channel
	p.clientSendReliable(2, 33)
	res = p.serverReceive()
	require.Equal(t, uint32(33), res.Length)
	require.Equal(t, uint16(2), res.Channel)
}

func TestServerToClientReliable(t *testing.T) {
	p := newTestPair(t, 8266, Config{}, Config{})
	p.connect()

	p.sendBuffer[0] = 9
	p.clientSendReliable(1, 1)
	res := p.serverReceive()
	require.Equal(t, uint32(1), res.Length)

	p.sendBuffer[0] = 11
	sent := p.serverSendReliable(1, 5)
	require.Equal(t, uint32(0), sent.Error)
	require.Equal(t, uint32(5+wire.HeaderSize), sent.SentLen)

	res = p.clientReceive()
	require.Equal(t, uint32(5), res.Length)
	require.Equal(t, byte(11), p.receiveBuffer[0])
}

func TestUnreliable(t *testing.T) {
	p := newTestPair(t, 8267, Config{}, Config{})
	p.connect()

	// zero length is a send error
	sent := p.clientSendUnreliable(0)
	require.Equal(t, channel.SendErrorLength, sent.Error)

	// byte 0 is the tag, body starts at 1
	p.sendBuffer[1] = 4
	p.sendBuffer[2] = 5
	p.sendBuffer[3] = 6
	sent = p.clientSendUnreliable(4)
	require.Equal(t, uint32(0), sent.Error)
	require.Equal(t, uint32(4), sent.SentLen)

	res := p.serverReceive()
	require.Equal(t, uint32(4), res.Length)
	require.Equal(t, byte(0), p.receiveBuffer[0])
	require.Equal(t, byte(4), p.receiveBuffer[1])
	require.Equal(t, byte(5), p.receiveBuffer[2])
	require.Equal(t, byte(6), p.receiveBuffer[3])
}

func TestUnconfiguredChannelFails(t *testing.T) {
	p := newTestPair(t, 8268, Config{}, Config{})
	p.client.ConfigureChannel(3, ChannelConfig{Ordered: true})
	p.connect()

	sent := p.clientSendReliable(3, 2)
	require.Equal(t, uint32(0), sent.Error)
	require.Equal(t, uint32(2+wire.HeaderSize), sent.SentLen)

	res := p.serverReceive()
	require.Equal(t, uint32(0), res.Length)
	require.Equal(t, ReceiveErrorChannel, res.Error)
}

func TestConfiguredChannel(t *testing.T) {
	p := newTestPair(t, 8269, Config{}, Config{})
	p.client.ConfigureChannel(3, ChannelConfig{Ordered: true})
	p.server.ConfigureChannel(3, ChannelConfig{Ordered: true})
	p.connect()

	sent := p.clientSendReliable(3, 2)
	require.Equal(t, uint32(0), sent.Error)

	res := p.serverReceive()
	require.Equal(t, uint32(2), res.Length)
	require.Equal(t, uint32(0), res.Error)
}

func TestChannelZeroReliableFails(t *testing.T) {
	p := newTestPair(t, 8270, Config{}, Config{})
	p.connect()

	sent := p.clientSendReliable(0, 2)
	require.Equal(t, channel.SendErrorChannel, sent.Error)

	sent = p.clientSendReliable(1, 0)
	require.Equal(t, channel.SendErrorLength, sent.Error)
}

func TestFragmentedRoundTrip(t *testing.T) {
	p := newTestPair(t, 8271, Config{}, Config{})
	p.connect()

	const bodyLen = 3497
	for i := 0; i < bodyLen; i++ {
		p.sendBuffer[i] = byte(i * 7)
	}

	sent := p.clientSendReliable(2, bodyLen)
	require.Equal(t, uint32(0), sent.Error)
	require.Equal(t, wire.MessageTypeFragment, sent.Header.MessageType)
	// three fragments, each with a fragmented header
	require.Equal(t, uint32(bodyLen+3*wire.FragmentedHeaderSize), sent.SentLen)

	res := p.serverReceive()
	require.Equal(t, uint32(bodyLen), res.Length)
	for i := 0; i < bodyLen; i++ {
		require.Equal(t, byte(i*7), p.receiveBuffer[i], "offset %d", i)
	}
}

func TestIdentityGating(t *testing.T) {
	p := newTestPair(t, 8272, Config{UseIdentity: true}, Config{UseIdentity: true})
	p.server.SetIdentity(1, 10)
	p.client.SetClientIdentity(1, 11)
	p.connect()

	// unlinked client cannot send
	p.sendBuffer[0] = 1
	sent := p.clientSendReliable(1, 1)
	require.Equal(t, channel.SendErrorIdentity, sent.Error)

	// link with the wrong session fails silently
	p.client.SendLinkIdentity(1, 11)
	p.serverReceive()
	p.clientReceive()
	require.False(t, p.client.ClientIdentity().IsLinked())

	sent = p.clientSendReliable(1, 1)
	require.Equal(t, channel.SendErrorIdentity, sent.Error)

	// retry with the right session
	p.client.SetClientIdentity(1, 10)
	p.client.SendLinkIdentity(1, 10)
	p.serverReceive()
	p.clientReceive()
	require.True(t, p.client.ClientIdentity().IsLinked())

	sent = p.clientSendReliable(1, 1)
	require.Equal(t, uint32(0), sent.Error)

	res := p.serverReceive()
	require.Equal(t, uint32(1), res.Length)
}

func TestIdentityUnlink(t *testing.T) {
	p := newTestPair(t, 8273, Config{UseIdentity: true}, Config{UseIdentity: true})
	p.server.SetIdentity(1, 10)
	p.client.SetClientIdentity(1, 10)
	p.connect()

	// the periodic client update requests the link
	p.client.Update()
	p.serverReceive()
	p.clientReceive()
	require.True(t, p.client.ClientIdentity().IsLinked())

	p.client.SendUnlinkIdentity(1, 10)
	p.serverReceive()
	p.clientReceive()
	require.False(t, p.client.ClientIdentity().IsLinked())
}

func TestConnectionCallbacks(t *testing.T) {
	p := newTestPair(t, 8274, Config{}, Config{})

	added := 0
	p.server.OnConnectionAdded = func(conn Connection) { added++ }
	p.connect()

	p.sendBuffer[0] = 1
	p.clientSendReliable(1, 1)
	p.serverReceive()
	require.Equal(t, 1, added)
	require.Len(t, p.server.Connections(100), 1)
}

func TestLossRecovery(t *testing.T) {
	serverConfig := Config{
		DropPacketChance: 2,
		DropReliableOnly: true,
	}
	p := newTestPair(t, 8275, serverConfig, Config{})
	p.connect()

	const total = 2000
	const bodyLen = 32

	received := 0
	lastValue := -1
	drain := func() {
		for {
			res := p.server.ReceiveLoop(p.receiveBuffer)
			if res.Length == 0 || res.Error > 0 {
				return
			}
			value := int(binary.LittleEndian.Uint32(p.receiveBuffer))
			// ordered channel: strictly increasing, no duplicates
			require.Greater(t, value, lastValue)
			lastValue = value
			if value < total {
				received++
			}
		}
	}

	counter := 0
	send := func() {
		binary.LittleEndian.PutUint32(p.sendBuffer, uint32(counter))
		counter++
		sent := p.clientSendReliable(1, bodyLen)
		require.Equal(t, uint32(0), sent.Error)
	}

	for i := 0; i < total; i++ {
		send()
		if i%50 == 49 {
			drain()
			// recover gaps well inside the receive window so no
			// sequence is abandoned by the forced advance
			p.server.Update()
			p.client.ReceiveLoop(p.receiveBuffer)
			p.client.Update()
			drain()
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for received < total && time.Now().Before(deadline) {
		// flush messages keep the window advancing past a dropped tail
		send()
		p.server.Update()
		// ingest NACK sweeps; they are consumed inside the loop
		p.client.ReceiveLoop(p.receiveBuffer)
		p.client.Update()
		time.Sleep(time.Millisecond)
		drain()
	}

	require.Equal(t, total, received)

	stats := p.server.CombinedStats()
	require.Greater(t, stats.PacketsDropped, uint64(0))
	require.Greater(t, stats.Channel.NacksSent, uint64(0))
}

func TestCombinedStats(t *testing.T) {
	p := newTestPair(t, 8276, Config{}, Config{})
	p.connect()

	p.sendBuffer[0] = 1
	p.clientSendReliable(1, 1)
	p.clientSendReliable(2, 1)
	p.serverReceive()
	p.serverReceive()

	clientStats := p.client.CombinedStats()
	require.Equal(t, uint64(2), clientStats.Channel.Sent)
	require.Greater(t, clientStats.Channel.BytesSent, uint64(0))

	serverStats := p.server.CombinedStats()
	require.Equal(t, uint64(2), serverStats.Channel.Received)
	require.Equal(t, uint64(2), serverStats.Channel.PublishedConsumed)
}
