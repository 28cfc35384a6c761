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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/reliable/pkg/channel"
	"github.com/livekit/reliable/pkg/wire"
)

// testPair is a loopback server/client fixture.
type testPair struct {
	t             *testing.T
	server        *Endpoint
	client        *Endpoint
	address       wire.Address
	receiveBuffer []byte
	sendBuffer    []byte
}

func newTestPair(t *testing.T, port uint32, serverConfig Config, clientConfig Config) *testPair {
	p := &testPair{
		t:             t,
		server:        New(serverConfig),
		client:        New(clientConfig),
		address:       wire.Localhost(port),
		receiveBuffer: make([]byte, 64*1024),
		sendBuffer:    make([]byte, 64*1024),
	}
	t.Cleanup(func() {
		p.server.Close()
		p.client.Close()
	})
	return p
}

func (p *testPair) connect() {
	require.True(p.t, p.server.Bind(p.address), "bind failed")
	require.True(p.t, p.client.Connect(p.address), "connect failed")
}

func (p *testPair) remoteClient() wire.Address {
	list := p.server.Connections(100)
	if len(list) > 0 {
		return list[0].Address
	}
	return wire.Address{}
}

func (p *testPair) clientSendReliable(channelID uint8, length int) channel.SendResult {
	return p.client.SendReliable(channelID, wire.Address{}, p.sendBuffer[:length])
}

func (p *testPair) clientSendUnreliable(length int) channel.SendResult {
	return p.client.SendUnreliable(wire.Address{}, p.sendBuffer[:length])
}

func (p *testPair) serverSendReliable(channelID uint8, length int) channel.SendResult {
	addr := p.remoteClient()
	if addr.IsDefault() {
		return channel.SendResult{}
	}
	return p.server.SendReliable(channelID, addr, p.sendBuffer[:length])
}

func (p *testPair) serverReceive() ReceiveResult {
	return receiveWait(p.server, p.receiveBuffer)
}

func (p *testPair) clientReceive() ReceiveResult {
	return receiveWait(p.client, p.receiveBuffer)
}

// receiveWait retries the poll loop briefly so in-flight loopback datagrams
// can land.
func receiveWait(e *Endpoint, buf []byte) ReceiveResult {
	var res ReceiveResult
	for i := 0; i < 50; i++ {
		res = e.ReceiveLoop(buf)
		if res.Length > 0 || res.Error > 0 {
			return res
		}
		time.Sleep(time.Millisecond)
	}
	return res
}
