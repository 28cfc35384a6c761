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
	"net"

	"go.uber.org/atomic"

	"github.com/livekit/reliable/pkg/channel"
	"github.com/livekit/reliable/pkg/wire"
)

// UnreliableSender performs stateless unreliable sends on a shared conn
// handle. It is the only supported cross-thread access to an endpoint's
// socket: it owns its own send buffer and never touches channel state.
type UnreliableSender struct {
	conn       *net.UDPConn
	isServer   bool
	sendBuffer []byte
	sent       atomic.Uint64
}

func NewUnreliableSender(conn *net.UDPConn, isServer bool, bufferLen int) *UnreliableSender {
	return &UnreliableSender{
		conn:       conn,
		isServer:   isServer,
		sendBuffer: make([]byte, bufferLen),
	}
}

func (s *UnreliableSender) Sent() uint64 {
	return s.sent.Load()
}

// Send transmits data as an unreliable packet. Byte 0 of data is reserved
// for the 1-byte tag; the body starts at byte 1.
func (s *UnreliableSender) Send(addr wire.Address, data []byte) channel.SendResult {
	var result channel.SendResult

	if len(data) < 1 {
		result.Error = channel.SendErrorLength
		return result
	}
	if s.conn == nil {
		result.Error = channel.SendErrorChannel
		return result
	}
	if len(data) > len(s.sendBuffer) {
		result.Error = channel.SendErrorLength
		return result
	}

	header := wire.Header{MessageType: wire.MessageTypeUnreliable}

	buf := s.sendBuffer[:len(data)]
	copy(buf, data)
	header.WriteUnreliable(buf)

	var (
		n   int
		err error
	)
	if addr.Port == 0 && !s.isServer {
		n, err = s.conn.Write(buf)
	} else {
		n, err = s.conn.WriteToUDP(buf, addr.ToUDPAddr())
	}
	if err != nil {
		result.Error = channel.SendErrorSocket
		return result
	}

	s.sent.Inc()
	result.SentLen = uint32(n)
	result.Header = header
	return result
}
