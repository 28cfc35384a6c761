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
	"math/rand"
	"net"
	"time"

	"github.com/livekit/reliable/pkg/wire"
)

const (
	socketReceiveBufferSize = 8192 * 256

	// receive polls wait at most this long; the caller sees Empty on
	// expiry, keeping the loop non-suspending.
	socketPollTimeout = time.Millisecond
)

type SocketReceiveStatus int

const (
	SocketReceiveSuccess SocketReceiveStatus = iota
	SocketReceiveEmpty
	SocketReceiveError
	SocketReceiveDropped
)

// Socket owns one UDP conn, either bound (server) or connected (client).
// Receives are short polls; sends to the default address use the connected
// fast path.
type Socket struct {
	Address  wire.Address
	IsServer bool

	conn *net.UDPConn
	rng  *rand.Rand
}

func NewSocket() *Socket {
	return &Socket{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Bind opens a listening socket on addr and marks this side as server.
func (s *Socket) Bind(addr wire.Address) bool {
	if s.conn != nil {
		return false
	}
	conn, err := net.ListenUDP("udp4", addr.ToUDPAddr())
	if err != nil {
		return false
	}
	_ = conn.SetReadBuffer(socketReceiveBufferSize)
	s.conn = conn
	s.Address = addr
	s.IsServer = true
	return true
}

// Connect opens a connected socket to addr.
func (s *Socket) Connect(addr wire.Address) bool {
	if s.conn != nil {
		return false
	}
	conn, err := net.DialUDP("udp4", nil, addr.ToUDPAddr())
	if err != nil {
		return false
	}
	_ = conn.SetReadBuffer(socketReceiveBufferSize)
	s.conn = conn
	return true
}

func (s *Socket) IsOpen() bool {
	return s.conn != nil
}

// Conn exposes the conn handle for unreliable senders; UDP conns are safe
// for concurrent writes at the OS level.
func (s *Socket) Conn() *net.UDPConn {
	return s.conn
}

func (s *Socket) Close() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *Socket) shouldDrop(data []byte, dropChance int, dropReliableOnly bool) bool {
	if dropChance <= 0 {
		return false
	}
	if s.rng.Intn(99)+1 > dropChance {
		return false
	}
	if dropReliableOnly && data[0] != wire.MessageTypeReliable {
		return false
	}
	return true
}

// Receive polls for one datagram. Drop simulation applies after a
// successful read so dropped traffic still consumes the datagram.
func (s *Socket) Receive(data []byte, dropChance int, dropReliableOnly bool) (int, wire.Address, SocketReceiveStatus) {
	if s.conn == nil {
		return 0, wire.Address{}, SocketReceiveError
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(socketPollTimeout))

	var (
		n    int
		addr wire.Address
		err  error
	)
	if s.IsServer {
		var src *net.UDPAddr
		n, src, err = s.conn.ReadFromUDP(data)
		if err == nil {
			addr = wire.FromUDPAddr(src)
		}
	} else {
		n, err = s.conn.Read(data)
	}
	if err != nil {
		// timeouts and transient read errors both present as an empty poll
		return 0, wire.Address{}, SocketReceiveEmpty
	}

	if s.shouldDrop(data[:n], dropChance, dropReliableOnly) {
		return 0, wire.Address{}, SocketReceiveDropped
	}
	return n, addr, SocketReceiveSuccess
}

// Send transmits to addr, or on the connected socket when addr is the
// default. Implements channel.Socket.
func (s *Socket) Send(addr wire.Address, data []byte) int {
	if s.conn == nil {
		return 0
	}

	var (
		n   int
		err error
	)
	if addr.Port == 0 {
		n, err = s.conn.Write(data)
	} else {
		n, err = s.conn.WriteToUDP(data, addr.ToUDPAddr())
	}
	if err != nil {
		return 0
	}
	return n
}
