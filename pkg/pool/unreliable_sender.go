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

package pool

import (
	"github.com/livekit/reliable/pkg/channel"
	"github.com/livekit/reliable/pkg/endpoint"
	"github.com/livekit/reliable/pkg/wire"
)

// UnreliableSender routes stateless unreliable sends by identity or
// address without touching endpoint state, so it can run on any thread.
// Rebuild after connection changes.
type UnreliableSender struct {
	identityToConn map[uint32]endpoint.Connection
	addressToConn  map[wire.Address]endpoint.Connection
	senders        map[uint16]*endpoint.UnreliableSender
}

func NewUnreliableSender() *UnreliableSender {
	return &UnreliableSender{
		identityToConn: make(map[uint32]endpoint.Connection),
		addressToConn:  make(map[wire.Address]endpoint.Connection),
		senders:        make(map[uint16]*endpoint.UnreliableSender),
	}
}

// Build snapshots the pool's connections and per-endpoint socket handles.
func (s *UnreliableSender) Build(p *Pool) {
	clear(s.identityToConn)
	clear(s.addressToConn)
	clear(s.senders)

	for id, e := range p.endpoints {
		if sender := e.CreateUnreliableSender(); sender != nil {
			s.senders[id] = sender
		}
		for _, conn := range e.Connections(int(^uint(0) >> 1)) {
			s.addressToConn[conn.Address] = conn
			if conn.Identity.ID > 0 {
				s.identityToConn[conn.Identity.ID] = conn
			}
		}
	}
}

// SendToTarget transmits one unreliable datagram to the target. Byte 0 of
// data is reserved for the tag.
func (s *UnreliableSender) SendToTarget(target SendTarget, data []byte) channel.SendResult {
	var (
		conn endpoint.Connection
		ok   bool
	)
	if target.IdentityID > 0 {
		conn, ok = s.identityToConn[target.IdentityID]
	} else {
		conn, ok = s.addressToConn[target.Address]
	}
	if !ok {
		return channel.SendResult{}
	}

	sender, ok := s.senders[conn.EndpointID]
	if !ok {
		return channel.SendResult{}
	}
	return sender.Send(conn.Address, data)
}
