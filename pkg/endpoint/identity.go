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
	"time"

	"github.com/livekit/reliable/pkg/wire"
)

// SetIdentity registers an id/session pair the server will accept links
// for. A session of 0 forgets the id. Any connection already bound to the
// id is removed.
func (e *Endpoint) SetIdentity(id uint32, sessionID uint32) {
	e.removeConnectionByIdentity(id)

	if sessionID == 0 {
		delete(e.identities, id)
	} else {
		e.identities[id] = sessionID
	}
}

// SetClientIdentity sets the identity this client offers when linking.
func (e *Endpoint) SetClientIdentity(id uint32, sessionID uint32) {
	e.identity = Identity{ID: id, SessionID: sessionID}
}

func (e *Endpoint) ClientIdentity() Identity {
	return e.identity
}

func (e *Endpoint) createConnection(addr wire.Address, identity Identity) {
	conn := &Connection{
		Address:    addr,
		Identity:   identity,
		EndpointID: e.ID,
		ReceivedAt: e.timeSinceStart(),
	}
	e.connections[addr] = conn
	e.createConfiguredChannels(addr)
	if e.OnConnectionAdded != nil {
		e.OnConnectionAdded(*conn)
	}
}

func (e *Endpoint) removeConnection(addr wire.Address) {
	conn, ok := e.connections[addr]
	if !ok {
		return
	}
	delete(e.connections, addr)
	e.removeConfiguredChannels(addr)
	if e.OnConnectionRemoved != nil {
		e.OnConnectionRemoved(*conn)
	}
}

func (e *Endpoint) removeConnectionByIdentity(id uint32) {
	var addresses []wire.Address
	for _, conn := range e.connections {
		if conn.Identity.ID == id {
			addresses = append(addresses, conn.Address)
		}
	}
	for _, addr := range addresses {
		e.removeConnection(addr)
	}
}

func (e *Endpoint) Connection(addr wire.Address) (Connection, bool) {
	if conn, ok := e.connections[addr]; ok {
		return *conn, true
	}
	return Connection{}, false
}

func (e *Endpoint) ConnectionByIdentity(id uint32) (Connection, bool) {
	if addr, ok := e.identityToAddress[id]; ok {
		return e.Connection(addr)
	}
	return Connection{}, false
}

// Connections returns up to max connection snapshots with their age
// refreshed.
func (e *Endpoint) Connections(max int) []Connection {
	list := make([]Connection, 0, len(e.connections))
	since := e.timeSinceStart()
	for _, conn := range e.connections {
		conn.SinceLastReceived = since - conn.ReceivedAt
		list = append(list, *conn)
		if len(list) >= max {
			break
		}
	}
	return list
}

// onReceiveConnectionUpdate upserts the per-peer connection when identity
// gating is off.
func (e *Endpoint) onReceiveConnectionUpdate(addr wire.Address) {
	if conn, ok := e.connections[addr]; ok {
		conn.ReceivedAt = e.timeSinceStart()
		return
	}
	e.createConnection(addr, Identity{})
}

// validateAndUpdateLinkedConnection accepts traffic only from peers with a
// linked identity.
func (e *Endpoint) validateAndUpdateLinkedConnection(addr wire.Address) bool {
	conn, ok := e.connections[addr]
	if !ok || conn.Identity.ID == 0 {
		return false
	}
	conn.ReceivedAt = e.timeSinceStart()
	return true
}

// tryLinkIdentity links addr to id when the offered session matches the
// registered one. Relinking from a new address replaces the old
// connection.
func (e *Endpoint) tryLinkIdentity(addr wire.Address, id uint32, sessionID uint32) bool {
	registered, ok := e.identities[id]
	if !ok || sessionID != registered {
		return false
	}

	if conn, exists := e.connections[addr]; exists &&
		conn.Identity.ID == id && conn.Identity.SessionID == registered {
		return true
	}

	e.removeConnectionByIdentity(id)
	e.createConnection(addr, Identity{ID: id, SessionID: sessionID})
	e.identityToAddress[id] = addr
	e.sendIdentityMessage(wire.MessageTypeLinked, 0, 0, addr)
	return true
}

func (e *Endpoint) tryUnlinkIdentity(addr wire.Address, id uint32, sessionID uint32) bool {
	registered, ok := e.identities[id]
	if !ok || sessionID != registered {
		e.sendIdentityMessage(wire.MessageTypeUnlinked, 0, 0, addr)
		return false
	}

	e.removeConnectionByIdentity(id)
	delete(e.identityToAddress, id)
	e.sendIdentityMessage(wire.MessageTypeUnlinked, 0, 0, addr)
	return true
}

// clientIdentityUpdate re-requests a link until the server confirms it.
func (e *Endpoint) clientIdentityUpdate() {
	if !e.config.UseIdentity || e.socket.IsServer || !e.socket.IsOpen() {
		return
	}
	if !e.identity.IsValid() || e.identity.Linked {
		return
	}
	if time.Since(e.lastLinkRequest) < identityLinkInterval {
		return
	}
	e.lastLinkRequest = time.Now()
	e.SendLinkIdentity(e.identity.ID, e.identity.SessionID)
}

func (e *Endpoint) SendLinkIdentity(id uint32, sessionID uint32) {
	e.sendIdentityMessage(wire.MessageTypeLink, id, sessionID, wire.Address{})
}

func (e *Endpoint) SendUnlinkIdentity(id uint32, sessionID uint32) {
	e.sendIdentityMessage(wire.MessageTypeUnlink, id, sessionID, wire.Address{})
}

func (e *Endpoint) sendIdentityMessage(messageType uint8, id uint32, sessionID uint32, addr wire.Address) {
	header := wire.ConnectionHeader{MessageType: messageType, ID: id, SessionID: sessionID}
	var buf [wire.ConnectionHeaderSize]byte
	header.Write(buf[:])
	e.socket.Send(addr, buf[:])
}
