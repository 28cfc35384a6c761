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

// Package endpoint ties one UDP socket to its per-peer channel map,
// identity bookkeeping and the receive/send orchestration. An endpoint is
// single-threaded: ReceiveLoop, Update and the send methods must be called
// from one goroutine.
package endpoint

import (
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/reliable/pkg/bufferpool"
	"github.com/livekit/reliable/pkg/channel"
	"github.com/livekit/reliable/pkg/telemetry/prometheus"
	"github.com/livekit/reliable/pkg/wire"
)

const (
	receiveLoopIterations = 100

	identityLinkInterval = 300 * time.Millisecond
)

type channelKey struct {
	address wire.Address
	id      uint8
}

// Endpoint is one bound or connected socket plus its peer-indexed channels.
type Endpoint struct {
	ID uint16

	config Config
	socket *Socket
	pool   *bufferpool.Pool

	channels      map[channelKey]*channel.Channel
	channelConfig map[uint8]ChannelConfig

	connections       map[wire.Address]*Connection
	identities        map[uint32]uint32
	identityToAddress map[uint32]wire.Address

	// client-side identity, valid when UseIdentity is set
	identity        Identity
	lastLinkRequest time.Time

	unreliableSender *UnreliableSender

	OnConnectionAdded   func(Connection)
	OnConnectionRemoved func(Connection)
	OnLinked            func()

	startTime time.Time

	packetsDropped     uint64
	unreliableReceived uint64

	logger logger.Logger
}

func New(config Config) *Endpoint {
	return NewWithID(config, 0)
}

func NewWithID(config Config, id uint16) *Endpoint {
	log := config.Logger
	if log == nil {
		log = logger.GetLogger()
	}
	e := &Endpoint{
		ID:                id,
		config:            config,
		socket:            NewSocket(),
		pool:              bufferpool.Default(),
		channels:          make(map[channelKey]*channel.Channel),
		channelConfig:     make(map[uint8]ChannelConfig),
		connections:       make(map[wire.Address]*Connection),
		identities:        make(map[uint32]uint32),
		identityToAddress: make(map[uint32]wire.Address),
		startTime:         time.Now(),
		lastLinkRequest:   time.Now().Add(-identityLinkInterval),
		logger:            log,
	}
	e.channelConfig[1] = ChannelConfig{Ordered: true}
	e.channelConfig[2] = ChannelConfig{Ordered: false}
	return e
}

func (e *Endpoint) Socket() *Socket {
	return e.socket
}

func (e *Endpoint) timeSinceStart() uint64 {
	return uint64(time.Since(e.startTime) / time.Millisecond)
}

// Bind opens a server socket on addr.
func (e *Endpoint) Bind(addr wire.Address) bool {
	if !e.socket.Bind(addr) {
		return false
	}
	e.unreliableSender = e.CreateUnreliableSender()
	return true
}

// Connect opens a client socket to addr and creates the default-address
// connection with its configured channels.
func (e *Endpoint) Connect(addr wire.Address) bool {
	if !e.socket.Connect(addr) {
		return false
	}
	local := wire.Address{}
	if _, ok := e.connections[local]; !ok {
		e.createConnection(local, Identity{})
	}
	e.unreliableSender = e.CreateUnreliableSender()
	return true
}

func (e *Endpoint) Close() {
	e.socket.Close()
}

// CreateUnreliableSender hands out a stateless sender on this endpoint's
// conn handle, usable from other goroutines.
func (e *Endpoint) CreateUnreliableSender() *UnreliableSender {
	conn := e.socket.Conn()
	if conn == nil {
		return nil
	}
	return NewUnreliableSender(conn, e.socket.IsServer, 64*1024)
}

// ConfigureChannel registers an application channel. Ids below 3 are
// reserved for the implicit channels.
func (e *Endpoint) ConfigureChannel(id uint8, cfg ChannelConfig) bool {
	if id < 3 {
		return false
	}
	e.channelConfig[id] = cfg
	return true
}

func (e *Endpoint) Channel(addr wire.Address, id uint8) (*channel.Channel, bool) {
	ch, ok := e.channels[channelKey{address: addr, id: id}]
	return ch, ok
}

func (e *Endpoint) ChannelCount(addr wire.Address) int {
	count := 0
	for id := range e.channelConfig {
		if _, ok := e.channels[channelKey{address: addr, id: id}]; ok {
			count++
		}
	}
	return count
}

func (e *Endpoint) createConfiguredChannels(addr wire.Address) {
	for id, cfg := range e.channelConfig {
		key := channelKey{address: addr, id: id}
		if _, ok := e.channels[key]; ok {
			continue
		}
		windowSize := cfg.ReceiveWindowSize
		if windowSize == 0 {
			windowSize = e.config.receiveWindowSize()
		}
		redundancy := cfg.NackRedundancy
		if redundancy == 0 {
			redundancy = e.config.nackRedundancy()
		}
		e.channels[key] = channel.New(channel.Params{
			ID:                id,
			Ordered:           cfg.Ordered,
			Address:           addr,
			ReceiveWindowSize: windowSize,
			NackRedundancy:    redundancy,
			Pool:              e.pool,
			Logger:            e.logger,
		})
	}
}

func (e *Endpoint) removeConfiguredChannels(addr wire.Address) {
	for id := range e.channelConfig {
		delete(e.channels, channelKey{address: addr, id: id})
	}
}

// Update runs one periodic tick: client link refresh, then per-channel NACK
// sweeps, resends and publication.
func (e *Endpoint) Update() {
	e.clientIdentityUpdate()
	for _, ch := range e.channels {
		ch.Update(e.socket)
	}
}

// CombinedStats aggregates channel counters with endpoint-level ones.
func (e *Endpoint) CombinedStats() Stats {
	var stats Stats
	for _, ch := range e.channels {
		ch.UpdateStats()
		stats.Channel.AddFrom(ch.Stats())
	}
	stats.PacketsDropped = e.packetsDropped
	stats.UnreliableReceived = e.unreliableReceived
	if e.unreliableSender != nil {
		stats.UnreliableSent = e.unreliableSender.Sent()
	}
	return stats
}

// ReceiveLoop polls the socket up to 100 times, dispatching datagrams into
// channels, and returns the first deliverable message. With nothing
// in-flight it drains any channel's published queue.
func (e *Endpoint) ReceiveLoop(receiveBuffer []byte) ReceiveResult {
	var result ReceiveResult

	for i := 0; i < receiveLoopIterations; i++ {
		n, addr, step, channelID := e.receiveFromSocket(receiveBuffer)
		switch step {
		case stepReliable:
			if published := e.receivePublished(receiveBuffer, addr, channelID); published > 0 {
				result.Channel = uint16(channelID)
				result.Length = published
				result.Address = addr
				return result
			}
		case stepUnreliable:
			result.Length = uint32(n)
			result.Address = addr
			return result
		case stepEmpty:
			return e.receivePublishedAllChannels(receiveBuffer)
		case stepRetry:
		case stepError:
			result.Error = ReceiveErrorUnknown
			return result
		case stepChannelError:
			result.Error = ReceiveErrorChannel
			return result
		}
	}

	return e.receivePublishedAllChannels(receiveBuffer)
}

func (e *Endpoint) receivePublished(receiveBuffer []byte, addr wire.Address, channelID uint8) uint32 {
	ch, ok := e.channels[channelKey{address: addr, id: channelID}]
	if !ok {
		return 0
	}
	length, _ := ch.ReceivePublished(receiveBuffer)
	return length
}

func (e *Endpoint) receivePublishedAllChannels(receiveBuffer []byte) ReceiveResult {
	var result ReceiveResult
	for key, ch := range e.channels {
		if length, _ := ch.ReceivePublished(receiveBuffer); length > 0 {
			result.Length = length
			result.Address = key.address
			result.Channel = uint16(ch.ID)
			return result
		}
	}
	return result
}

func (e *Endpoint) receiveFromSocket(receiveBuffer []byte) (int, wire.Address, receiveStep, uint8) {
	n, addr, status := e.socket.Receive(receiveBuffer, e.config.DropPacketChance, e.config.DropReliableOnly)
	switch status {
	case SocketReceiveEmpty:
		return 0, addr, stepEmpty, 0
	case SocketReceiveError:
		return 0, addr, stepError, 0
	case SocketReceiveDropped:
		e.packetsDropped++
		prometheus.RecordPacketDropped()
		return 0, addr, stepRetry, 0
	}

	if n < 1 {
		return 0, addr, stepRetry, 0
	}
	header := wire.ReadHeader(receiveBuffer)

	if e.socket.IsServer {
		if e.config.UseIdentity {
			switch header.MessageType {
			case wire.MessageTypeLink:
				ch := wire.ReadConnectionHeader(receiveBuffer)
				e.tryLinkIdentity(addr, ch.ID, ch.SessionID)
				return 0, addr, stepRetry, 0
			case wire.MessageTypeUnlink:
				ch := wire.ReadConnectionHeader(receiveBuffer)
				e.tryUnlinkIdentity(addr, ch.ID, ch.SessionID)
				return 0, addr, stepRetry, 0
			}
			if !e.validateAndUpdateLinkedConnection(addr) {
				return 0, addr, stepRetry, 0
			}
		} else {
			e.onReceiveConnectionUpdate(addr)
		}
	} else if e.config.UseIdentity {
		switch header.MessageType {
		case wire.MessageTypeLinked:
			e.identity.Linked = true
			if e.OnLinked != nil {
				e.OnLinked()
			}
			return 0, addr, stepRetry, 0
		case wire.MessageTypeUnlinked:
			e.identity.Linked = false
			return 0, addr, stepRetry, 0
		}
		if !e.identity.IsLinked() {
			return 0, addr, stepRetry, 0
		}
	}

	if header.MessageType == wire.MessageTypeUnreliable {
		e.unreliableReceived++
		return n, addr, stepUnreliable, 0
	}

	ch, ok := e.channels[channelKey{address: addr, id: header.Channel}]
	if !ok {
		return 0, addr, stepChannelError, 0
	}

	stats := ch.Stats()
	stats.BytesReceived += uint64(n)
	prometheus.RecordBytes("received", n)

	switch header.MessageType {
	case wire.MessageTypeNone:
		stats.NonesReceived++
		if ch.Receiver().ReceivePacket(header.Sequence, receiveBuffer[:n]) {
			stats.NonesAccepted++
		}
		return 0, addr, stepRetry, 0

	case wire.MessageTypeNack:
		ch.ProcessNackMessage(addr, receiveBuffer[:n])
		return 0, addr, stepRetry, 0

	case wire.MessageTypeFragment:
		ch.ProcessFragment(header, receiveBuffer[:n])
		return 0, addr, stepRetry, 0

	case wire.MessageTypeReliable, wire.MessageTypeReliableWithNack:
		if header.MessageType == wire.MessageTypeReliableWithNack {
			ch.ProcessSingleNack(addr, receiveBuffer[:n])
		}
		if ch.Receiver().ReceivePacket(header.Sequence, receiveBuffer[:n]) {
			stats.Received++
			return n, addr, stepReliable, header.Channel
		}
		return 0, addr, stepRetry, 0
	}

	return 0, addr, stepError, 0
}

func (e *Endpoint) canSend() bool {
	if e.socket.IsServer {
		return true
	}
	if e.config.UseIdentity {
		return e.identity.Linked
	}
	return true
}

// SendUnreliable transmits data as a single unreliable datagram. Byte 0 of
// data is reserved for the 1-byte tag.
func (e *Endpoint) SendUnreliable(addr wire.Address, data []byte) channel.SendResult {
	if !e.canSend() {
		return channel.SendResult{Error: channel.SendErrorIdentity}
	}
	if e.unreliableSender == nil {
		return channel.SendResult{Error: channel.SendErrorUnknown}
	}
	return e.unreliableSender.Send(addr, data)
}

// SendReliable frames data onto the given channel, fragmenting oversized
// payloads.
func (e *Endpoint) SendReliable(channelID uint8, addr wire.Address, data []byte) channel.SendResult {
	var result channel.SendResult

	if !e.canSend() {
		result.Error = channel.SendErrorIdentity
		return result
	}
	if len(data) == 0 {
		result.Error = channel.SendErrorLength
		return result
	}
	if channelID == 0 {
		result.Error = channel.SendErrorChannel
		return result
	}
	if !e.socket.IsOpen() {
		result.Error = channel.SendErrorSocket
		return result
	}

	ch, ok := e.channels[channelKey{address: addr, id: channelID}]
	if !ok {
		result.Error = channel.SendErrorChannel
		return result
	}

	if channel.ShouldFragment(len(data)) {
		return ch.SendFragmented(addr, data, e.socket)
	}
	return ch.SendReliable(addr, data, e.socket)
}
