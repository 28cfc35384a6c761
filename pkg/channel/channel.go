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

// Package channel implements the per-channel reliability engine: the
// sliding-window receiver, the outgoing payload ring, fragmentation and the
// message-type dispatcher that ties them together.
package channel

import (
	"github.com/livekit/protocol/logger"

	"github.com/livekit/reliable/pkg/bufferpool"
	"github.com/livekit/reliable/pkg/telemetry/prometheus"
	"github.com/livekit/reliable/pkg/wire"
)

const (
	SendErrorSocket   uint32 = 1
	SendErrorChannel  uint32 = 2
	SendErrorFragment uint32 = 3
	SendErrorUnknown  uint32 = 4
	SendErrorLength   uint32 = 5
	SendErrorIdentity uint32 = 6
)

const DefaultNackRedundancy = 1

// Socket is the transmit surface injected by the owning endpoint. Channels
// hold no back-pointer to it; every call that transmits takes one.
type Socket interface {
	Send(addr wire.Address, data []byte) int
}

// SendResult reports one send operation. SentLen includes header bytes.
type SendResult struct {
	SentLen uint32
	Error   uint32
	Header  wire.Header
}

// Params configure a channel beyond the implicit defaults.
type Params struct {
	ID                uint8
	Ordered           bool
	Address           wire.Address
	ReceiveWindowSize uint16
	NackRedundancy    uint32
	Pool              *bufferpool.Pool
	Logger            logger.Logger
}

type nackedSequence struct {
	sequence uint16
	address  wire.Address
}

// Channel ties a receiver, a send-buffer ring and fragment state for one
// (peer, id) pair, and dispatches inbound packets by message type.
type Channel struct {
	ID      uint8
	Address wire.Address

	receiver       *Receiver
	sendBuffers    *SendBufferManager
	frag           *Fragmentation
	nackRedundancy uint32

	// inbound NACKs accumulated between update ticks
	nacked []nackedSequence

	nackSendScratch []byte
	resendScratch   []byte

	pool   *bufferpool.Pool
	logger logger.Logger

	stats Stats
}

func New(params Params) *Channel {
	pool := params.Pool
	if pool == nil {
		pool = bufferpool.Default()
	}
	log := params.Logger
	if log == nil {
		log = logger.GetLogger()
	}
	redundancy := params.NackRedundancy
	if redundancy == 0 {
		redundancy = DefaultNackRedundancy
	}
	return &Channel{
		ID:              params.ID,
		Address:         params.Address,
		receiver:        NewReceiver(params.Ordered, params.ReceiveWindowSize, pool),
		sendBuffers:     NewSendBufferManager(pool),
		frag:            NewFragmentation(),
		nackRedundancy:  redundancy,
		nackSendScratch: make([]byte, 4096),
		resendScratch:   make([]byte, bufferpool.DefaultBufferSize),
		pool:            pool,
		logger:          log,
	}
}

func (c *Channel) IsOrdered() bool {
	return c.receiver.IsOrdered()
}

func (c *Channel) Receiver() *Receiver {
	return c.receiver
}

func (c *Channel) SendBuffers() *SendBufferManager {
	return c.sendBuffers
}

func (c *Channel) Fragmentation() *Fragmentation {
	return c.frag
}

func (c *Channel) Stats() *Stats {
	return &c.stats
}

// UpdateStats refreshes counters derived from receiver state.
func (c *Channel) UpdateStats() {
	c.stats.Published = c.receiver.PublishedCount()

	skipped := c.receiver.SkippedSequences()
	if delta := skipped - c.stats.SkippedSequences; delta > 0 {
		prometheus.RecordSkipped(delta)
	}
	c.stats.SkippedSequences = skipped
}

// SendReliable frames and transmits one non-fragmented payload. A pending
// receiver NACK is piggybacked when one is queued.
func (c *Channel) SendReliable(addr wire.Address, data []byte, sock Socket) SendResult {
	var result SendResult

	headerSize := wire.HeaderSize
	messageType := wire.MessageTypeReliable
	nack, piggyback := c.receiver.PopPiggyback(c.nackRedundancy)
	if piggyback {
		headerSize = wire.NackedHeaderSize
		messageType = wire.MessageTypeReliableWithNack
	}

	sb := c.sendBuffers.Next(len(data) + headerSize)
	buf := sb.Buffer.Bytes()
	copy(buf[headerSize:], data)

	header := wire.Header{
		MessageType: messageType,
		Channel:     c.ID,
		Sequence:    sb.Sequence,
	}
	if piggyback {
		header.StartSequence = nack.StartSequence
		header.Flags = nack.Flags
		header.WriteNacked(buf)
	} else {
		header.Write(buf)
	}

	sentLen := sock.Send(addr, buf[:sb.Buffer.Length])
	result.SentLen = uint32(sentLen)
	result.Header = header

	c.stats.Sent++
	c.stats.BytesSent += uint64(sentLen)
	prometheus.RecordBytes("sent", sentLen)
	return result
}

// SendFragmented splits an oversized payload and transmits each fragment in
// sequence order.
func (c *Channel) SendFragmented(addr wire.Address, data []byte, sock Socket) SendResult {
	var result SendResult

	fragments := c.frag.Create(c.sendBuffers, c.ID, data)
	if len(fragments) == 0 {
		result.Error = SendErrorFragment
		return result
	}

	bytesSent := 0
	for _, seq := range fragments {
		sb, ok := c.sendBuffers.Get(seq)
		if !ok {
			result.Error = SendErrorFragment
			return result
		}
		sent := sock.Send(addr, sb.Buffer.Bytes()[:sb.Buffer.Length])
		bytesSent += sent
		c.stats.BytesSent += uint64(sent)
		prometheus.RecordBytes("sent", sent)
		c.stats.FragmentsSent++
	}

	result.SentLen = uint32(bytesSent)
	result.Header.MessageType = wire.MessageTypeFragment
	c.stats.Sent++
	return result
}

// ProcessNackMessage parses a standalone NACK sweep and queues each nacked
// sequence for service on the next update.
func (c *Channel) ProcessNackMessage(addr wire.Address, data []byte) {
	sequences := wire.ReadNacksVarint(nil, data, wire.HeaderSize)
	for _, seq := range sequences {
		c.nacked = append(c.nacked, nackedSequence{sequence: seq, address: addr})
	}
	c.stats.NacksReceived += uint64(len(sequences))
}

// ProcessSingleNack queues the NACK record piggybacked on a reliable
// packet.
func (c *Channel) ProcessSingleNack(addr wire.Address, data []byte) {
	header := wire.ReadNacked(data)
	nack := wire.Nack{StartSequence: header.StartSequence, Flags: header.Flags}
	for _, seq := range nack.Expand(nil) {
		c.nacked = append(c.nacked, nackedSequence{sequence: seq, address: addr})
	}
	c.stats.NacksReceived++
}

// ProcessFragment stores an inbound fragment and, if accepted, admits its
// sequence to the receiver with the fragmented header alone; the chunk body
// stays in the fragment store until assembly.
func (c *Channel) ProcessFragment(header wire.Header, data []byte) {
	c.stats.FragmentsReceived++
	accepted, _ := c.frag.ReceiveFragment(data)
	if accepted {
		c.receiver.ReceivePacket(header.Sequence, data[:wire.FragmentedHeaderSize])
	}
}

// Update runs one periodic tick: emit a standalone NACK sweep for current
// gaps, service inbound NACKs from the send-buffer ring, then publish.
func (c *Channel) Update(sock Socket) {
	nackedCount := c.receiver.CreateNacks()
	if nackedCount > 0 {
		header := wire.Header{MessageType: wire.MessageTypeNack, Channel: c.ID}
		header.Write(c.nackSendScratch)
		end := wire.WriteNacksVarint(c.receiver.NackList(), c.nackSendScratch, wire.HeaderSize)
		if end > 0 {
			sock.Send(c.Address, c.nackSendScratch[:end])
			c.stats.NacksSent += uint64(nackedCount)
			prometheus.RecordNacksSent(nackedCount)
		}
	}

	for _, nacked := range c.nacked {
		c.resend(nacked, sock)
	}
	c.nacked = c.nacked[:0]

	c.sendBuffers.Expire()
	c.receiver.Publish()
}

// resend retransmits a nacked sequence from the send-buffer ring, or
// fabricates a NONE placeholder when the buffer is gone so the remote
// window can advance past the gap.
func (c *Channel) resend(nacked nackedSequence, sock Socket) {
	sb, ok := c.sendBuffers.Get(nacked.sequence)
	if !ok {
		header := wire.Header{
			MessageType: wire.MessageTypeNone,
			Channel:     c.ID,
			Sequence:    nacked.sequence,
		}
		header.Write(c.resendScratch)
		sock.Send(nacked.address, c.resendScratch[:wire.HeaderSize])
		c.stats.NonesSent++
		prometheus.RecordNoneSent()
		return
	}

	buf := sb.Buffer.Bytes()[:sb.Buffer.Length]
	if buf[0] == wire.MessageTypeReliableWithNack {
		// strip the stale piggybacked record rather than resend it
		buf = c.rewriteNackedResend(buf)
	}
	sock.Send(nacked.address, buf)
	c.stats.Resent++
	prometheus.RecordResent()
}

// rewriteNackedResend reframes a RELIABLE_WITH_NACK buffer as plain
// RELIABLE, dropping the nacked extension fields.
func (c *Channel) rewriteNackedResend(buf []byte) []byte {
	header := wire.ReadHeader(buf)
	header.MessageType = wire.MessageTypeReliable

	n := len(buf) - (wire.NackedHeaderSize - wire.HeaderSize)
	if len(c.resendScratch) < n {
		c.resendScratch = make([]byte, n)
	}
	out := c.resendScratch[:n]
	header.Write(out)
	copy(out[wire.HeaderSize:], buf[wire.NackedHeaderSize:])
	return out
}

// ReceivePublished drains one assembled message from the published queue
// into out. NONE placeholders are consumed silently. Each published
// fragment entry triggers an assembly attempt: the first one consumed after
// its group is complete yields the whole body, and entries that fail to
// assemble (group incomplete or already assembled) are dropped. Returns the
// message length and source address, or 0 when nothing is deliverable.
func (c *Channel) ReceivePublished(out []byte) (uint32, wire.Address) {
	for {
		buf, ok := c.receiver.TakePublished()
		if !ok {
			return 0, wire.Address{}
		}

		data := buf.Bytes()[:buf.Length]
		messageType := data[0]

		switch messageType {
		case wire.MessageTypeNone:
			c.pool.Release(buf)

		case wire.MessageTypeFragment:
			header := wire.ReadFragmented(data)
			c.pool.Release(buf)
			body, err := c.frag.Assemble(header)
			if err != nil {
				continue
			}
			copy(out, body)
			c.stats.FragmentsAssembled += uint64(header.FragmentCount)
			c.stats.PublishedConsumed++
			return uint32(len(body)), c.Address

		case wire.MessageTypeReliable, wire.MessageTypeReliableWithNack:
			headerSize := wire.HeaderSize
			if messageType == wire.MessageTypeReliableWithNack {
				headerSize = wire.NackedHeaderSize
			}
			n := buf.Length - headerSize
			copy(out, data[headerSize:])
			c.pool.Release(buf)
			c.stats.PublishedConsumed++
			return uint32(n), c.Address

		default:
			c.logger.Debugw("dropping published buffer with unexpected type",
				"messageType", messageType, "channel", c.ID)
			c.pool.Release(buf)
		}
	}
}
