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

// Package pool parallelizes receives across multiple endpoints on a worker
// pool. Each endpoint is owned by exactly one worker at a time; the only
// shared structures are the buffer hand-off queues.
package pool

import (
	"sync"

	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"
	"github.com/gammazero/workerpool"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/reliable/pkg/channel"
	"github.com/livekit/reliable/pkg/endpoint"
	"github.com/livekit/reliable/pkg/wire"
)

const receivesPerEndpoint = 100000

// SendTarget routes a send by identity when IdentityID is set, by address
// otherwise.
type SendTarget struct {
	IdentityID uint32
	Address    wire.Address
}

// EndpointRef names one pooled endpoint.
type EndpointRef struct {
	Address wire.Address
	ID      uint16
}

// OutBufferCounts reports one drained batch buffer.
type OutBufferCounts struct {
	BytesWritten uint32
	Count        uint32
}

type outBuffer struct {
	data         []byte
	bytesWritten uint32
	count        uint32
}

// Pool fans receive work out over up to maxEndpoints endpoints. The
// orchestration queues are buffered channels handing whole endpoints and
// buffers between workers.
type Pool struct {
	maxEndpoints     int
	receiveBufferLen int

	endpoints map[uint16]*endpoint.Endpoint

	receiveBuffers chan []byte
	receiveQueues  chan *deque.Deque[[]byte]
	outBuffers     chan *outBuffer
	inUse          chan *endpoint.Endpoint

	published deque.Deque[[]byte]
	pending   *sync.WaitGroup

	workers *workerpool.WorkerPool
	closed  core.Fuse

	connectionsByIdentity map[uint32]endpoint.Connection
	connectionsByAddress  map[wire.Address]endpoint.Connection

	logger logger.Logger
}

func New(maxEndpoints int, receiveBufferLen int, outBufferLen int) *Pool {
	p := &Pool{
		maxEndpoints:          maxEndpoints,
		receiveBufferLen:      receiveBufferLen,
		endpoints:             make(map[uint16]*endpoint.Endpoint),
		receiveBuffers:        make(chan []byte, maxEndpoints),
		receiveQueues:         make(chan *deque.Deque[[]byte], maxEndpoints),
		outBuffers:            make(chan *outBuffer, maxEndpoints),
		inUse:                 make(chan *endpoint.Endpoint, maxEndpoints),
		workers:               workerpool.New(maxEndpoints),
		connectionsByIdentity: make(map[uint32]endpoint.Connection),
		connectionsByAddress:  make(map[wire.Address]endpoint.Connection),
		logger:                logger.GetLogger(),
	}
	for i := 0; i < maxEndpoints; i++ {
		p.receiveBuffers <- make([]byte, receiveBufferLen)
		p.receiveQueues <- &deque.Deque[[]byte]{}
		p.outBuffers <- &outBuffer{data: make([]byte, outBufferLen)}
	}
	return p
}

// CreateEndpoint binds a new endpoint on addr and adds it under id.
func (p *Pool) CreateEndpoint(config endpoint.Config, addr wire.Address, id uint16) bool {
	if len(p.endpoints) >= p.maxEndpoints {
		return false
	}
	if _, exists := p.endpoints[id]; exists {
		return false
	}

	e := endpoint.NewWithID(config, id)
	if !e.Bind(addr) {
		return false
	}
	p.endpoints[id] = e
	return true
}

func (p *Pool) Endpoint(id uint16) (*endpoint.Endpoint, bool) {
	e, ok := p.endpoints[id]
	return e, ok
}

func (p *Pool) EndpointCount() int {
	return len(p.endpoints)
}

// SetIdentity registers an identity on one endpoint; onSelf sets the
// client-side identity instead.
func (p *Pool) SetIdentity(endpointID uint16, id uint32, sessionID uint32, onSelf bool) {
	e, ok := p.endpoints[endpointID]
	if !ok {
		return
	}
	if onSelf {
		e.SetClientIdentity(id, sessionID)
	} else {
		e.SetIdentity(id, sessionID)
	}
}

// BuildConnectionMaps rebuilds the pool-wide address and identity indexes
// from every endpoint's connections. Call between receive cycles.
func (p *Pool) BuildConnectionMaps() {
	clear(p.connectionsByAddress)
	clear(p.connectionsByIdentity)

	for _, e := range p.endpoints {
		for _, conn := range e.Connections(int(^uint(0) >> 1)) {
			p.connectionsByAddress[conn.Address] = conn
			if conn.Identity.ID > 0 {
				p.connectionsByIdentity[conn.Identity.ID] = conn
			}
		}
	}
}

func (p *Pool) EndpointHavingConnection(addr wire.Address) uint16 {
	if conn, ok := p.connectionsByAddress[addr]; ok {
		return conn.EndpointID
	}
	return 0
}

func (p *Pool) EndpointHavingIdentity(id uint32) uint16 {
	if conn, ok := p.connectionsByIdentity[id]; ok {
		return conn.EndpointID
	}
	return 0
}

// AvailableEndpoint returns the endpoint with the fewest connections.
func (p *Pool) AvailableEndpoint() (EndpointRef, bool) {
	var best EndpointRef
	found := false
	low := int(^uint(0) >> 1)
	for _, e := range p.endpoints {
		count := len(e.Connections(low))
		if count < low && e.Socket().IsOpen() {
			low = count
			best = EndpointRef{Address: e.Socket().Address, ID: e.ID}
			found = true
		}
	}
	return best, found
}

// SendToTarget routes one send through whichever endpoint holds the
// target's connection.
func (p *Pool) SendToTarget(channelID uint8, target SendTarget, data []byte) channel.SendResult {
	var (
		conn endpoint.Connection
		ok   bool
	)
	if target.IdentityID > 0 {
		conn, ok = p.connectionsByIdentity[target.IdentityID]
	} else {
		conn, ok = p.connectionsByAddress[target.Address]
	}
	if !ok {
		return channel.SendResult{}
	}

	e, ok := p.endpoints[conn.EndpointID]
	if !ok {
		return channel.SendResult{}
	}
	if channelID == 0 {
		return e.SendUnreliable(conn.Address, data)
	}
	return e.SendReliable(channelID, conn.Address, data)
}

// TakePublished pops one message gathered by Receive/FinishReceive.
func (p *Pool) TakePublished() ([]byte, bool) {
	if p.published.Len() == 0 {
		return nil, false
	}
	return p.published.PopFront(), true
}

func (p *Pool) moveReceivedToPublished() int {
	count := 0
	for i := 0; i < cap(p.receiveQueues); i++ {
		select {
		case queue := <-p.receiveQueues:
			for queue.Len() > 0 {
				p.published.PushBack(queue.PopFront())
				count++
			}
			p.receiveQueues <- queue
		default:
			return count
		}
	}
	return count
}

func receiveEndpoint(e *endpoint.Endpoint, queue *deque.Deque[[]byte], receiveBuffer []byte) {
	for i := 0; i < receivesPerEndpoint; i++ {
		res := e.ReceiveLoop(receiveBuffer)
		if res.Length == 0 || res.Error > 0 {
			return
		}
		message := make([]byte, res.Length)
		copy(message, receiveBuffer[:res.Length])
		queue.PushBack(message)
	}
}

// Receive moves every endpoint into the in-use queue and spawns one task
// per endpoint; messages are heap-copied into the receive queues. Pair with
// FinishReceive. Returns false when no endpoints are available.
func (p *Pool) Receive() bool {
	count := len(p.endpoints)
	if count == 0 {
		return false
	}

	wg := &sync.WaitGroup{}
	wg.Add(count)

	for id, e := range p.endpoints {
		p.inUse <- e
		delete(p.endpoints, id)
	}

	for i := 0; i < count; i++ {
		p.workers.Submit(func() {
			defer wg.Done()
			select {
			case e := <-p.inUse:
				queue := <-p.receiveQueues
				receiveBuffer := <-p.receiveBuffers
				receiveEndpoint(e, queue, receiveBuffer)
				p.receiveBuffers <- receiveBuffer
				p.receiveQueues <- queue
				p.inUse <- e
			default:
			}
		})
	}
	p.pending = wg
	return true
}

// FinishReceive blocks on the countdown started by Receive, gathers the
// received messages into the published queue and returns the endpoints to
// the pool. Returns the endpoint and message counts.
func (p *Pool) FinishReceive() (int, int) {
	if p.pending == nil {
		return 0, 0
	}
	p.pending.Wait()
	p.pending = nil

	messageCount := p.moveReceivedToPublished()

	endpointCount := 0
	for {
		select {
		case e := <-p.inUse:
			p.endpoints[e.ID] = e
			endpointCount++
		default:
			return endpointCount, messageCount
		}
	}
}

// ReceiveBlocking runs one receive cycle over every endpoint on the worker
// pool, writing each endpoint's messages as a length-prefixed batch into
// its out-buffer. Drain with NextOutBuffer.
func (p *Pool) ReceiveBlocking() {
	wg := &sync.WaitGroup{}
	wg.Add(len(p.endpoints))

	for _, e := range p.endpoints {
		e := e
		p.workers.Submit(func() {
			defer wg.Done()
			out := <-p.outBuffers
			out.bytesWritten = 0
			out.count = 0
			receiveBuffer := <-p.receiveBuffers
			receiveEndpointIntoOutBuffer(e, out, receiveBuffer)
			p.receiveBuffers <- receiveBuffer
			p.outBuffers <- out
		})
	}
	wg.Wait()
}

func receiveEndpointIntoOutBuffer(e *endpoint.Endpoint, out *outBuffer, receiveBuffer []byte) {
	var writer wire.FrameWriter
	for i := 0; i < receivesPerEndpoint; i++ {
		res := e.ReceiveLoop(receiveBuffer)
		if res.Length == 0 || res.Error > 0 {
			out.bytesWritten = uint32(writer.BytesWritten())
			return
		}
		writer.Write(res.Channel, res.Address, receiveBuffer[:res.Length], out.data)
		out.count++
	}
	out.bytesWritten = uint32(writer.BytesWritten())
}

// NextOutBuffer copies one endpoint's batch into receiveBuffer and resets
// it. Returns zero counts when every out-buffer is empty.
func (p *Pool) NextOutBuffer(receiveBuffer []byte) OutBufferCounts {
	var result OutBufferCounts

	for i := 0; i < cap(p.outBuffers); i++ {
		select {
		case out := <-p.outBuffers:
			if out.count == 0 {
				p.outBuffers <- out
				continue
			}

			copy(receiveBuffer, out.data[:out.bytesWritten])
			result.Count = out.count
			result.BytesWritten = out.bytesWritten

			out.bytesWritten = 0
			out.count = 0
			p.outBuffers <- out
			return result
		default:
			return result
		}
	}
	return result
}

// Close stops the workers and closes every endpoint socket.
func (p *Pool) Close() {
	p.closed.Once(func() {
		p.workers.StopWait()
		for _, e := range p.endpoints {
			e.Close()
		}
	})
}
