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
	"time"

	"github.com/livekit/reliable/pkg/bufferpool"
	"github.com/livekit/reliable/pkg/sequence"
)

const (
	// SendRingSize is the capacity of the outgoing payload ring.
	SendRingSize = 1024

	sendBufferExpiry = 5 * time.Second
)

// SendBuffer holds one outgoing payload keyed by its assigned sequence,
// retained for retransmission until overwritten or expired.
type SendBuffer struct {
	Sequence  uint16
	Buffer    *bufferpool.ByteBuffer
	CreatedAt time.Time
}

// SendBufferManager assigns sequences and stores outgoing payloads in a
// ring keyed by sequence mod SendRingSize.
type SendBufferManager struct {
	currentSequence uint16
	buffers         *sequence.Buffer[*SendBuffer]
	pool            *bufferpool.Pool
}

func NewSendBufferManager(pool *bufferpool.Pool) *SendBufferManager {
	return &SendBufferManager{
		buffers: sequence.NewBuffer[*SendBuffer](SendRingSize),
		pool:    pool,
	}
}

func (m *SendBufferManager) CurrentSequence() uint16 {
	return m.currentSequence
}

// Next advances the sequence and returns the send buffer stored for it.
// When the slot's previous occupant has a byte buffer large enough for the
// requested length it is reused, otherwise it is replaced.
func (m *SendBufferManager) Next(length int) *SendBuffer {
	m.currentSequence = sequence.Next(m.currentSequence)

	var buf *bufferpool.ByteBuffer
	if prior, ok := m.buffers.Take(m.currentSequence); ok {
		if len(prior.Buffer.Bytes()) >= length {
			buf = prior.Buffer
			buf.Length = length
		} else {
			m.pool.Release(prior.Buffer)
		}
	}
	if buf == nil {
		buf = m.pool.Acquire(length)
	}

	sb := &SendBuffer{
		Sequence:  m.currentSequence,
		Buffer:    buf,
		CreatedAt: time.Now(),
	}
	m.buffers.Insert(m.currentSequence, sb)
	return sb
}

// Get returns the live send buffer for seq, if any.
func (m *SendBufferManager) Get(seq uint16) (*SendBuffer, bool) {
	return m.buffers.Get(seq)
}

// Expire removes entries older than the retransmission horizon.
func (m *SendBufferManager) Expire() {
	cutoff := time.Now().Add(-sendBufferExpiry)
	var expired []uint16
	m.buffers.Range(func(sb *SendBuffer) {
		if sb.CreatedAt.Before(cutoff) {
			expired = append(expired, sb.Sequence)
		}
	})
	for _, seq := range expired {
		if sb, ok := m.buffers.Take(seq); ok {
			m.pool.Release(sb.Buffer)
		}
	}
}
