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

// Package bufferpool provides a bounded free-list of fixed-capacity byte
// buffers. Requests larger than the pooled size allocate unpooled buffers
// that are dropped on release.
package bufferpool

import "github.com/gammazero/deque"

const (
	DefaultBufferSize = 1240
	DefaultPoolSize   = 512
)

// ByteBuffer is a length-tracked byte slice. Version counts trips through
// the pool and is advisory only, never used for correctness.
type ByteBuffer struct {
	data    []byte
	Length  int
	Pooled  bool
	Version uint64
}

func NewByteBuffer(length int) *ByteBuffer {
	return &ByteBuffer{
		data:   make([]byte, length),
		Length: length,
	}
}

// Bytes returns the full backing slice; Length tracks the logical size.
func (b *ByteBuffer) Bytes() []byte {
	return b.data
}

// Pool is a bounded deque of pre-sized buffers. It is not safe for
// concurrent use; each endpoint owns its own pool.
type Pool struct {
	bufferSize int
	maxBuffers int
	buffers    deque.Deque[*ByteBuffer]
}

func New(bufferSize int, maxBuffers int) *Pool {
	return &Pool{
		bufferSize: bufferSize,
		maxBuffers: maxBuffers,
	}
}

func Default() *Pool {
	return New(DefaultBufferSize, DefaultPoolSize)
}

func (p *Pool) BufferSize() int {
	return p.bufferSize
}

func (p *Pool) Len() int {
	return p.buffers.Len()
}

// Acquire returns a buffer with Length set to length. Requests over the
// pooled size allocate an unpooled buffer.
func (p *Pool) Acquire(length int) *ByteBuffer {
	if length > p.bufferSize {
		return &ByteBuffer{
			data:   make([]byte, length),
			Length: length,
		}
	}

	if p.buffers.Len() > 0 {
		b := p.buffers.PopFront()
		b.Length = length
		return b
	}

	return &ByteBuffer{
		data:   make([]byte, p.bufferSize),
		Length: length,
		Pooled: true,
	}
}

// Release returns a buffer to the free list. Oversized buffers and releases
// into a full pool are dropped.
func (p *Pool) Release(b *ByteBuffer) bool {
	if b.Length > p.bufferSize || p.buffers.Len() >= p.maxBuffers {
		return false
	}
	b.Version++
	p.buffers.PushBack(b)
	return true
}
