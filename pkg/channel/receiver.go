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
	"github.com/gammazero/deque"

	"github.com/livekit/reliable/pkg/bufferpool"
	"github.com/livekit/reliable/pkg/sequence"
	"github.com/livekit/reliable/pkg/wire"
)

const (
	// ReceiveRingSize is the capacity of the receive-side rings. The window
	// must satisfy 2*window <= ring so a wrapped sequence never collides
	// with a live one.
	ReceiveRingSize = 1024

	DefaultReceiveWindowSize = 512
)

// Receiver tracks one direction of one channel: the sliding receive window,
// out-of-order buffering, the published queue and NACK generation.
type Receiver struct {
	ordered    bool
	windowSize uint16

	currentSequence uint16
	lastSequence    uint16

	buffered *sequence.Buffer[*bufferpool.ByteBuffer]
	received *sequence.Buffer[bool]

	published deque.Deque[*bufferpool.ByteBuffer]

	nackList  []wire.Nack
	nackQueue deque.Deque[wire.Nack]

	pool *bufferpool.Pool

	publishedCount   uint64
	skippedSequences uint64
}

func NewReceiver(ordered bool, windowSize uint16, pool *bufferpool.Pool) *Receiver {
	if windowSize == 0 {
		windowSize = DefaultReceiveWindowSize
	}
	if windowSize > ReceiveRingSize/2 {
		windowSize = ReceiveRingSize / 2
	}
	return &Receiver{
		ordered:    ordered,
		windowSize: windowSize,
		buffered:   sequence.NewBuffer[*bufferpool.ByteBuffer](ReceiveRingSize),
		received:   sequence.NewBuffer[bool](ReceiveRingSize),
		pool:       pool,
	}
}

func (r *Receiver) IsOrdered() bool {
	return r.ordered
}

func (r *Receiver) WindowSize() uint16 {
	return r.windowSize
}

func (r *Receiver) CurrentSequence() uint16 {
	return r.currentSequence
}

func (r *Receiver) LastSequence() uint16 {
	return r.lastSequence
}

func (r *Receiver) SkippedSequences() uint64 {
	return r.skippedSequences
}

func (r *Receiver) PublishedCount() uint64 {
	return r.publishedCount
}

func (r *Receiver) PublishedLen() int {
	return r.published.Len()
}

func (r *Receiver) IsReceived(seq uint16) bool {
	v, _ := r.received.Get(seq)
	return v
}

// shouldAdvance reports whether the gap between current and last exceeds
// the window.
func (r *Receiver) shouldAdvance() bool {
	if r.currentSequence == r.lastSequence {
		return false
	}
	start := int32(r.lastSequence) - int32(r.windowSize)
	if start < 0 {
		start = int32(sequence.MaxSequence) + 1 + start
	}
	return sequence.Greater(uint16(start), r.currentSequence)
}

// Note: current only ever advances by one step, clearing the vacated slot's
// received bit as it goes. Jumping the window forward in bigger steps would
// leave slots below current still marked received, breaking the ring as a
// ground truth for later revolutions.

// ReceivePacket admits one datagram (header included) for seq. Returns
// false for stale, duplicate or window-rejected sequences.
func (r *Receiver) ReceivePacket(seq uint16, data []byte) bool {
	if r.shouldAdvance() {
		r.received.Remove(r.currentSequence)
		r.currentSequence = sequence.Next(r.currentSequence)
		r.skippedSequences++
	}

	if sequence.LessOrEqual(seq, r.currentSequence) {
		return false
	}

	if sequence.Greater(seq, r.lastSequence) {
		r.lastSequence = seq
	}

	if seq == sequence.Next(r.currentSequence) {
		r.received.Remove(r.currentSequence)
		r.currentSequence = seq
	}

	// resends can be above current and already received
	if r.IsReceived(seq) {
		return false
	}

	buf := r.pool.Acquire(len(data))
	copy(buf.Bytes(), data)
	r.buffered.Insert(seq, buf)
	r.received.Insert(seq, true)

	r.Publish()

	return true
}

// Publish walks from current toward last, moving buffered payloads into the
// published queue. Ordered receivers stop at the first gap; unordered
// receivers stop advancing current but keep draining buffered slots.
func (r *Receiver) Publish() {
	end := sequence.Next(r.lastSequence)
	stepSequence := true
	seq := r.currentSequence

	for i := uint16(0); i < r.windowSize; i++ {
		if r.IsReceived(seq) {
			if seq == r.currentSequence {
				r.received.Remove(seq)
			} else if stepSequence && sequence.Greater(seq, r.currentSequence) {
				r.currentSequence = seq
				r.received.Remove(seq)
			}

			if buf, ok := r.buffered.Take(seq); ok {
				r.published.PushBack(buf)
				r.publishedCount++
			}
		} else {
			if r.ordered {
				break
			}
			stepSequence = false
		}

		seq = sequence.Next(seq)
		if seq == end {
			break
		}
	}
}

// TakePublished pops the next published buffer in delivery order.
func (r *Receiver) TakePublished() (*bufferpool.ByteBuffer, bool) {
	if r.published.Len() == 0 {
		return nil, false
	}
	return r.published.PopFront(), true
}

// CreateNacks scans backward from last toward current and rebuilds the NACK
// list, emitting at most windowSize/32 records. Slots at or below current
// are permanently ungap-able and excluded. Fresh records are also appended
// to the piggyback queue. Returns the total number of nacked sequences.
func (r *Receiver) CreateNacks() uint32 {
	r.nackList = r.nackList[:0]

	if r.currentSequence == r.lastSequence {
		return 0
	}

	var total uint32
	maxRecords := int(r.windowSize / 32)
	seq := sequence.Prev(r.lastSequence)

	for len(r.nackList) < maxRecords && sequence.Greater(seq, r.currentSequence) {
		if r.IsReceived(seq) {
			seq = sequence.Prev(seq)
			continue
		}

		nack := wire.Nack{StartSequence: seq, NackedCount: 1}
		prev := sequence.Prev(seq)
		for i := 0; i < 32 && sequence.Greater(prev, r.currentSequence); i++ {
			if !r.IsReceived(prev) {
				nack.SetBit(i)
				nack.NackedCount++
			}
			prev = sequence.Prev(prev)
		}

		total += nack.NackedCount
		r.nackList = append(r.nackList, nack)
		r.nackQueue.PushBack(nack)
		seq = prev
	}

	return total
}

// NackList returns the records produced by the last CreateNacks.
func (r *Receiver) NackList() []wire.Nack {
	return r.nackList
}

// PopPiggyback pops the next pending NACK for piggybacking onto an outgoing
// reliable packet. A record is handed out at most redundancy times and
// dropped from the queue after its last emission.
func (r *Receiver) PopPiggyback(redundancy uint32) (wire.Nack, bool) {
	for r.nackQueue.Len() > 0 {
		n := r.nackQueue.PopFront()
		if n.SentCount >= redundancy {
			continue
		}
		n.SentCount++
		if n.SentCount < redundancy {
			r.nackQueue.PushBack(n)
		}
		return n, true
	}
	return wire.Nack{}, false
}

// PiggybackLen returns the number of queued piggyback records.
func (r *Receiver) PiggybackLen() int {
	return r.nackQueue.Len()
}
