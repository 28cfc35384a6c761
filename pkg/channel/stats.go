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

import "fmt"

// Stats are per-channel counters. They are owned by the endpoint thread;
// snapshots are plain copies.
type Stats struct {
	Sent               uint64
	Received           uint64
	BytesSent          uint64
	BytesReceived      uint64
	FragmentsSent      uint64
	FragmentsReceived  uint64
	FragmentsAssembled uint64
	Published          uint64
	PublishedConsumed  uint64
	NacksSent          uint64
	NacksReceived      uint64
	Resent             uint64
	NonesSent          uint64
	NonesReceived      uint64
	NonesAccepted      uint64
	SkippedSequences   uint64
}

func (s *Stats) AddFrom(other *Stats) {
	s.Sent += other.Sent
	s.Received += other.Received
	s.BytesSent += other.BytesSent
	s.BytesReceived += other.BytesReceived
	s.FragmentsSent += other.FragmentsSent
	s.FragmentsReceived += other.FragmentsReceived
	s.FragmentsAssembled += other.FragmentsAssembled
	s.Published += other.Published
	s.PublishedConsumed += other.PublishedConsumed
	s.NacksSent += other.NacksSent
	s.NacksReceived += other.NacksReceived
	s.Resent += other.Resent
	s.NonesSent += other.NonesSent
	s.NonesReceived += other.NonesReceived
	s.NonesAccepted += other.NonesAccepted
	s.SkippedSequences += other.SkippedSequences
}

func (s *Stats) String() string {
	return fmt.Sprintf(
		"sent:%d received:%d kb_sent:%d kb_received:%d fragments_sent:%d fragments_received:%d fragments_assembled:%d published:%d published_consumed:%d nacks_sent:%d nacks_received:%d resent:%d nones_sent:%d nones_received:%d nones_accepted:%d skipped_sequences:%d",
		s.Sent, s.Received, s.BytesSent/1024, s.BytesReceived/1024,
		s.FragmentsSent, s.FragmentsReceived, s.FragmentsAssembled,
		s.Published, s.PublishedConsumed, s.NacksSent, s.NacksReceived, s.Resent,
		s.NonesSent, s.NonesReceived, s.NonesAccepted, s.SkippedSequences)
}
