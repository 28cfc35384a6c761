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
	"github.com/livekit/protocol/logger"

	"github.com/livekit/reliable/pkg/channel"
)

// Config controls one endpoint. The zero value is usable; zero fields fall
// back to defaults at construction.
type Config struct {
	// UseIdentity gates traffic on a completed identity link: servers
	// drop non-link packets from unlinked peers, clients must link before
	// sending.
	UseIdentity bool

	// DropPacketChance simulates loss: percent (0-100) of inbound
	// datagrams discarded after the socket read.
	DropPacketChance int

	// DropReliableOnly restricts simulated drops to RELIABLE packets.
	DropReliableOnly bool

	// ReceiveWindowSize bounds each receiver's window; capped at half the
	// receive ring.
	ReceiveWindowSize uint16

	// NackRedundancy is how many times a pending NACK is piggybacked
	// before being dropped from the queue.
	NackRedundancy uint32

	Logger logger.Logger
}

func (c *Config) receiveWindowSize() uint16 {
	if c.ReceiveWindowSize > 0 {
		return c.ReceiveWindowSize
	}
	return channel.DefaultReceiveWindowSize
}

func (c *Config) nackRedundancy() uint32 {
	if c.NackRedundancy > 0 {
		return c.NackRedundancy
	}
	return channel.DefaultNackRedundancy
}

// ChannelConfig configures an application channel (ids >= 3).
type ChannelConfig struct {
	Ordered           bool
	ReceiveWindowSize uint16
	NackRedundancy    uint32
}
