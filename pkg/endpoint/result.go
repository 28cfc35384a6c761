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
	"github.com/livekit/reliable/pkg/channel"
	"github.com/livekit/reliable/pkg/wire"
)

const (
	ReceiveErrorUnknown uint32 = 1
	ReceiveErrorChannel uint32 = 2
)

// ReceiveResult reports one delivered message or a receive-side error.
type ReceiveResult struct {
	Channel uint16
	Address wire.Address
	Length  uint32
	Error   uint32
}

// receiveStep classifies one socket read inside the receive loop.
type receiveStep int

const (
	stepEmpty receiveStep = iota
	stepRetry
	stepError
	stepChannelError
	stepReliable
	stepUnreliable
)

// Stats aggregate endpoint-level counters over all channels.
type Stats struct {
	Channel            channel.Stats
	PacketsDropped     uint64
	UnreliableSent     uint64
	UnreliableReceived uint64
}
