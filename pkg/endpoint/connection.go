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

import "github.com/livekit/reliable/pkg/wire"

// Identity binds an application id to a session. A link is only accepted
// when the session matches what the server registered for the id.
type Identity struct {
	ID        uint32
	SessionID uint32
	Linked    bool
}

func (i Identity) IsValid() bool {
	return i.ID > 0 && i.SessionID > 0
}

func (i Identity) IsLinked() bool {
	return i.IsValid() && i.Linked
}

// Connection is the per-peer record on an endpoint.
type Connection struct {
	Address           wire.Address
	Identity          Identity
	EndpointID        uint16
	ReceivedAt        uint64
	SinceLastReceived uint64
}
