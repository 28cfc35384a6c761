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

package wire

import (
	"fmt"
	"net"

	"github.com/livekit/reliable/pkg/codec"
)

// AddressSize is the encoded size of an Address: four u16 octets plus a
// u32 port. Octets are widened for layout stability.
const AddressSize = 12

// Address identifies a peer by IPv4 quad and port. The zero value is the
// default address: sends to it use the connected-socket fast path.
type Address struct {
	A    uint16
	B    uint16
	C    uint16
	D    uint16
	Port uint32
}

func Localhost(port uint32) Address {
	return Address{A: 127, B: 0, C: 0, D: 1, Port: port}
}

func FromUDPAddr(addr *net.UDPAddr) Address {
	ip := addr.IP.To4()
	if ip == nil {
		return Address{}
	}
	return Address{
		A:    uint16(ip[0]),
		B:    uint16(ip[1]),
		C:    uint16(ip[2]),
		D:    uint16(ip[3]),
		Port: uint32(addr.Port),
	}
}

func (a Address) ToUDPAddr() *net.UDPAddr {
	return &net.UDPAddr{
		IP:   net.IPv4(byte(a.A), byte(a.B), byte(a.C), byte(a.D)),
		Port: int(a.Port),
	}
}

func (a Address) IsDefault() bool {
	return a == Address{}
}

func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.A, a.B, a.C, a.D, a.Port)
}

func (a Address) write(w *codec.Writer, data []byte) {
	w.WriteUint16(a.A, data)
	w.WriteUint16(a.B, data)
	w.WriteUint16(a.C, data)
	w.WriteUint16(a.D, data)
	w.WriteUint32(a.Port, data)
}

func readAddress(r *codec.Reader, data []byte) Address {
	var a Address
	a.A = r.ReadUint16(data)
	a.B = r.ReadUint16(data)
	a.C = r.ReadUint16(data)
	a.D = r.ReadUint16(data)
	a.Port = r.ReadUint32(data)
	return a
}
