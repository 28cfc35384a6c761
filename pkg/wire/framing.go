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

import "github.com/livekit/reliable/pkg/codec"

// FrameOverhead is the per-message framing cost in a batch out-buffer:
// u32 length, u16 channel, encoded address.
const FrameOverhead = 4 + 2 + AddressSize

// FrameWriter concatenates length-prefixed messages into a batch buffer.
// Each frame is: u32 payload length, u16 channel, source address, payload.
type FrameWriter struct {
	w codec.Writer
}

func (fw *FrameWriter) BytesWritten() int {
	return fw.w.Pos
}

func (fw *FrameWriter) Write(channel uint16, src Address, payload []byte, dst []byte) {
	fw.w.WriteUint32(uint32(len(payload)), dst)
	fw.w.WriteUint16(channel, dst)
	src.write(&fw.w, dst)
	copy(dst[fw.w.Pos:], payload)
	fw.w.Pos += len(payload)
}

// FrameReader walks a batch buffer written by FrameWriter.
type FrameReader struct {
	r codec.Reader
}

func (fr *FrameReader) Read(data []byte) (uint16, Address, []byte) {
	length := int(fr.r.ReadUint32(data))
	channel := fr.r.ReadUint16(data)
	addr := readAddress(&fr.r, data)
	payload := data[fr.r.Pos : fr.r.Pos+length]
	fr.r.Pos += length
	return channel, addr, payload
}
