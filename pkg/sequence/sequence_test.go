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

package sequence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextPrev(t *testing.T) {
	require.Equal(t, uint16(65534), Next(65533))
	require.Equal(t, uint16(0), Next(65534))
	require.Equal(t, uint16(1), Next(0))

	require.Equal(t, uint16(65533), Prev(65534))
	require.Equal(t, uint16(65534), Prev(0))
	require.Equal(t, uint16(0), Prev(1))

	// round trip over a full cycle
	seq := uint16(0)
	for i := 0; i < 70000; i++ {
		require.Equal(t, seq, Prev(Next(seq)))
		seq = Next(seq)
	}
}

func TestCompare(t *testing.T) {
	require.True(t, Greater(1, 0))
	require.True(t, Greater(0, 65534))
	require.True(t, Greater(100, 65000))
	require.False(t, Greater(65000, 100))
	require.True(t, Less(65534, 0))
	require.True(t, LessOrEqual(5, 5))
	require.True(t, LessOrEqual(4, 5))
	require.False(t, LessOrEqual(6, 5))
}

func TestCompareAntisymmetric(t *testing.T) {
	// exactly one of a>b, b>a holds for distinct values under the
	// half-range rule
	samples := []uint16{0, 1, 2, 100, 32767, 32768, 32769, 65000, 65533, 65534}
	for _, a := range samples {
		for _, b := range samples {
			if a == b {
				continue
			}
			require.NotEqual(t, Greater(a, b), Greater(b, a), "a=%d b=%d", a, b)
		}
	}
}

func TestBuffer(t *testing.T) {
	b := NewBuffer[[]byte](1024)

	b.Insert(1, make([]byte, 32))
	require.True(t, b.Contains(1))

	v, ok := b.Get(1)
	require.True(t, ok)
	require.Len(t, v, 32)

	v, ok = b.Take(1)
	require.True(t, ok)
	require.Len(t, v, 32)
	require.False(t, b.Contains(1))

	_, ok = b.Take(1)
	require.False(t, ok)
}

func TestBufferWrapCollision(t *testing.T) {
	b := NewBuffer[int](1024)

	b.Insert(1, 10)
	// 1025 maps to the same slot and overwrites
	b.Insert(1025, 20)

	v, ok := b.Get(1)
	require.True(t, ok)
	require.Equal(t, 20, v)
}

func TestBufferRange(t *testing.T) {
	b := NewBuffer[int](64)
	b.Insert(3, 3)
	b.Insert(7, 7)
	b.Insert(11, 11)

	sum := 0
	b.Range(func(v int) { sum += v })
	require.Equal(t, 21, sum)
}
