// Copyright The Picktwo Authors. All Rights Reserved.
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

package queue

import (
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestFIFOOrder(t *testing.T) {
	q := NewFIFO()

	_, ok := q.Pop()
	require.False(t, ok)

	for i := uint64(1); i <= 4; i++ {
		q.Push(Entry{ID: i, Vtime: 100 - i})
	}
	require.Equal(t, 4, q.Len())

	head, ok := q.Peek()
	require.True(t, ok)
	require.Equal(t, uint64(1), head.ID)

	for i := uint64(1); i <= 4; i++ {
		e, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, i, e.ID)
	}
	require.Equal(t, 0, q.Len())
}

func TestVtimeOrder(t *testing.T) {
	q := NewVtime()

	q.Insert(Entry{ID: 1, Vtime: 300})
	q.Insert(Entry{ID: 2, Vtime: 100})
	q.Insert(Entry{ID: 3, Vtime: 200})
	// Equal counters break ties by id.
	q.Insert(Entry{ID: 5, Vtime: 100})

	min, ok := q.PeekMin()
	require.True(t, ok)
	require.Equal(t, Entry{ID: 2, Vtime: 100}, min)
	require.Equal(t, 4, q.Len())

	want := []Entry{
		{ID: 2, Vtime: 100},
		{ID: 5, Vtime: 100},
		{ID: 3, Vtime: 200},
		{ID: 1, Vtime: 300},
	}
	for _, w := range want {
		e, ok := q.PopMin()
		require.True(t, ok)
		require.Equal(t, w, e)
	}

	_, ok = q.PopMin()
	require.False(t, ok)
}

func TestBoundedVtimeFull(t *testing.T) {
	q := NewBoundedVtime(2)
	require.Equal(t, 2, q.Cap())

	require.NoError(t, q.Insert(Entry{ID: 1, Vtime: 10}))
	require.NoError(t, q.Insert(Entry{ID: 2, Vtime: 20}))
	require.ErrorIs(t, q.Insert(Entry{ID: 3, Vtime: 30}), ErrFull)
	require.Equal(t, 2, q.Len())

	e, ok := q.PopMin()
	require.True(t, ok)
	require.Equal(t, uint64(1), e.ID)

	// Popping frees capacity again.
	require.NoError(t, q.Insert(Entry{ID: 3, Vtime: 30}))
}

func TestIdleHeapOrder(t *testing.T) {
	h := NewIdleHeap(8)

	_, ok := h.Pop()
	require.False(t, ok)

	h.Insert(4, 400)
	h.Insert(1, 100)
	h.Insert(2, 100)
	h.Insert(3, 300)
	require.Equal(t, 4, h.Len())

	cpu, ok := h.Pop()
	require.True(t, ok)
	require.Equal(t, 1, cpu)
	cpu, ok = h.Pop()
	require.True(t, ok)
	require.Equal(t, 2, cpu)
	cpu, ok = h.Pop()
	require.True(t, ok)
	require.Equal(t, 3, cpu)
	cpu, ok = h.Pop()
	require.True(t, ok)
	require.Equal(t, 4, cpu)
}

func TestIdleHeapBounded(t *testing.T) {
	h := NewIdleHeap(2)
	h.Insert(1, 100)
	h.Insert(2, 200)

	// At capacity further inserts are dropped.
	h.Insert(3, 50)
	require.Equal(t, 2, h.Len())

	cpu, ok := h.Pop()
	require.True(t, ok)
	require.Equal(t, 1, cpu)

	// Popping frees capacity again.
	h.Insert(4, 10)
	require.Equal(t, 2, h.Len())
}

// Draining a vtime queue must always yield counters in non-decreasing order,
// regardless of insertion order.
func TestPropVtimeDrainSorted(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200

	properties := gopter.NewProperties(params)

	properties.Property("drain is sorted", prop.ForAll(
		func(vtimes []uint64) bool {
			q := NewVtime()
			for i, vt := range vtimes {
				q.Insert(Entry{ID: uint64(i + 1), Vtime: vt})
			}

			drained := make([]uint64, 0, len(vtimes))
			for {
				e, ok := q.PopMin()
				if !ok {
					break
				}
				drained = append(drained, e.Vtime)
			}

			if len(drained) != len(vtimes) {
				return false
			}
			return sort.SliceIsSorted(drained, func(i, j int) bool {
				return drained[i] < drained[j]
			})
		},
		gen.SliceOf(gen.UInt64Range(0, 1<<20)),
	))

	properties.TestingRun(t)
}
