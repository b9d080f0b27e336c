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

package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type record struct {
	value int
}

func TestAllocGetFree(t *testing.T) {
	tbl := New[record](4)
	require.Equal(t, 4, tbl.Cap())
	require.Equal(t, 0, tbl.Len())

	h, r, err := tbl.Alloc()
	require.NoError(t, err)
	require.False(t, h.IsNil())
	require.NotNil(t, r)
	r.value = 42

	got, err := tbl.Get(h)
	require.NoError(t, err)
	require.Same(t, r, got)
	require.Equal(t, 42, got.value)
	require.Equal(t, 1, tbl.Len())

	require.NoError(t, tbl.Free(h))
	require.Equal(t, 0, tbl.Len())
}

func TestNilHandle(t *testing.T) {
	tbl := New[record](1)

	_, err := tbl.Get(Nil)
	require.ErrorIs(t, err, ErrNilHandle)
	require.ErrorIs(t, tbl.Free(Nil), ErrNilHandle)
	require.Equal(t, "<nil>", Nil.String())
}

func TestStaleHandle(t *testing.T) {
	tbl := New[record](1)

	h, r, err := tbl.Alloc()
	require.NoError(t, err)
	r.value = 1
	require.NoError(t, tbl.Free(h))

	// The handle went stale on free.
	_, err = tbl.Get(h)
	require.ErrorIs(t, err, ErrStaleHandle)
	require.ErrorIs(t, tbl.Free(h), ErrStaleHandle)

	// Reusing the slot bumps the generation, the old handle stays stale.
	h2, r2, err := tbl.Alloc()
	require.NoError(t, err)
	require.NotEqual(t, h, h2)
	require.Equal(t, 0, r2.value)

	_, err = tbl.Get(h)
	require.ErrorIs(t, err, ErrStaleHandle)
	got, err := tbl.Get(h2)
	require.NoError(t, err)
	require.Same(t, r2, got)
}

func TestExhaustion(t *testing.T) {
	tbl := New[record](2)

	h1, _, err := tbl.Alloc()
	require.NoError(t, err)
	_, _, err = tbl.Alloc()
	require.NoError(t, err)

	_, _, err = tbl.Alloc()
	require.ErrorIs(t, err, ErrExhausted)

	require.NoError(t, tbl.Free(h1))
	_, _, err = tbl.Alloc()
	require.NoError(t, err)
}

func TestPointersStable(t *testing.T) {
	tbl := New[record](8)

	handles := make([]Handle, 0, 8)
	pointers := make([]*record, 0, 8)
	for i := 0; i < 8; i++ {
		h, r, err := tbl.Alloc()
		require.NoError(t, err)
		r.value = i
		handles = append(handles, h)
		pointers = append(pointers, r)
	}

	for i, h := range handles {
		r, err := tbl.Get(h)
		require.NoError(t, err)
		require.Same(t, pointers[i], r)
		require.Equal(t, i, r.value)
	}
}
