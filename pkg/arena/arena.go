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

// Package arena provides fixed-capacity tables of context records addressed
// by generation-checked handles. Records never move once allocated, so a
// handle stays valid until freed; a freed-and-reused slot invalidates old
// handles through the generation counter.
package arena

import (
	"fmt"
	"sync"
)

var (
	// ErrExhausted is returned when a table has no free slots left.
	ErrExhausted = fmt.Errorf("arena: table capacity exhausted")
	// ErrNilHandle is returned for lookups with the zero handle.
	ErrNilHandle = fmt.Errorf("arena: nil handle")
	// ErrStaleHandle is returned for lookups with a freed or reused handle.
	ErrStaleHandle = fmt.Errorf("arena: stale handle")
)

// Handle identifies an allocated record in a Table. The zero Handle is nil.
type Handle struct {
	index uint32
	gen   uint32
}

// Nil is the zero Handle.
var Nil = Handle{}

// IsNil checks if the handle is the zero handle.
func (h Handle) IsNil() bool {
	return h.gen == 0
}

// String returns a printable representation of the handle.
func (h Handle) String() string {
	if h.IsNil() {
		return "<nil>"
	}
	return fmt.Sprintf("#%d.%d", h.index, h.gen)
}

type slot[T any] struct {
	gen   uint32
	inuse bool
	value T
}

// Table is a fixed-capacity slab of records of type T.
type Table[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
	count int
}

// New creates a table with the given capacity.
func New[T any](capacity int) *Table[T] {
	if capacity < 1 {
		capacity = 1
	}
	t := &Table[T]{
		slots: make([]slot[T], capacity),
		free:  make([]uint32, 0, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		t.slots[i].gen = 1
		t.free = append(t.free, uint32(i))
	}
	return t
}

// Alloc allocates a zeroed record and returns its handle and pointer.
func (t *Table[T]) Alloc() (Handle, *T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.free) == 0 {
		return Nil, nil, ErrExhausted
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	s := &t.slots[idx]
	s.inuse = true
	var zero T
	s.value = zero
	t.count++

	return Handle{index: idx, gen: s.gen}, &s.value, nil
}

// Get returns the record for the given handle.
func (t *Table[T]) Get(h Handle) (*T, error) {
	if h.IsNil() {
		return nil, ErrNilHandle
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if int(h.index) >= len(t.slots) {
		return nil, ErrStaleHandle
	}
	s := &t.slots[h.index]
	if !s.inuse || s.gen != h.gen {
		return nil, ErrStaleHandle
	}
	return &s.value, nil
}

// Free releases the record for the given handle. Outstanding handles to the
// slot become stale.
func (t *Table[T]) Free(h Handle) error {
	if h.IsNil() {
		return ErrNilHandle
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if int(h.index) >= len(t.slots) {
		return ErrStaleHandle
	}
	s := &t.slots[h.index]
	if !s.inuse || s.gen != h.gen {
		return ErrStaleHandle
	}
	s.inuse = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	t.free = append(t.free, h.index)
	t.count--

	return nil
}

// Len returns the number of allocated records.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Cap returns the capacity of the table.
func (t *Table[T]) Cap() int {
	return len(t.slots)
}
