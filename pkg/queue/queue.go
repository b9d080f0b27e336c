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

// Package queue provides the task queue primitives the scheduling engine
// dispatches from: plain FIFO queues, virtual-time ordered queues, a bounded
// variant used for cross-domain migration, and a priority heap for ranked
// idle-CPU tracking.
package queue

import (
	"fmt"
	"sync"

	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/emirpasic/gods/trees/redblacktree"
)

// ErrFull is returned when inserting into a bounded queue at capacity.
var ErrFull = fmt.Errorf("queue: bounded queue full")

// Entry is a queued task reference: the task id and the fairness counter it
// was queued with.
type Entry struct {
	ID    uint64
	Vtime uint64
}

// FIFO is a mutex-guarded first-in first-out task queue.
type FIFO struct {
	mu    sync.Mutex
	items []Entry
}

// NewFIFO creates an empty FIFO queue.
func NewFIFO() *FIFO {
	return &FIFO{}
}

// Push appends an entry at the tail.
func (q *FIFO) Push(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, e)
}

// PushFront inserts an entry at the head, ahead of all queued work.
func (q *FIFO) PushFront(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]Entry{e}, q.items...)
}

// Pop removes and returns the head entry.
func (q *FIFO) Pop() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Entry{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

// Peek returns the head entry without removing it.
func (q *FIFO) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Entry{}, false
	}
	return q.items[0], true
}

// Len returns the number of queued entries.
func (q *FIFO) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// vtimeKey orders entries by fairness counter, with the task id as the
// tie-breaker so keys are unique.
type vtimeKey struct {
	vtime uint64
	id    uint64
}

func vtimeCompare(a, b interface{}) int {
	ka, kb := a.(vtimeKey), b.(vtimeKey)
	switch {
	case ka.vtime < kb.vtime:
		return -1
	case ka.vtime > kb.vtime:
		return 1
	case ka.id < kb.id:
		return -1
	case ka.id > kb.id:
		return 1
	}
	return 0
}

// Vtime is a task queue ordered by ascending fairness counter.
type Vtime struct {
	mu   sync.Mutex
	tree *redblacktree.Tree
}

// NewVtime creates an empty vtime-ordered queue.
func NewVtime() *Vtime {
	return &Vtime{tree: redblacktree.NewWith(vtimeCompare)}
}

// Insert queues the entry ordered by its fairness counter.
func (q *Vtime) Insert(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tree.Put(vtimeKey{vtime: e.Vtime, id: e.ID}, nil)
}

// PopMin removes and returns the entry with the lowest fairness counter.
func (q *Vtime) PopMin() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	node := q.tree.Left()
	if node == nil {
		return Entry{}, false
	}
	key := node.Key.(vtimeKey)
	q.tree.Remove(node.Key)
	return Entry{ID: key.id, Vtime: key.vtime}, true
}

// PeekMin returns the entry with the lowest fairness counter without
// removing it.
func (q *Vtime) PeekMin() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	node := q.tree.Left()
	if node == nil {
		return Entry{}, false
	}
	key := node.Key.(vtimeKey)
	return Entry{ID: key.id, Vtime: key.vtime}, true
}

// Len returns the number of queued entries.
func (q *Vtime) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Size()
}

// BoundedVtime is a fixed-capacity vtime-ordered queue. Insertion fails with
// ErrFull at capacity; callers fall back to an unbounded queue. Peek and pop
// are separate operations, so a dispatcher comparing a peeked entry against
// other queues must re-validate the popped entry.
type BoundedVtime struct {
	capacity int
	inner    *Vtime
}

// NewBoundedVtime creates a bounded vtime-ordered queue with the given
// capacity.
func NewBoundedVtime(capacity int) *BoundedVtime {
	if capacity < 1 {
		capacity = 1
	}
	return &BoundedVtime{capacity: capacity, inner: NewVtime()}
}

// Insert queues the entry, or fails with ErrFull at capacity.
func (q *BoundedVtime) Insert(e Entry) error {
	q.inner.mu.Lock()
	defer q.inner.mu.Unlock()
	if q.inner.tree.Size() >= q.capacity {
		return ErrFull
	}
	q.inner.tree.Put(vtimeKey{vtime: e.Vtime, id: e.ID}, nil)
	return nil
}

// PopMin removes and returns the entry with the lowest fairness counter.
func (q *BoundedVtime) PopMin() (Entry, bool) {
	return q.inner.PopMin()
}

// PeekMin returns the entry with the lowest fairness counter without
// removing it.
func (q *BoundedVtime) PeekMin() (Entry, bool) {
	return q.inner.PeekMin()
}

// Len returns the number of queued entries.
func (q *BoundedVtime) Len() int {
	return q.inner.Len()
}

// Cap returns the capacity of the queue.
func (q *BoundedVtime) Cap() int {
	return q.capacity
}

type idleEntry struct {
	cpu   int
	score uint64
}

func idleCompare(a, b interface{}) int {
	ea, eb := a.(idleEntry), b.(idleEntry)
	switch {
	case ea.score < eb.score:
		return -1
	case ea.score > eb.score:
		return 1
	}
	return ea.cpu - eb.cpu
}

// IdleHeap is a bounded min-heap of idle CPUs ordered by score. The lock is
// held only across a single insert or pop.
type IdleHeap struct {
	mu       sync.Mutex
	capacity int
	heap     *binaryheap.Heap
}

// NewIdleHeap creates an empty idle-CPU heap holding at most capacity
// entries.
func NewIdleHeap(capacity int) *IdleHeap {
	if capacity < 1 {
		capacity = 1
	}
	return &IdleHeap{capacity: capacity, heap: binaryheap.NewWith(idleCompare)}
}

// Insert adds a CPU with the given score. At capacity the entry is dropped;
// an idle ranking never needs more entries than the domain has CPUs.
func (h *IdleHeap) Insert(cpu int, score uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.heap.Size() >= h.capacity {
		return
	}
	h.heap.Push(idleEntry{cpu: cpu, score: score})
}

// Pop removes and returns the CPU with the lowest score.
func (h *IdleHeap) Pop() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.heap.Pop()
	if !ok {
		return -1, false
	}
	return v.(idleEntry).cpu, true
}

// Len returns the number of queued CPUs.
func (h *IdleHeap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.heap.Size()
}
