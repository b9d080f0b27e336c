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

// Package bitmap implements a fixed-size CPU bitmap with atomic per-bit
// operations. It is used for the shadow idle-CPU masks, which are updated
// lock-free from concurrent scheduling callbacks. Reads that span multiple
// words are not snapshots; callers tolerate slightly stale views.
package bitmap

import (
	"math/bits"
	"strings"
	"sync/atomic"

	"github.com/sched-plugins/picktwo/pkg/utils/cpuset"
)

const wordBits = 64

// Atomic is a fixed-size bitmap of CPUs with atomic single-bit operations.
type Atomic struct {
	nbits int
	words []atomic.Uint64
}

// NewAtomic creates a bitmap capable of holding the given number of CPUs.
func NewAtomic(nbits int) *Atomic {
	if nbits < 1 {
		nbits = 1
	}
	return &Atomic{
		nbits: nbits,
		words: make([]atomic.Uint64, (nbits+wordBits-1)/wordBits),
	}
}

// Size returns the capacity of the bitmap in bits.
func (m *Atomic) Size() int {
	return m.nbits
}

func (m *Atomic) valid(cpu int) bool {
	return cpu >= 0 && cpu < m.nbits
}

// Set atomically sets the bit for the given CPU.
func (m *Atomic) Set(cpu int) {
	if !m.valid(cpu) {
		return
	}
	w := &m.words[cpu/wordBits]
	mask := uint64(1) << (cpu % wordBits)
	for {
		old := w.Load()
		if old&mask != 0 || w.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

// Clear atomically clears the bit for the given CPU.
func (m *Atomic) Clear(cpu int) {
	if !m.valid(cpu) {
		return
	}
	w := &m.words[cpu/wordBits]
	mask := uint64(1) << (cpu % wordBits)
	for {
		old := w.Load()
		if old&mask == 0 || w.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

// Test checks if the bit for the given CPU is set.
func (m *Atomic) Test(cpu int) bool {
	if !m.valid(cpu) {
		return false
	}
	return m.words[cpu/wordBits].Load()&(1<<(cpu%wordBits)) != 0
}

// TestAndClear atomically clears the bit for the given CPU and returns true
// if it was set. This is the claim operation for idle CPUs: at most one
// concurrent caller observes true.
func (m *Atomic) TestAndClear(cpu int) bool {
	if !m.valid(cpu) {
		return false
	}
	w := &m.words[cpu/wordBits]
	mask := uint64(1) << (cpu % wordBits)
	for {
		old := w.Load()
		if old&mask == 0 {
			return false
		}
		if w.CompareAndSwap(old, old&^mask) {
			return true
		}
	}
}

// TestAndSet atomically sets the bit for the given CPU and returns true if it
// was clear.
func (m *Atomic) TestAndSet(cpu int) bool {
	if !m.valid(cpu) {
		return false
	}
	w := &m.words[cpu/wordBits]
	mask := uint64(1) << (cpu % wordBits)
	for {
		old := w.Load()
		if old&mask != 0 {
			return false
		}
		if w.CompareAndSwap(old, old|mask) {
			return true
		}
	}
}

// FirstSet returns the lowest set bit, or -1 if the bitmap is empty.
func (m *Atomic) FirstSet() int {
	for i := range m.words {
		if word := m.words[i].Load(); word != 0 {
			cpu := i*wordBits + bits.TrailingZeros64(word)
			if cpu < m.nbits {
				return cpu
			}
		}
	}
	return -1
}

// FirstSetIn returns the lowest set bit that is also a member of the given
// CPU set, or -1 if there is none.
func (m *Atomic) FirstSetIn(cset cpuset.CPUSet) int {
	for i := range m.words {
		word := m.words[i].Load()
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			cpu := i*wordBits + bit
			if cpu >= m.nbits {
				break
			}
			if cset.Contains(cpu) {
				return cpu
			}
			word &^= 1 << bit
		}
	}
	return -1
}

// Weight returns the number of set bits.
func (m *Atomic) Weight() int {
	cnt := 0
	for i := range m.words {
		cnt += bits.OnesCount64(m.words[i].Load())
	}
	return cnt
}

// Empty checks if no bits are set.
func (m *Atomic) Empty() bool {
	for i := range m.words {
		if m.words[i].Load() != 0 {
			return false
		}
	}
	return true
}

// CPUSet returns a point-in-time snapshot of the set bits as a CPUSet.
func (m *Atomic) CPUSet() cpuset.CPUSet {
	cpus := []int{}
	for i := range m.words {
		word := m.words[i].Load()
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			cpu := i*wordBits + bit
			if cpu < m.nbits {
				cpus = append(cpus, cpu)
			}
			word &^= 1 << bit
		}
	}
	return cpuset.New(cpus...)
}

// String returns the snapshot in cpuset list format.
func (m *Atomic) String() string {
	var b strings.Builder
	b.WriteString(m.CPUSet().String())
	return b.String()
}
