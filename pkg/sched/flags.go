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

package sched

import "sync/atomic"

// Flag is a single named bit in a context flag set. Flags are independent,
// never mutually exclusive.
type Flag uint32

const (
	// FlagInteractive marks an interactive task, or a CPU whose current
	// task is interactive.
	FlagInteractive Flag = 1 << iota
	// FlagAllCPUs marks a task allowed to run on every CPU.
	FlagAllCPUs
	// FlagWasNice marks a task that last ran with below-normal weight.
	FlagWasNice
	// FlagBigCore marks a performance-core CPU.
	FlagBigCore
	// FlagNiceTask marks a CPU whose last task had below-normal weight.
	FlagNiceTask
	// FlagSaturated marks a cache domain with no idle CPU.
	FlagSaturated
)

// Flags is a set of Flag bits updated with atomic operations. Concurrent
// readers may observe a slightly stale set.
type Flags struct {
	bits atomic.Uint32
}

// Set sets the given flag.
func (f *Flags) Set(flag Flag) {
	for {
		old := f.bits.Load()
		if old&uint32(flag) != 0 || f.bits.CompareAndSwap(old, old|uint32(flag)) {
			return
		}
	}
}

// Clear clears the given flag.
func (f *Flags) Clear(flag Flag) {
	for {
		old := f.bits.Load()
		if old&uint32(flag) == 0 || f.bits.CompareAndSwap(old, old&^uint32(flag)) {
			return
		}
	}
}

// Test checks if the given flag is set.
func (f *Flags) Test(flag Flag) bool {
	return f.bits.Load()&uint32(flag) != 0
}

// SetTo sets or clears the given flag.
func (f *Flags) SetTo(flag Flag, value bool) {
	if value {
		f.Set(flag)
	} else {
		f.Clear(flag)
	}
}
