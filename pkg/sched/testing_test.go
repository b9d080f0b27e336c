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

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sched-plugins/picktwo/pkg/topology"
	"github.com/sched-plugins/picktwo/pkg/utils/cpuset"
)

type localInsert struct {
	cpu     int
	task    TaskID
	sliceNs uint64
	preempt bool
}

// fakeFW is a test double for the invoking framework with a settable clock
// and idle-CPU set.
type fakeFW struct {
	mu     sync.Mutex
	now    uint64
	idle   map[int]bool
	locals map[int][]localInsert
	kicked []int
	kept   []localInsert
}

func newFakeFW() *fakeFW {
	return &fakeFW{
		idle:   make(map[int]bool),
		locals: make(map[int][]localInsert),
	}
}

func (fw *fakeFW) Now() uint64 {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.now
}

func (fw *fakeFW) setNow(now uint64) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.now = now
}

func (fw *fakeFW) setIdle(cpus ...int) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.idle = make(map[int]bool)
	for _, cpu := range cpus {
		fw.idle[cpu] = true
	}
}

func (fw *fakeFW) isIdle(cpu int) bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.idle[cpu]
}

func (fw *fakeFW) InsertLocal(cpu int, task TaskID, sliceNs uint64, preempt bool) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.locals[cpu] = append(fw.locals[cpu], localInsert{cpu, task, sliceNs, preempt})
}

func (fw *fakeFW) ExtendSlice(cpu int, task TaskID, sliceNs uint64) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.kept = append(fw.kept, localInsert{cpu, task, sliceNs, false})
}

func (fw *fakeFW) KickIdle(cpu int) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.kicked = append(fw.kicked, cpu)
}

func (fw *fakeFW) TestAndClearIdle(cpu int) bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.idle[cpu] {
		fw.idle[cpu] = false
		return true
	}
	return false
}

func (fw *fakeFW) IdleCPUSet() cpuset.CPUSet {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	cpus := []int{}
	for cpu, idle := range fw.idle {
		if idle {
			cpus = append(cpus, cpu)
		}
	}
	return cpuset.New(cpus...)
}

func (fw *fakeFW) DrainLocal(cpu int) []TaskID {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	tasks := []TaskID{}
	for _, ins := range fw.locals[cpu] {
		tasks = append(tasks, ins.task)
	}
	fw.locals[cpu] = nil
	return tasks
}

func (fw *fakeFW) localTasks(cpu int) []TaskID {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	tasks := []TaskID{}
	for _, ins := range fw.locals[cpu] {
		tasks = append(tasks, ins.task)
	}
	return tasks
}

func (fw *fakeFW) kicks() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.kicked)
}

func newTestScheduler(t *testing.T, cpus, llcs, nodes int, smt bool, options ...Option) (*Scheduler, *fakeFW, topology.Topology) {
	t.Helper()

	topo, err := topology.Uniform(cpus, llcs, nodes, smt)
	require.NoError(t, err)

	fw := newFakeFW()
	s, err := New(topo, fw, options...)
	require.NoError(t, err)

	return s, fw, topo
}

func mustTaskContext(t *testing.T, s *Scheduler, id TaskID) *TaskContext {
	t.Helper()
	taskc, err := s.taskContext(id)
	require.NoError(t, err)
	return taskc
}
