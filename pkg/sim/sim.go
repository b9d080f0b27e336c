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

// Package sim provides an in-process stand-in for the scheduling framework
// the engine normally plugs into: per-CPU local run queues, an idle-CPU
// view, and a synthetic workload driver exercising the full callback
// surface.
package sim

import (
	"math/rand"
	"sync"
	"time"

	logger "github.com/sched-plugins/picktwo/pkg/log"
	"github.com/sched-plugins/picktwo/pkg/queue"
	"github.com/sched-plugins/picktwo/pkg/sched"
	"github.com/sched-plugins/picktwo/pkg/topology"
	"github.com/sched-plugins/picktwo/pkg/utils/cpuset"
)

// Framework is a mutex-guarded simulation of the invoking framework. The
// per-CPU local run queues are plain FIFOs; preempting inserts go to the
// head. The queue map is fixed at construction, only idle state and kick
// counting need the lock.
type Framework struct {
	topo  topology.Topology
	start time.Time
	local map[int]*queue.FIFO

	mu    sync.Mutex
	idle  map[int]bool
	kicks int
}

// NewFramework creates a simulated framework with all CPUs idle.
func NewFramework(topo topology.Topology) *Framework {
	fw := &Framework{
		topo:  topo,
		start: time.Now(),
		idle:  make(map[int]bool),
		local: make(map[int]*queue.FIFO),
	}
	for _, cpu := range topo.CPUSet().List() {
		fw.idle[cpu] = true
		fw.local[cpu] = queue.NewFIFO()
	}
	return fw
}

// Now implements sched.Framework.
func (fw *Framework) Now() uint64 {
	return uint64(time.Since(fw.start).Nanoseconds())
}

// InsertLocal implements sched.Framework.
func (fw *Framework) InsertLocal(cpu int, task sched.TaskID, sliceNs uint64, preempt bool) {
	q := fw.local[cpu]
	if q == nil {
		return
	}
	e := queue.Entry{ID: uint64(task)}
	if preempt {
		q.PushFront(e)
	} else {
		q.Push(e)
	}
}

// ExtendSlice implements sched.Framework. The simulation has no running
// task register, a kept task simply stays where it is.
func (fw *Framework) ExtendSlice(cpu int, task sched.TaskID, sliceNs uint64) {
}

// KickIdle implements sched.Framework.
func (fw *Framework) KickIdle(cpu int) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.kicks++
}

// TestAndClearIdle implements sched.Framework.
func (fw *Framework) TestAndClearIdle(cpu int) bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.idle[cpu] {
		fw.idle[cpu] = false
		return true
	}
	return false
}

// IdleCPUSet implements sched.Framework.
func (fw *Framework) IdleCPUSet() cpuset.CPUSet {
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

// DrainLocal implements sched.Framework.
func (fw *Framework) DrainLocal(cpu int) []sched.TaskID {
	q := fw.local[cpu]
	if q == nil {
		return nil
	}
	tasks := []sched.TaskID{}
	for {
		e, ok := q.Pop()
		if !ok {
			return tasks
		}
		tasks = append(tasks, sched.TaskID(e.ID))
	}
}

// SetIdle marks a CPU idle or busy, as the kernel would between callbacks.
func (fw *Framework) SetIdle(cpu int, idle bool) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.idle[cpu] = idle
}

// PopLocal removes the head of a CPU's local queue.
func (fw *Framework) PopLocal(cpu int) (sched.TaskID, bool) {
	q := fw.local[cpu]
	if q == nil {
		return 0, false
	}
	e, ok := q.Pop()
	if !ok {
		return 0, false
	}
	return sched.TaskID(e.ID), true
}

// LocalLen returns the depth of a CPU's local queue.
func (fw *Framework) LocalLen(cpu int) int {
	q := fw.local[cpu]
	if q == nil {
		return 0
	}
	return q.Len()
}

type simTask struct {
	id      sched.TaskID
	prevCPU int
	blocked bool
}

// Driver runs a synthetic task mix through the engine's callback surface.
type Driver struct {
	s     *sched.Scheduler
	fw    *Framework
	topo  topology.Topology
	rng   *rand.Rand
	tasks []*simTask
}

// NewDriver creates a driver with a mixed task population: mostly
// unrestricted normal-weight tasks, some nice and some heavy, a few pinned
// kernel workers.
func NewDriver(s *sched.Scheduler, fw *Framework, topo topology.Topology, nrTasks int, rng *rand.Rand) *Driver {
	d := &Driver{s: s, fw: fw, topo: topo, rng: rng}

	for i := 0; i < nrTasks; i++ {
		id := sched.TaskID(i + 1)
		weight := uint64(100)
		switch i % 8 {
		case 6:
			weight = 80
		case 7:
			weight = 120
		}
		allowed := topo.CPUSet()
		kthread := false
		if i%16 == 15 {
			// A pinned kernel worker.
			cpu := i % topo.CPUCount()
			allowed = cpuset.New(cpu)
			kthread = true
		}
		cpu := d.rng.Intn(topo.CPUCount())
		if err := s.InitTask(id, weight, allowed, kthread, cpu); err != nil {
			continue
		}
		d.tasks = append(d.tasks, &simTask{id: id, prevCPU: cpu, blocked: true})
	}
	return d
}

// step wakes blocked tasks, dispatches idle CPUs, and runs whatever landed
// on the local queues.
func (d *Driver) step() {
	// Wake a random batch of blocked tasks.
	for _, t := range d.tasks {
		if !t.blocked || d.rng.Intn(2) == 0 {
			continue
		}
		t.blocked = false

		cpu, err := d.s.SelectCPU(t.id, t.prevCPU, 0, 0)
		if err != nil {
			continue
		}
		t.prevCPU = cpu

		promise, err := d.s.Enqueue(t.id, sched.EnqCPUSelected)
		if err != nil {
			continue
		}
		if err := promise.Complete(); err != nil {
			continue
		}
	}

	// Dispatch and run each CPU's local queue.
	for _, cpu := range d.topo.CPUSet().List() {
		if d.fw.LocalLen(cpu) == 0 {
			d.s.Dispatch(cpu, 0)
		}
		task, ok := d.fw.PopLocal(cpu)
		if !ok {
			d.fw.SetIdle(cpu, true)
			d.s.UpdateIdle(cpu, true)
			continue
		}

		d.fw.SetIdle(cpu, false)
		d.s.UpdateIdle(cpu, false)
		if err := d.s.Running(task, cpu); err != nil {
			continue
		}

		// Let a little simulated time pass before the task stops.
		time.Sleep(time.Duration(50+d.rng.Intn(200)) * time.Microsecond)

		runnable := d.rng.Intn(4) == 0
		if err := d.s.Stopping(task, runnable); err != nil {
			continue
		}
		for _, t := range d.tasks {
			if t.id == task {
				t.blocked = !runnable
				t.prevCPU = cpu
				if runnable {
					if promise, err := d.s.Enqueue(t.id, 0); err == nil {
						promise.Complete()
					}
				}
				break
			}
		}
	}
}

// Run steps the simulation until the stop channel closes.
func (d *Driver) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
			d.step()
		}
	}
}

// Report logs the engine counters accumulated during the run.
func (d *Driver) Report(log logger.Logger) {
	stats := d.s.Stats()
	for _, idx := range []sched.StatIdx{
		sched.StatDirect, sched.StatIdle, sched.StatKeep,
		sched.StatTierChange, sched.StatTierSame,
		sched.StatEnqCPU, sched.StatEnqIntr, sched.StatEnqLLC, sched.StatEnqMig,
		sched.StatSelectPick2, sched.StatDispatchPick2,
		sched.StatLLCMigration, sched.StatNodeMigration,
		sched.StatWakePrev, sched.StatWakeLLC, sched.StatWakeMig,
		sched.StatBoundedEnq, sched.StatBoundedReenq,
	} {
		log.Info("  %-16s %d", idx, stats.Get(idx))
	}
}
