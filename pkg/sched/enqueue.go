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
	"github.com/pkg/errors"

	"github.com/sched-plugins/picktwo/pkg/queue"
)

type promiseKind int

const (
	promiseFailed promiseKind = iota
	promiseComplete
	promiseFIFO
	promiseVtime
	promiseBoundedVtime
)

// EnqueuePromise is the deferred result of classifying an enqueue: the
// destination queue and priority are computed, but the insertion has not
// happened yet. A promise must be resolved exactly once with Complete;
// resolving it again fails with ErrPromiseConsumed.
type EnqueuePromise struct {
	s    *Scheduler
	kind promiseKind
	task TaskID

	cpu     int
	queueID QueueID
	sliceNs uint64
	vtime   uint64
	preempt bool

	// kickIdle asks Complete to wake the chosen CPU after insertion.
	kickIdle bool
	// clearedIdle records that this enqueue claimed the CPU's idle
	// state.
	clearedIdle bool

	vq       *queue.Vtime
	bq       *queue.BoundedVtime
	fallback *queue.Vtime

	consumed bool
}

// CPU returns the CPU chosen for the task.
func (p *EnqueuePromise) CPU() int {
	return p.cpu
}

// QueueID returns the destination queue, when one was chosen.
func (p *EnqueuePromise) QueueID() QueueID {
	return p.queueID
}

// ClearedIdle checks whether this enqueue claimed the chosen CPU's idle
// state.
func (p *EnqueuePromise) ClearedIdle() bool {
	return p.clearedIdle
}

// Completed checks whether nothing further needs to happen for this enqueue.
func (p *EnqueuePromise) Completed() bool {
	return p.kind == promiseComplete
}

// Complete performs the insertion the promise classified, and wakes the
// chosen CPU afterwards when flagged. Wake-after-insert ordering prevents a
// woken CPU from observing an empty queue.
func (p *EnqueuePromise) Complete() error {
	if p.consumed {
		return ErrPromiseConsumed
	}
	p.consumed = true

	s := p.s
	switch p.kind {
	case promiseComplete:
		// Insertion already happened in the builder.
	case promiseFIFO:
		s.fw.InsertLocal(p.cpu, p.task, p.sliceNs, p.preempt)
	case promiseVtime:
		p.vq.Insert(queue.Entry{ID: uint64(p.task), Vtime: p.vtime})
	case promiseBoundedVtime:
		if err := p.bq.Insert(queue.Entry{ID: uint64(p.task), Vtime: p.vtime}); err != nil {
			// Bounded structure full, fall back to the plain
			// domain queue. The task is never dropped.
			p.fallback.Insert(queue.Entry{ID: uint64(p.task), Vtime: p.vtime})
			s.stats.Inc(StatBoundedReenq)
		} else {
			s.stats.Inc(StatBoundedEnq)
		}
	case promiseFailed:
		return ErrEnqueueFailed
	}

	if p.kickIdle {
		s.stats.Inc(StatIdle)
		s.fw.KickIdle(p.cpu)
	}
	return nil
}

// Enqueue classifies a task's destination without performing the insertion;
// the caller decides when to resolve the returned promise. Classification is
// deterministic: identical task state and flags yield the same promise kind,
// and the kernel-worker fast path is the only one that completes in place.
func (s *Scheduler) Enqueue(task TaskID, flags EnqueueFlags) (*EnqueuePromise, error) {
	if s.exited.Load() {
		return nil, errors.Wrapf(ErrNotRunning, "enqueue of task %d", task)
	}
	taskc, err := s.taskContext(task)
	if err != nil {
		return nil, err
	}

	pro := &EnqueuePromise{s: s, task: task, kind: promiseFailed}
	cpu := taskc.CPU

	// Pinned kernel worker threads go straight to their CPU's local
	// queue.
	if s.cfg.Scheduler.KthreadsLocal && taskc.Kthread && taskc.AllowedCPUs.Size() == 1 {
		cpu = taskc.AllowedCPUs.List()[0]
		s.stats.Inc(StatDirect)
		s.fw.InsertLocal(cpu, task, s.maxTierSlice(), flags&EnqPreempt != 0)
		if s.fw.TestAndClearIdle(cpu) {
			s.fw.KickIdle(cpu)
		}
		pro.kind = promiseComplete
		pro.cpu = cpu
		return pro, nil
	}

	if !taskc.Flags.Test(FlagAllCPUs) {
		return s.enqueueAffinitized(pro, taskc, cpu, flags)
	}

	if flags&EnqCPUSelected == 0 {
		var cleared bool
		cpu, cleared = s.pickIdleCPU(taskc, cpu, 0, 0)
		pro.clearedIdle = cleared
	} else {
		// CPU selection already ran; claim whatever idle state is
		// left on the chosen CPU.
		pro.clearedIdle = s.claimIdleCPU(s.llcContext(s.topo.CPULLC(cpu)), cpu)
	}

	cpuc := s.cpuContext(cpu)
	llcx := s.llcContext(cpuc.LLCID)
	pro.cpu = cpuc.ID

	s.updateVtime(taskc, llcx)
	if s.cfg.Timeline.Deadline {
		s.setDeadlineSlice(taskc, llcx)
	}

	preempt := flags&EnqPreempt != 0 || cpuc.Flags.Test(FlagNiceTask)

	if (pro.clearedIdle || cpuc.Flags.Test(FlagNiceTask)) && taskc.AllowedCPUs.Contains(cpuc.ID) {
		pro.kind = promiseFIFO
		pro.sliceNs = taskc.SliceNs
		pro.preempt = preempt
		pro.kickIdle = pro.clearedIdle
		return pro, nil
	}

	s.routeToQueues(pro, taskc, cpuc, llcx, preempt)
	return pro, nil
}

// enqueueAffinitized classifies a CPU-affinity-restricted task onto its
// CPU's affinity queue, or directly to the local queue when an idle claim
// succeeded.
func (s *Scheduler) enqueueAffinitized(pro *EnqueuePromise, taskc *TaskContext, cpu int, flags EnqueueFlags) (*EnqueuePromise, error) {
	var cleared bool
	if flags&EnqCPUSelected == 0 || !taskc.AllowedCPUs.Contains(cpu) {
		cpu, cleared = s.pickIdleAffinitizedCPU(taskc, cpu)
	} else {
		cleared = s.claimIdleCPU(s.llcContext(s.topo.CPULLC(cpu)), cpu)
	}
	pro.clearedIdle = cleared

	cpuc := s.cpuContext(cpu)
	llcx := s.llcContext(cpuc.LLCID)
	pro.cpu = cpuc.ID

	s.stats.Inc(StatEnqCPU)
	taskc.QueueID = cpuc.AffnQueueID
	s.updateVtime(taskc, llcx)
	if s.cfg.Timeline.Deadline {
		s.setDeadlineSlice(taskc, llcx)
	}

	preempt := flags&EnqPreempt != 0 || cpuc.Flags.Test(FlagNiceTask)

	// Idle affinitized tasks can be dispatched directly.
	if (cleared || cpuc.Flags.Test(FlagNiceTask)) && taskc.AllowedCPUs.Contains(cpuc.ID) {
		pro.kind = promiseFIFO
		pro.sliceNs = taskc.SliceNs
		pro.preempt = preempt
		pro.kickIdle = cleared
		return pro, nil
	}

	pro.kind = promiseVtime
	pro.vq = cpuc.AffnQueue
	pro.queueID = cpuc.AffnQueueID
	pro.sliceNs = taskc.SliceNs
	pro.vtime = taskc.Vtime
	pro.preempt = preempt
	return pro, nil
}

// routeToQueues routes an unrestricted task to the migration queue when it
// is migration-eligible, the cache-domain queue otherwise.
func (s *Scheduler) routeToQueues(pro *EnqueuePromise, taskc *TaskContext, cpuc *CPUContext, llcx *LLCContext, preempt bool) {
	if taskc.Flags.Test(FlagInteractive) {
		s.stats.Inc(StatEnqIntr)
	}

	if s.canMigrate(taskc, llcx) {
		taskc.QueueID = llcx.MigQueueID
		s.stats.Inc(StatEnqMig)
		if llcx.MigBounded != nil {
			taskc.EnqPreempt = preempt
			pro.kind = promiseBoundedVtime
			pro.bq = llcx.MigBounded
			pro.fallback = cpuc.LLCQueue
			pro.queueID = llcx.MigQueueID
		} else {
			pro.kind = promiseVtime
			pro.vq = llcx.MigQueue
			pro.queueID = llcx.MigQueueID
		}
	} else {
		taskc.QueueID = cpuc.LLCQueueID
		s.stats.Inc(StatEnqLLC)
		pro.kind = promiseVtime
		pro.vq = cpuc.LLCQueue
		pro.queueID = cpuc.LLCQueueID
	}

	pro.sliceNs = taskc.SliceNs
	pro.vtime = taskc.Vtime
	pro.preempt = preempt
}
