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
	"github.com/sched-plugins/picktwo/pkg/queue"
)

// moveToLocal pops the lowest-vtime entry from the queue onto the CPU's
// local run queue. Entries whose task exited while queued are skipped.
func (s *Scheduler) moveToLocal(cpu int, q *queue.Vtime) bool {
	for {
		e, ok := q.PopMin()
		if !ok {
			return false
		}
		taskc, err := s.taskContext(TaskID(e.ID))
		if err != nil {
			continue
		}
		s.fw.InsertLocal(cpu, TaskID(e.ID), taskc.SliceNs, false)
		return true
	}
}

// keepRunning decides whether the previous task may keep its CPU for
// another slice: only for not-least-interactive tiers, within the
// uninterrupted-runtime budget, and only while the domain has fewer queued
// tasks than CPUs.
func (s *Scheduler) keepRunning(cpuc *CPUContext, llcx *LLCContext, prev TaskID) bool {
	if !s.cfg.Scheduler.KeepRunning ||
		cpuc.TierIndex == s.cfg.Scheduler.NrTiers-1 ||
		cpuc.RanForNs >= s.maxExecNs {
		return false
	}

	if llcx.nrQueued() >= uint64(llcx.NrCPUs) {
		return false
	}

	taskc, err := s.taskContext(prev)
	if err != nil {
		return false
	}

	sliceNs := s.clampSlice(scaleByWeight(taskc.Weight, cpuc.SliceNs))
	cpuc.RanForNs += sliceNs
	s.fw.ExtendSlice(cpuc.ID, prev, sliceNs)
	s.stats.Inc(StatKeep)
	return true
}

// Dispatch chooses the next task for an idle CPU. Unless the system is
// saturated, the heads of the affinity, cache-domain, and migration queues
// are compared and the lowest fairness counter wins; losing a pop race falls
// through the remaining queues, then the keep-running path, then cross-domain
// pick-two. prev is the task that just ran, zero if none.
func (s *Scheduler) Dispatch(cpu int, prev TaskID) {
	cpuc := s.cpuContext(cpu)
	llcx := s.llcContext(cpuc.LLCID)

	var (
		minQ       *queue.Vtime
		minVtime   uint64
		haveMin    bool
		minBounded bool
		peeked     queue.Entry
	)

	consider := func(q *queue.Vtime) {
		if q == nil {
			return
		}
		if e, ok := q.PeekMin(); ok && (!haveMin || e.Vtime < minVtime) {
			minQ, minVtime, haveMin, minBounded = q, e.Vtime, true, false
		}
	}

	if !s.saturated.Load() {
		consider(cpuc.AffnQueue)
		consider(cpuc.LLCQueue)
		if len(s.llcIDs) > 1 {
			if llcx.MigBounded != nil {
				if e, ok := llcx.MigBounded.PeekMin(); ok && (!haveMin || e.Vtime < minVtime) {
					minVtime, haveMin, minBounded, peeked = e.Vtime, true, true, e
					minQ = nil
				}
			} else {
				consider(llcx.MigQueue)
			}
		}
	}

	// Lowest fairness counter first.
	if minBounded {
		if e, ok := llcx.MigBounded.PopMin(); ok {
			if taskc, err := s.taskContext(TaskID(e.ID)); err == nil {
				if e == peeked {
					s.fw.InsertLocal(cpu, TaskID(e.ID), taskc.SliceNs, taskc.EnqPreempt)
					return
				}
				// Peek and pop are not atomic together; a
				// mismatched pop may have a higher counter, so
				// put it back on the domain queue by its own
				// counter and fall through.
				cpuc.LLCQueue.Insert(e)
				s.stats.Inc(StatBoundedReenq)
			}
		}
	} else if haveMin && s.moveToLocal(cpu, minQ) {
		return
	}

	// Affinitized tasks are a minority, try their queue first.
	if minQ != cpuc.AffnQueue && s.moveToLocal(cpu, cpuc.AffnQueue) {
		return
	}

	// The domain queue, or with sharding this CPU's shard then the other
	// shards round-robin for work stealing.
	if minQ != cpuc.LLCQueue && s.moveToLocal(cpu, cpuc.LLCQueue) {
		return
	}
	if nrShards := len(llcx.Shards); nrShards > 1 {
		for i := 1; i < nrShards; i++ {
			shard := llcx.Shards[(cpuc.shard+i)%nrShards]
			if shard != minQ && s.moveToLocal(cpu, shard) {
				return
			}
		}
	}

	if len(s.llcIDs) > 1 {
		if llcx.MigBounded != nil {
			if e, ok := llcx.MigBounded.PopMin(); ok {
				if taskc, err := s.taskContext(TaskID(e.ID)); err == nil {
					s.fw.InsertLocal(cpu, TaskID(e.ID), taskc.SliceNs, taskc.EnqPreempt)
					return
				}
			}
		} else if llcx.MigQueue != minQ && s.moveToLocal(cpu, llcx.MigQueue) {
			return
		}
	}

	if prev != 0 && s.keepRunning(cpuc, llcx, prev) {
		return
	}

	s.dispatchPickTwo(cpu, llcx)
}
