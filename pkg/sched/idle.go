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
	"math/bits"

	"github.com/pkg/errors"

	"github.com/sched-plugins/picktwo/pkg/utils/cpuset"
)

// claimIdleCPU atomically claims the CPU's idle state. The framework view is
// the claim authority; the shadow masks are synchronized after a successful
// claim.
func (s *Scheduler) claimIdleCPU(llcx *LLCContext, cpu int) bool {
	if !s.fw.TestAndClearIdle(cpu) {
		return false
	}
	if s.cfg.Scheduler.ShadowIdle && llcx != nil {
		llcx.IdleCPUs.Clear(cpu)
		llcx.IdleSMT.Clear(cpu)
		if sib := s.topo.Sibling(cpu); sib != cpu {
			llcx.IdleSMT.Clear(sib)
		}
	}
	return true
}

// coreIdle checks whether the CPU counts as an idle full core: its SMT
// sibling must be idle in the same view. A CPU with no sibling is trivially
// eligible.
func (s *Scheduler) coreIdle(idle cpuset.CPUSet, cpu int) bool {
	sib := s.topo.Sibling(cpu)
	return sib == cpu || idle.Contains(sib)
}

// prevIdle checks the relevant idle view for the previous CPU without
// claiming it.
func (s *Scheduler) prevIdle(llcx *LLCContext, prev int, interactive bool) bool {
	wantCore := s.topo.SMTEnabled() && !interactive
	if s.cfg.Scheduler.ShadowIdle {
		if wantCore {
			return llcx.IdleSMT.Test(prev)
		}
		return llcx.IdleCPUs.Test(prev)
	}
	idle := s.fw.IdleCPUSet()
	if !idle.Contains(prev) {
		return false
	}
	return !wantCore || s.coreIdle(idle, prev)
}

// pickAndClaimIdle finds and claims an idle CPU in the candidate set. With
// core set, only CPUs whose whole core is idle qualify. A claim lost to a
// concurrent waker falls through to the next candidate, never retrying the
// same one.
func (s *Scheduler) pickAndClaimIdle(llcx *LLCContext, cset cpuset.CPUSet, core bool) int {
	useShadow := s.cfg.Scheduler.ShadowIdle && llcx != nil && cset.IsSubsetOf(llcx.CPUs)

	if useShadow && s.cfg.Scheduler.CPUPriority && llcx.IdleHeap != nil && !core {
		// Ranked pick: drain the heap until a claimable entry shows
		// up. Stale entries are dropped on the floor.
		for n := llcx.IdleHeap.Len(); n > 0; n-- {
			cpu, ok := llcx.IdleHeap.Pop()
			if !ok {
				break
			}
			if cset.Contains(cpu) && llcx.IdleCPUs.Test(cpu) && s.claimIdleCPU(llcx, cpu) {
				return cpu
			}
		}
	}

	if useShadow {
		mask := llcx.IdleCPUs
		if core && s.topo.SMTEnabled() {
			mask = llcx.IdleSMT
		}
		for {
			cpu := mask.FirstSetIn(cset)
			if cpu < 0 {
				return -1
			}
			if mask.TestAndClear(cpu) {
				llcx.IdleCPUs.Clear(cpu)
				llcx.IdleSMT.Clear(cpu)
				s.fw.TestAndClearIdle(cpu)
				return cpu
			}
		}
	}

	idle := s.fw.IdleCPUSet()
	for _, cpu := range cset.Intersection(idle).List() {
		if core && s.topo.SMTEnabled() && !s.coreIdle(idle, cpu) {
			continue
		}
		if s.claimIdleCPU(llcx, cpu) {
			return cpu
		}
	}
	return -1
}

// canMigrate checks whether the task may move to another cache domain this
// cycle.
func (s *Scheduler) canMigrate(taskc *TaskContext, llcx *LLCContext) bool {
	lb := &s.cfg.LoadBalance

	if lb.SingleLLC {
		return false
	}
	if len(s.llcIDs) < 2 ||
		!taskc.Flags.Test(FlagAllCPUs) ||
		(!lb.DispatchLBInteractive && taskc.Flags.Test(FlagInteractive)) {
		return false
	}
	if lb.MaxTierPick2 && taskc.TierIndex != s.cfg.Scheduler.NrTiers-1 {
		return false
	}
	if taskc.LLCRuns > 0 {
		return false
	}
	if s.saturated.Load() || s.overloaded.Load() {
		return true
	}
	return llcx.Flags.Test(FlagSaturated)
}

// pickIdleAffinitizedCPU places a CPU-affinity-restricted task: previous CPU
// first, then idle cores and CPUs in its domain, then its node, then any
// allowed CPU.
func (s *Scheduler) pickIdleAffinitizedCPU(taskc *TaskContext, prev int) (int, bool) {
	llcx := s.llcContext(taskc.LLCID)
	allowed := taskc.AllowedCPUs

	if allowed.Contains(prev) && s.claimIdleCPU(llcx, prev) {
		return prev, true
	}

	cand := llcx.CPUs.Intersection(allowed)
	if s.topo.SMTEnabled() {
		if cpu := s.pickAndClaimIdle(llcx, cand, true); cpu >= 0 {
			return cpu, true
		}
	}
	if cpu := s.pickAndClaimIdle(llcx, cand, false); cpu >= 0 {
		return cpu, true
	}

	cand = llcx.NodeCPUs.Intersection(allowed)
	if cpu := s.pickAndClaimIdle(llcx, cand, false); cpu >= 0 {
		return cpu, true
	}

	if allowed.Size() > 0 {
		return allowed.List()[s.randIntn(allowed.Size())], false
	}
	return prev, false
}

// pickIdleCPU discovers and claims an idle CPU for a waking unrestricted
// task. The return reports the chosen CPU and whether its idle state was
// claimed by this call.
func (s *Scheduler) pickIdleCPU(taskc *TaskContext, prev int, wake WakeFlags, waker TaskID) (int, bool) {
	cfg := &s.cfg
	interactive := taskc.Flags.Test(FlagInteractive)
	llcx := s.llcContext(taskc.LLCID)

	if cfg.Scheduler.InteractiveSticky && interactive {
		return prev, s.claimIdleCPU(llcx, prev)
	}

	// Fast path: task waking back onto a still-idle previous CPU.
	if s.prevIdle(llcx, prev, interactive) && s.claimIdleCPU(llcx, prev) {
		return prev, true
	}

	migratable := s.canMigrate(taskc, llcx)
	if len(s.llcIDs) > 1 && !migratable &&
		(llcx.Flags.Test(FlagSaturated) || s.saturated.Load() || s.overloaded.Load()) {
		return prev, false
	}

	// Tasks without a queue yet get a randomized cache domain.
	if !validQueueID(taskc.QueueID) {
		llcx = s.randLLC()
	}

	if wake&WakeSync != 0 {
		return s.pickWakeSyncCPU(taskc, llcx, prev, waker, interactive)
	}

	if cfg.Scheduler.Mode == ModePerformance && s.topo.HasLittleCores() && llcx.BigCPUs.Size() > 0 {
		if cpu := s.pickAndClaimIdle(llcx, llcx.BigCPUs, true); cpu >= 0 {
			return cpu, true
		}
		if cpu := s.pickAndClaimIdle(llcx, llcx.BigCPUs, false); cpu >= 0 {
			return cpu, true
		}
	}
	if cfg.Scheduler.Mode == ModeEfficiency && s.topo.HasLittleCores() && llcx.LittleCPUs.Size() > 0 {
		if cpu := s.pickAndClaimIdle(llcx, llcx.LittleCPUs, true); cpu >= 0 {
			return cpu, true
		}
		if cpu := s.pickAndClaimIdle(llcx, llcx.LittleCPUs, false); cpu >= 0 {
			return cpu, true
		}
	}

	// Consume a pending load-balance bias target, one use only.
	if taskc.LLCRuns == 0 {
		if target := llcx.LBTarget.Load(); target >= 0 && llcx.LBTarget.CompareAndSwap(target, -1) {
			llcx = s.llcContext(int(target))
			s.stats.Inc(StatSelectPick2)
		}
	}

	if s.topo.HasLittleCores() && llcx.LittleCPUs.Size() > 0 && llcx.BigCPUs.Size() > 0 {
		if interactive {
			if cpu := s.pickAndClaimIdle(llcx, llcx.LittleCPUs, false); cpu >= 0 {
				return cpu, true
			}
		} else {
			if cpu := s.pickAndClaimIdle(llcx, llcx.BigCPUs, true); cpu >= 0 {
				return cpu, true
			}
		}
	}

	// The local domain, full idle cores first. These usually succeed.
	if s.topo.SMTEnabled() {
		if cpu := s.pickAndClaimIdle(llcx, llcx.CPUs, true); cpu >= 0 {
			return cpu, true
		}
	}
	if cpu := s.pickAndClaimIdle(llcx, llcx.CPUs, false); cpu >= 0 {
		return cpu, true
	}

	// Saturated domain: widen to the node, then the whole system.
	if len(s.llcIDs) > 1 && llcx.Flags.Test(FlagSaturated) && migratable {
		if cpu := s.pickAndClaimIdle(llcx, llcx.NodeCPUs, true); cpu >= 0 {
			return cpu, true
		}
		if cpu := s.pickAndClaimIdle(llcx, llcx.NodeCPUs, false); cpu >= 0 {
			return cpu, true
		}
		if s.saturated.Load() {
			if cpu := s.pickAndClaimIdle(llcx, s.topo.CPUSet(), true); cpu >= 0 {
				return cpu, true
			}
			if cpu := s.pickAndClaimIdle(llcx, s.topo.CPUSet(), false); cpu >= 0 {
				return cpu, true
			}
		}
	}

	return prev, false
}

// pickWakeSyncCPU handles synchronous hand-off wakeups: the waker is
// releasing its CPU, so prefer its cache domain when migrations there are
// allowed, the wakee's own domain otherwise.
func (s *Scheduler) pickWakeSyncCPU(taskc *TaskContext, llcx *LLCContext, prev int, waker TaskID, interactive bool) (int, bool) {
	// Interactive tasks aren't worth migrating across domains.
	if interactive || (s.topo.LLCCount() == 2 && s.topo.NodeCount() == 2) {
		if cpu := s.pickAndClaimIdle(llcx, llcx.CPUs, false); cpu >= 0 {
			s.stats.Inc(StatWakeLLC)
			return cpu, true
		}
		s.stats.Inc(StatWakePrev)
		return prev, false
	}

	wakerc, err := s.taskContext(waker)
	if err != nil {
		s.stats.Inc(StatWakePrev)
		return prev, false
	}

	if wakerc.LLCID == llcx.ID || !s.cfg.LoadBalance.WakeupLLCMigrations {
		if s.topo.SMTEnabled() {
			if cpu := s.pickAndClaimIdle(llcx, llcx.CPUs, true); cpu >= 0 {
				s.stats.Inc(StatWakeLLC)
				return cpu, true
			}
		}
		if cpu := s.pickAndClaimIdle(llcx, llcx.CPUs, false); cpu >= 0 {
			s.stats.Inc(StatWakeLLC)
			return cpu, true
		}
		s.stats.Inc(StatWakePrev)
		return prev, false
	}

	wakerLLC := s.llcContext(wakerc.LLCID)
	if cpu := s.pickAndClaimIdle(wakerLLC, wakerLLC.CPUs, true); cpu >= 0 {
		s.stats.Inc(StatWakeMig)
		return cpu, true
	}
	if cpu := s.pickAndClaimIdle(wakerLLC, wakerLLC.CPUs, false); cpu >= 0 {
		s.stats.Inc(StatWakeMig)
		return cpu, true
	}

	// Nothing idle, move next to the waker anyway.
	s.stats.Inc(StatWakeMig)
	return wakerc.CPU, false
}

// SelectCPU chooses a CPU for a waking task. On a successful idle claim the
// task goes straight to the chosen CPU's local queue.
func (s *Scheduler) SelectCPU(task TaskID, prevCPU int, wake WakeFlags, waker TaskID) (int, error) {
	if s.exited.Load() {
		return prevCPU, errors.Wrapf(ErrNotRunning, "CPU selection for task %d", task)
	}
	taskc, err := s.taskContext(task)
	if err != nil {
		return prevCPU, err
	}

	var (
		cpu     int
		claimed bool
	)
	if !taskc.Flags.Test(FlagAllCPUs) {
		cpu, claimed = s.pickIdleAffinitizedCPU(taskc, prevCPU)
	} else {
		cpu, claimed = s.pickIdleCPU(taskc, prevCPU, wake, waker)
	}

	if claimed {
		s.stats.Inc(StatIdle)
		s.fw.InsertLocal(cpu, task, taskc.SliceNs, false)
	}
	log.Debug("select task %d: %d->%d idle %v", task, prevCPU, cpu, claimed)

	return cpu, nil
}

func log2u(v uint64) uint64 {
	if v < 2 {
		return 0
	}
	return uint64(bits.Len64(v) - 1)
}

func minu64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// llcSetIdleShadow marks the CPU idle in the domain shadow masks. The SMT
// mask only contains CPUs whose whole core is idle.
func (s *Scheduler) llcSetIdleShadow(llcx *LLCContext, cpu int) {
	llcx.IdleCPUs.Set(cpu)
	if !s.topo.SMTEnabled() {
		return
	}
	sib := s.topo.Sibling(cpu)
	if sib != cpu && llcx.IdleCPUs.Test(sib) {
		llcx.IdleSMT.Set(cpu)
		llcx.IdleSMT.Set(sib)
	}
}

// llcClearIdleShadow marks the CPU busy in the domain shadow masks.
func (s *Scheduler) llcClearIdleShadow(llcx *LLCContext, cpu int) {
	llcx.IdleCPUs.Clear(cpu)
	if !s.topo.SMTEnabled() {
		return
	}
	llcx.IdleSMT.Clear(cpu)
	if sib := s.topo.Sibling(cpu); sib != cpu {
		llcx.IdleSMT.Clear(sib)
	}
}

// UpdateIdle is the idle/busy transition feedback hook. It maintains the
// system saturation state, the per-domain saturation flag, the shadow idle
// masks, and the adaptive migration-eligibility countdown.
func (s *Scheduler) UpdateIdle(cpu int, idle bool) {
	idleSet := s.fw.IdleCPUSet()
	percent := uint64(100*idleSet.Size()) / uint64(s.topo.CPUCount())

	s.saturated.Store(percent < s.cfg.Scheduler.SaturatedPercent)

	if s.saturated.Load() {
		s.minLLCRuns.Store(minu64(2, s.cfg.LoadBalance.MinLLCRuns))
	} else {
		scaler := log2u(uint64(s.topo.LLCCount()))
		s.minLLCRuns.Store(minu64(log2u(percent)+scaler, s.cfg.LoadBalance.MinLLCRuns))
	}

	llcx := s.llcContext(s.topo.CPULLC(cpu))

	if percent == 0 {
		s.overloaded.Store(true)
	}

	if idle {
		llcx.Flags.Clear(FlagSaturated)
		s.overloaded.Store(false)
	} else if llcx.CPUs.Intersection(idleSet).IsEmpty() {
		llcx.Flags.Set(FlagSaturated)
	}

	if s.cfg.Scheduler.ShadowIdle {
		if idle {
			s.llcSetIdleShadow(llcx, cpu)
		} else {
			s.llcClearIdleShadow(llcx, cpu)
		}
	}

	if !s.cfg.Scheduler.CPUPriority || llcx.IdleHeap == nil || !idle {
		return
	}

	// Rank idle CPUs so higher-priority CPUs pop first from the
	// min-heap.
	priority := uint64(1)
	if s.topo.IsBig(cpu) {
		priority = 2
	}
	llcx.IdleHeap.Insert(cpu, s.fw.Now()-(priority<<7))
}
