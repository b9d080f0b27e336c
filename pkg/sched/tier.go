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

func (s *Scheduler) refreshLLCRuns(taskc *TaskContext) {
	taskc.LLCRuns = s.minLLCRuns.Load()
}

// updateVtime aligns the task's fairness counter with the target domain.
// Within the same domain the counter is only clamped so a long-idle task
// never resumes more than one weight-scaled maximum slice behind.
func (s *Scheduler) updateVtime(taskc *TaskContext, llcx *LLCContext) {
	if taskc.LLCID == llcx.ID {
		llcVtime := llcx.Vtime.Load()
		if taskc.Vtime >= llcVtime {
			return
		}
		window := scaleByWeight(taskc.Weight, s.maxTierSlice())
		if taskc.Vtime+window < llcVtime {
			taskc.Vtime = llcVtime - window
		}
		return
	}
	taskc.Vtime = llcx.Vtime.Load()
}

// setDeadlineSlice recomputes the task's slice for a congested domain,
// scaling the maximum slice by the idle-CPU/queued-task ratio.
func (s *Scheduler) setDeadlineSlice(taskc *TaskContext, llcx *LLCContext) {
	maxNs := scaleByWeight(taskc.Weight, s.maxTierSlice())
	queued := llcx.nrQueued()

	idle := uint64(s.fw.IdleCPUSet().Size())
	if idle == 0 {
		idle = 1
	}

	if queued > idle {
		taskc.SliceNs = maxNs * idle / queued
	} else {
		taskc.SliceNs = maxNs
	}
	taskc.SliceNs = s.clampSlice(taskc.SliceNs)
}

// Running records that the task started running on the CPU: domain and node
// migration accounting, CPU context mirroring, and the bounded advance of
// the domain fairness counter.
func (s *Scheduler) Running(task TaskID, cpu int) error {
	taskc, err := s.taskContext(task)
	if err != nil {
		return err
	}

	cpuc := s.cpuContext(cpu)
	llcx := s.llcContext(cpuc.LLCID)

	if taskc.LLCID != llcx.ID {
		s.refreshLLCRuns(taskc)
		s.stats.Inc(StatLLCMigration)
		log.Debug("running task %d: llc %d->%d", task, taskc.LLCID, llcx.ID)
	} else if taskc.LLCRuns == 0 {
		s.refreshLLCRuns(taskc)
	} else {
		taskc.LLCRuns--
	}
	if taskc.NodeID != llcx.NodeID {
		s.stats.Inc(StatNodeMigration)
	}

	taskc.LLCID = llcx.ID
	taskc.NodeID = llcx.NodeID
	taskc.CPU = cpuc.ID
	taskc.Flags.SetTo(FlagWasNice, taskc.Weight < 100)

	cpuc.Flags.SetTo(FlagInteractive, taskc.Flags.Test(FlagInteractive))
	cpuc.Flags.SetTo(FlagNiceTask, taskc.Weight < 100)
	cpuc.TierIndex = taskc.TierIndex
	cpuc.SliceNs = taskc.SliceNs
	cpuc.RanForNs = 0

	// Advance the domain counter toward the task's, but only within one
	// maximum-slice window so a single outlier cannot run it away. Racy
	// by design, a lost CAS is just a skipped advance.
	vt := llcx.Vtime.Load()
	if taskc.Vtime > vt && taskc.Vtime < vt+s.maxTierSlice() {
		llcx.Vtime.CompareAndSwap(vt, taskc.Vtime)
	}

	now := s.fw.Now()
	if taskc.LastRunStarted == 0 {
		taskc.LastRunStarted = now
	}
	taskc.LastRunAt = now

	return nil
}

// Stopping records that the task stopped running. The runnable flag
// distinguishes a preempted, still-runnable task from one that blocked;
// tier reclassification and slice adaptation only happen when the task
// blocks.
func (s *Scheduler) Stopping(task TaskID, runnable bool) error {
	taskc, err := s.taskContext(task)
	if err != nil {
		return err
	}

	llcx := s.llcContext(taskc.LLCID)
	now := s.fw.Now()
	nrTiers := s.cfg.Scheduler.NrTiers

	// Re-arm the CPU for local enqueues once its nice task is off it.
	if taskc.Flags.Test(FlagWasNice) {
		cpuc := s.cpuContext(taskc.CPU)
		cpuc.Flags.Clear(FlagNiceTask)
		taskc.Flags.Clear(FlagWasNice)
	}

	taskc.LastQueueID = taskc.QueueID
	taskc.LastTierIndex = taskc.TierIndex

	lastSlice := taskc.SliceNs
	used := now - taskc.LastRunAt
	scaled := scaleByWeightInverse(taskc.Weight, used)

	taskc.Vtime += scaled
	llcx.Vtime.Add(used)
	llcx.Load.Add(used)
	if taskc.TierIndex >= 0 && taskc.TierIndex < nrTiers {
		llcx.TierLoad[taskc.TierIndex].Add(used)
	}
	if taskc.Flags.Test(FlagInteractive) {
		llcx.IntrLoad.Add(used)
	}
	if !taskc.Flags.Test(FlagAllCPUs) {
		// Affinitized load is absolute, not weight-scaled.
		llcx.AffnLoad.Add(used)
	}

	if runnable {
		return nil
	}

	used = now - taskc.LastRunStarted
	switch {
	case used >= (9*lastSlice)/10:
		// Heavy slice use moves the task toward less interactive
		// tiers.
		if taskc.TierIndex < nrTiers-1 && taskc.Weight >= 100 {
			taskc.TierIndex++
			s.stats.Inc(StatTierChange)
		} else {
			s.stats.Inc(StatTierSame)
		}
	case used < lastSlice/2:
		if taskc.TierIndex > 0 {
			taskc.TierIndex--
			s.stats.Inc(StatTierChange)
		} else {
			s.stats.Inc(StatTierSame)
		}
	default:
		s.stats.Inc(StatTierSame)
	}

	// Below-normal weight tasks never get past the second tier.
	if taskc.Weight < 100 && taskc.TierIndex > 1 {
		taskc.TierIndex = 1
	}

	if s.cfg.Scheduler.TaskSlice {
		if used >= (7*lastSlice)/8 {
			taskc.SliceNs = s.clampSlice((5 * taskc.SliceNs) >> 2)
		} else if used < lastSlice/2 {
			taskc.SliceNs = s.clampSlice((7 * taskc.SliceNs) >> 3)
		}
	} else {
		taskc.SliceNs = s.clampSlice(scaleByWeight(taskc.Weight, s.tierSlice(taskc.TierIndex)))
	}

	taskc.LastRunStarted = 0
	taskc.Flags.SetTo(FlagInteractive, taskc.interactive(nrTiers))

	return nil
}
