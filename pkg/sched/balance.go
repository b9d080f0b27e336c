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
	"time"
)

// consumeLLC makes one non-blocking attempt to move a task from the domain's
// migration queue to the CPU's local queue.
func (s *Scheduler) consumeLLC(cpu int, llcx *LLCContext) bool {
	if llcx == nil {
		return false
	}

	if llcx.MigBounded != nil && llcx.MigBounded.Len() > 0 {
		e, ok := llcx.MigBounded.PopMin()
		if !ok {
			return false
		}
		taskc, err := s.taskContext(TaskID(e.ID))
		if err != nil {
			return false
		}
		s.fw.InsertLocal(cpu, TaskID(e.ID), taskc.SliceNs, taskc.EnqPreempt)
		s.stats.Inc(StatDispatchPick2)
		return true
	}

	if s.moveToLocal(cpu, llcx.MigQueue) {
		s.stats.Inc(StatDispatchPick2)
		return true
	}
	return false
}

// dispatchPickTwo is the dispatch-time randomized balancing pass: sample two
// cache domains, order them by descending load, and consume one task from
// the first whose load exceeds the local domain's by the slack percentage.
// Under saturation both are tried unconditionally, plus one more random
// domain on larger systems.
func (s *Scheduler) dispatchPickTwo(cpu int, curLLC *LLCContext) {
	lb := &s.cfg.LoadBalance

	if lb.SingleLLC || len(s.llcIDs) < 2 || lb.DispatchPick2Disable {
		return
	}

	if lb.MinNrQueued > 0 && curLLC.nrQueued() < lb.MinNrQueued {
		return
	}
	if lb.Backoff > 0 && s.fw.Now()-curLLC.LastPeriodNs.Load() < uint64(lb.Backoff) {
		return
	}

	var left, right *LLCContext
	if len(s.llcIDs) == 2 {
		left, right = s.llcs[s.llcIDs[0]], s.llcs[s.llcIDs[1]]
	} else {
		left, right = s.randLLC(), s.randLLC()
	}

	// Collision: re-pick deterministically from the local load.
	if left.ID == right.ID {
		right = s.llcs[s.llcIDs[int(curLLC.Load.Load()%uint64(len(s.llcIDs)))]]
	}

	first, second := left, right
	if right.Load.Load() > left.Load.Load() {
		first, second = right, left
	}

	// With two domains the local one has already been drained, start
	// with the other.
	if len(s.llcIDs) == 2 && first.ID == curLLC.ID {
		first, second = second, curLLC
	}

	curLoad := curLLC.Load.Load()
	curLoad += curLoad * lb.SlackFactor / 100

	if first.Load.Load() >= curLoad && s.consumeLLC(cpu, first) {
		return
	}
	if second.Load.Load() >= curLoad && s.consumeLLC(cpu, second) {
		return
	}

	if s.saturated.Load() {
		if s.consumeLLC(cpu, first) || s.consumeLLC(cpu, second) {
			return
		}
		if len(s.llcIDs) > 2 {
			s.consumeLLC(cpu, s.randLLC())
		}
	}
}

// LoadBalanceOnce runs one balance timer pass: compute pairwise imbalance
// against a rotating partner domain, record migration bias targets, adapt
// the tier slice table when autoslicing, and reset the period accumulators.
func (s *Scheduler) LoadBalanceOnce() {
	n := len(s.llcIDs)
	if n < 2 {
		return
	}

	lbSlack := s.cfg.LoadBalance.SlackFactor
	if lbSlack == 0 {
		lbSlack = fallbackSlackFactor
	}

	var loadSum, intrSum uint64
	offset := int(s.llcLBOffset)

	for i, id := range s.llcIDs {
		llcx := s.llcs[id]
		partner := s.llcs[s.llcIDs[(i+offset)%n]]

		load, partnerLoad := llcx.Load.Load(), partner.Load.Load()
		loadSum += load
		intrSum += llcx.IntrLoad.Load()

		var imbalance uint64
		if load > partnerLoad {
			imbalance = 100 * (load - partnerLoad) / load
		}

		if imbalance > lbSlack {
			llcx.LBTarget.Store(int64(partner.ID))
		} else {
			llcx.LBTarget.Store(-1)
		}
		log.Debug("balance llc %d load %d partner %d load %d imbalance %d%%",
			llcx.ID, load, partner.ID, partnerLoad, imbalance)
	}

	s.llcLBOffset = uint32((offset % (n - 1)) + 1)

	if s.cfg.Timeline.Autoslice && loadSum > 0 && loadSum >= intrSum {
		s.autoslice(loadSum, intrSum)
	}

	now := s.fw.Now()
	for _, id := range s.llcIDs {
		llcx := s.llcs[id]
		llcx.Load.Store(0)
		llcx.IntrLoad.Store(0)
		llcx.AffnLoad.Store(0)
		for tier := 0; tier < s.cfg.Scheduler.NrTiers; tier++ {
			llcx.TierLoad[tier].Store(0)
		}
		llcx.LastPeriodNs.Store(now)
	}
}

// autoslice adapts the base tier slice toward the configured interactive
// load ratio: grow by 10% while interactive load is below target, shrink by
// ~9% otherwise, floored at the configured minimum. Higher tiers are
// recomputed from the base so slices stay monotonically non-decreasing
// across tiers.
func (s *Scheduler) autoslice(loadSum, intrSum uint64) {
	base := s.tierSlices[0].Load()

	grow := intrSum == 0
	if !grow {
		ideal := loadSum * s.cfg.Scheduler.InteractiveRatio / 100
		grow = intrSum < ideal
	}

	if grow {
		base = (11 * base) / 10
	} else {
		base = (10 * base) / 11
		if base < s.minSliceNs {
			base = s.minSliceNs
		}
	}

	s.tierSlices[0].Store(base)
	shift := s.cfg.Scheduler.TierShift
	for tier := 1; tier < s.cfg.Scheduler.NrTiers; tier++ {
		sliceNs := base << uint(tier) << shift
		if prev := s.tierSlices[tier-1].Load(); sliceNs < prev {
			sliceNs = prev << shift
		}
		s.tierSlices[tier].Store(sliceNs)
	}
	log.Debug("autoslice base slice now %dns", base)
}

// balanceLoop runs the fixed-interval balance timer until Exit. A zero
// interval runs a single pass.
func (s *Scheduler) balanceLoop() {
	defer s.wg.Done()

	interval := s.cfg.LoadBalance.Interval
	if interval <= 0 {
		s.LoadBalanceOnce()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopLB:
			return
		case <-ticker.C:
			s.LoadBalanceOnce()
		}
	}
}
