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
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sched-plugins/picktwo/pkg/metrics"
)

// StatIdx identifies one monotonically increasing scheduling counter. Each
// counter is incremented exactly where the corresponding decision is made.
type StatIdx int

const (
	// StatDirect counts kernel worker threads dispatched directly to
	// their pinned CPU's local queue.
	StatDirect StatIdx = iota
	// StatIdle counts successful idle-CPU claims.
	StatIdle
	// StatKeep counts tasks kept running in place by dispatch.
	StatKeep
	// StatTierChange counts tier promotions and demotions.
	StatTierChange
	// StatTierSame counts stops that left the tier unchanged.
	StatTierSame
	// StatEnqCPU counts enqueues to a per-CPU affinity queue.
	StatEnqCPU
	// StatEnqIntr counts enqueues of interactive tasks.
	StatEnqIntr
	// StatEnqLLC counts enqueues to a cache-domain queue.
	StatEnqLLC
	// StatEnqMig counts enqueues to a migration queue.
	StatEnqMig
	// StatSelectPick2 counts load-balance bias targets consumed at
	// CPU-selection time.
	StatSelectPick2
	// StatDispatchPick2 counts cross-domain consumes at dispatch time.
	StatDispatchPick2
	// StatLLCMigration counts tasks that switched cache domains.
	StatLLCMigration
	// StatNodeMigration counts tasks that switched NUMA nodes.
	StatNodeMigration
	// StatWakePrev counts synchronous wakeups kept on the previous CPU.
	StatWakePrev
	// StatWakeLLC counts synchronous wakeups placed in the task's domain.
	StatWakeLLC
	// StatWakeMig counts synchronous wakeups migrated to the waker's
	// domain.
	StatWakeMig
	// StatBoundedEnq counts successful bounded migration-queue inserts.
	StatBoundedEnq
	// StatBoundedReenq counts bounded migration-queue overflows and
	// peek/pop mismatches resolved by reinsertion.
	StatBoundedReenq

	statCount
)

var statNames = [statCount]string{
	StatDirect:        "direct",
	StatIdle:          "idle",
	StatKeep:          "keep",
	StatTierChange:    "tier_change",
	StatTierSame:      "tier_same",
	StatEnqCPU:        "enq_cpu",
	StatEnqIntr:       "enq_intr",
	StatEnqLLC:        "enq_llc",
	StatEnqMig:        "enq_mig",
	StatSelectPick2:   "select_pick2",
	StatDispatchPick2: "dispatch_pick2",
	StatLLCMigration:  "llc_migration",
	StatNodeMigration: "node_migration",
	StatWakePrev:      "wake_prev",
	StatWakeLLC:       "wake_llc",
	StatWakeMig:       "wake_mig",
	StatBoundedEnq:    "bounded_enq",
	StatBoundedReenq:  "bounded_reenq",
}

// String returns the counter name.
func (s StatIdx) String() string {
	if s < 0 || s >= statCount {
		return "unknown"
	}
	return statNames[s]
}

// Stats is the set of scheduling counters for one scheduler instance.
type Stats struct {
	counters [statCount]atomic.Uint64
	descs    [statCount]*prometheus.Desc
}

// NewStats creates a zeroed counter set.
func NewStats() *Stats {
	s := &Stats{}
	for i := StatIdx(0); i < statCount; i++ {
		s.descs[i] = prometheus.NewDesc(
			"sched_"+statNames[i]+"_total",
			"Number of "+statNames[i]+" scheduling events.",
			nil, nil,
		)
	}
	return s
}

// Inc increments the given counter by one.
func (s *Stats) Inc(idx StatIdx) {
	s.Add(idx, 1)
}

// Add increments the given counter by amount.
func (s *Stats) Add(idx StatIdx, amount uint64) {
	if idx < 0 || idx >= statCount {
		return
	}
	s.counters[idx].Add(amount)
}

// Get returns the current value of the given counter.
func (s *Stats) Get(idx StatIdx) uint64 {
	if idx < 0 || idx >= statCount {
		return 0
	}
	return s.counters[idx].Load()
}

// Describe implements prometheus.Collector.
func (s *Stats) Describe(ch chan<- *prometheus.Desc) {
	for i := StatIdx(0); i < statCount; i++ {
		ch <- s.descs[i]
	}
}

// Collect implements prometheus.Collector.
func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	for i := StatIdx(0); i < statCount; i++ {
		ch <- prometheus.MustNewConstMetric(
			s.descs[i], prometheus.CounterValue, float64(s.counters[i].Load()))
	}
}

// RegisterCollector registers the counter set with the metrics registry.
func (s *Stats) RegisterCollector() error {
	return metrics.Register("sched", s, metrics.WithEnabled())
}
