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

	idset "github.com/intel/goresctrl/pkg/utils"

	"github.com/sched-plugins/picktwo/pkg/bitmap"
	"github.com/sched-plugins/picktwo/pkg/queue"
	"github.com/sched-plugins/picktwo/pkg/utils/cpuset"
)

// TaskID identifies a task across the callback surface. Zero is never a
// valid task.
type TaskID uint64

// QueueID names one of the scheduler's task queues. Zero is invalid; a task
// whose queue id is invalid gets a randomized cache domain on its next
// enqueue.
type QueueID uint64

// QueueInvalid is the invalid queue id.
const QueueInvalid QueueID = 0

const (
	queueClassAffn  = 1
	queueClassShard = 2
	queueClassMig   = 3
)

func affnQueueID(cpu int) QueueID {
	return QueueID(queueClassAffn)<<32 | QueueID(uint32(cpu))
}

func shardQueueID(llc idset.ID, shard int) QueueID {
	return QueueID(queueClassShard)<<32 | QueueID(uint32(llc))<<8 | QueueID(uint32(shard))
}

func migQueueID(llc idset.ID) QueueID {
	return QueueID(queueClassMig)<<32 | QueueID(uint32(llc))
}

func validQueueID(id QueueID) bool {
	return id != QueueInvalid
}

// CPUContext is the per-CPU scheduling state. It is mutated only from
// callbacks running on the owning CPU, except for flag reads by the load
// balancer.
type CPUContext struct {
	ID      int
	LLCID   idset.ID
	NodeID  idset.ID
	Sibling int
	Flags   Flags

	// TierIndex and SliceNs mirror the tier and slice of the task the
	// CPU last started running.
	TierIndex int
	SliceNs   uint64
	// RanForNs accumulates uninterrupted runtime for the keep-running
	// budget.
	RanForNs uint64

	// Queues this CPU dispatches from.
	AffnQueueID QueueID
	LLCQueueID  QueueID
	MigQueueID  QueueID
	AffnQueue   *queue.Vtime
	LLCQueue    *queue.Vtime
	shard       int
}

// LLCContext is the per-cache-domain scheduling state. Load and vtime
// counters are updated with atomics from all CPUs of the domain.
type LLCContext struct {
	ID     idset.ID
	NodeID idset.ID
	NrCPUs int

	// Vtime is the domain fairness counter. Non-decreasing except for
	// the bounded backward clamp applied to resuming tasks.
	Vtime    atomic.Uint64
	Load     atomic.Uint64
	IntrLoad atomic.Uint64
	AffnLoad atomic.Uint64
	TierLoad [MaxTiers]atomic.Uint64

	Flags        Flags
	LastPeriodNs atomic.Uint64
	// LBTarget is the pending migration bias target set by the balance
	// timer, consumed once by CPU selection. Negative means none.
	LBTarget atomic.Int64

	// Static membership.
	CPUs       cpuset.CPUSet
	NodeCPUs   cpuset.CPUSet
	BigCPUs    cpuset.CPUSet
	LittleCPUs cpuset.CPUSet

	// Shadow idle views, synchronized from the idle-transition callback.
	IdleCPUs *bitmap.Atomic
	IdleSMT  *bitmap.Atomic
	IdleHeap *queue.IdleHeap

	// Queues.
	Shards     []*queue.Vtime
	ShardIDs   []QueueID
	MigQueueID QueueID
	MigQueue   *queue.Vtime
	MigBounded *queue.BoundedVtime
}

// nrQueued returns the number of tasks queued domain-wide, excluding the
// per-CPU affinity queues.
func (llcx *LLCContext) nrQueued() uint64 {
	n := uint64(0)
	for _, shard := range llcx.Shards {
		n += uint64(shard.Len())
	}
	if llcx.MigBounded != nil {
		n += uint64(llcx.MigBounded.Len())
	}
	if llcx.MigQueue != nil {
		n += uint64(llcx.MigQueue.Len())
	}
	return n
}

// NodeContext is the per-NUMA-node scheduling state.
type NodeContext struct {
	ID      idset.ID
	CPUs    cpuset.CPUSet
	BigCPUs cpuset.CPUSet
}

// TaskContext is the per-task scheduling state, arena-allocated and freed on
// task exit. The invoking framework guarantees no two callbacks run
// concurrently for the same task.
type TaskContext struct {
	ID      TaskID
	Weight  uint64
	Kthread bool

	// AllowedCPUs is the task's allowed-CPU set as last reported.
	AllowedCPUs cpuset.CPUSet

	QueueID QueueID
	SliceNs uint64
	// CPU is where the task last started running.
	CPU int
	// Vtime is the task's fairness counter.
	Vtime  uint64
	LLCID  idset.ID
	NodeID idset.ID
	// TierIndex is always in [0, NrTiers).
	TierIndex int
	Flags     Flags

	LastRunStarted uint64
	LastRunAt      uint64
	// LLCRuns counts down same-domain runs until the task becomes
	// migration-eligible again. Never negative.
	LLCRuns uint64

	// Previous placement, for diagnostics.
	LastQueueID   QueueID
	LastTierIndex int

	// EnqPreempt is captured when the task is deferred through the
	// bounded migration structure.
	EnqPreempt bool
}

func (taskc *TaskContext) interactive(nrTiers int) bool {
	if nrTiers <= 1 {
		return false
	}
	return taskc.TierIndex == 0
}

// scaleByWeight scales v up for heavier tasks and down for lighter ones.
// Weight 100 is the normal weight.
func scaleByWeight(weight, v uint64) uint64 {
	if weight == 0 {
		weight = 100
	}
	return v * weight / 100
}

// scaleByWeightInverse scales v down for heavier tasks and up for lighter
// ones.
func scaleByWeightInverse(weight, v uint64) uint64 {
	if weight == 0 {
		weight = 100
	}
	return v * 100 / weight
}
