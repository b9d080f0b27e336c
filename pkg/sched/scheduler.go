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

// Package sched implements the placement and fairness engine of a pluggable
// CPU scheduler. Given a runnable task and the live topology of CPUs, cache
// domains, and NUMA nodes, it decides which CPU runs the task next, which
// queue tier it waits in, and how load is rebalanced across cache domains
// over time.
package sched

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	idset "github.com/intel/goresctrl/pkg/utils"
	"github.com/pkg/errors"

	"github.com/sched-plugins/picktwo/pkg/arena"
	"github.com/sched-plugins/picktwo/pkg/bitmap"
	logger "github.com/sched-plugins/picktwo/pkg/log"
	"github.com/sched-plugins/picktwo/pkg/queue"
	"github.com/sched-plugins/picktwo/pkg/topology"
	"github.com/sched-plugins/picktwo/pkg/utils/cpuset"
)

var log = logger.NewLogger("sched")

const defaultTaskCapacity = 32768

// WakeFlags qualify a CPU-selection request.
type WakeFlags uint64

const (
	// WakeSync marks a synchronous hand-off: the waker is releasing its
	// CPU to the wakee.
	WakeSync WakeFlags = 1 << iota
)

// EnqueueFlags qualify an enqueue request.
type EnqueueFlags uint64

const (
	// EnqCPUSelected marks that CPU selection already ran for this
	// wakeup, so the task's current CPU was chosen by the idle allocator.
	EnqCPUSelected EnqueueFlags = 1 << iota
	// EnqPreempt asks the completer to preempt the target CPU.
	EnqPreempt
)

// Framework is what the invoking scheduling framework supplies to the
// engine: time, per-CPU local queue insertion, idle kicks, and its own
// idle-CPU view. All methods may be called concurrently.
type Framework interface {
	// Now returns monotonic time in nanoseconds.
	Now() uint64
	// InsertLocal puts a task on the CPU's local run queue.
	InsertLocal(cpu int, task TaskID, sliceNs uint64, preempt bool)
	// ExtendSlice grants the task currently on the CPU a fresh slice.
	ExtendSlice(cpu int, task TaskID, sliceNs uint64)
	// KickIdle wakes the CPU if it is idling.
	KickIdle(cpu int)
	// TestAndClearIdle atomically claims the CPU's idle state. At most
	// one concurrent caller observes true.
	TestAndClearIdle(cpu int) bool
	// IdleCPUSet returns the framework's snapshot of idle CPUs.
	IdleCPUSet() cpuset.CPUSet
	// DrainLocal removes and returns all tasks from the CPU's local run
	// queue. Used when a CPU is reclaimed from the scheduler.
	DrainLocal(cpu int) []TaskID
}

// Scheduler is one placement and fairness engine instance.
type Scheduler struct {
	cfg  Config
	topo topology.Topology
	fw   Framework

	stats *Stats

	tasks     *arena.Table[TaskContext]
	taskMu    sync.RWMutex
	taskIndex map[TaskID]arena.Handle
	taskCap   int

	cpuTable  *arena.Table[CPUContext]
	llcTable  *arena.Table[LLCContext]
	nodeTable *arena.Table[NodeContext]

	cpus   []*CPUContext
	llcs   map[idset.ID]*LLCContext
	llcIDs []idset.ID
	nodes  map[idset.ID]*NodeContext

	// tierSlices is the live per-tier slice table, mutated by autoslice.
	tierSlices [MaxTiers]atomic.Uint64
	minSliceNs uint64
	maxExecNs  uint64

	// System-wide saturation state, written only by UpdateIdle.
	saturated  atomic.Bool
	overloaded atomic.Bool
	minLLCRuns atomic.Uint64

	llcLBOffset uint32

	randIntn func(n int) int

	running  atomic.Bool
	exited   atomic.Bool
	stopLB   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WithTaskCapacity sets the capacity of the task context arena.
func WithTaskCapacity(capacity int) Option {
	return func(s *Scheduler) error {
		if capacity < 1 {
			return errors.Wrapf(ErrInvalidConfig, "task capacity %d must be positive", capacity)
		}
		s.taskCap = capacity
		return nil
	}
}

// New creates a scheduler instance for the given frozen topology and
// framework. Contexts and queues for every CPU, cache domain, and NUMA node
// are created here; Init starts the balance timer.
func New(topo topology.Topology, fw Framework, options ...Option) (*Scheduler, error) {
	if topo == nil || fw == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "nil topology or framework")
	}

	s := &Scheduler{
		cfg:       DefaultConfig(),
		topo:      topo,
		fw:        fw,
		stats:     NewStats(),
		taskIndex: make(map[TaskID]arena.Handle),
		taskCap:   defaultTaskCapacity,
		llcs:      make(map[idset.ID]*LLCContext),
		nodes:     make(map[idset.ID]*NodeContext),
		randIntn:  rand.Intn,
		stopLB:    make(chan struct{}),
	}
	s.llcLBOffset = 1

	for _, o := range options {
		if err := o(s); err != nil {
			return nil, err
		}
	}

	if topo.LLCCount() < 2 {
		s.cfg.LoadBalance.SingleLLC = true
	}

	for tier := 0; tier < s.cfg.Scheduler.NrTiers; tier++ {
		s.tierSlices[tier].Store(s.cfg.tierSliceNs(tier))
	}
	s.minSliceNs = s.cfg.tierSliceNs(0)
	s.maxExecNs = s.cfg.Timeline.MaxExecNs
	if s.maxExecNs == 0 {
		s.maxExecNs = 2 * s.maxTierSlice()
	}
	s.minLLCRuns.Store(s.cfg.LoadBalance.MinLLCRuns)

	s.tasks = arena.New[TaskContext](s.taskCap)
	s.cpuTable = arena.New[CPUContext](topo.CPUCount())
	s.llcTable = arena.New[LLCContext](topo.LLCCount())
	s.nodeTable = arena.New[NodeContext](topo.NodeCount())

	if err := s.createContexts(); err != nil {
		return nil, err
	}

	log.Info("created scheduler: %d CPUs, %d LLCs, %d nodes, %d tiers, %d shards",
		topo.CPUCount(), topo.LLCCount(), topo.NodeCount(),
		s.cfg.Scheduler.NrTiers, s.cfg.Scheduler.LLCShards)

	return s, nil
}

// createContexts builds the node, cache-domain, and CPU contexts with their
// queues. Topology must be fully registered before this runs; queue ids
// exist before any context references them.
func (s *Scheduler) createContexts() error {
	topo := s.topo

	for _, node := range topo.NodeIDs() {
		_, nodec, err := s.nodeTable.Alloc()
		if err != nil {
			return errors.Wrapf(err, "failed to allocate node %d context", node)
		}
		nodec.ID = node
		nodec.CPUs = topo.NodeCPUSet(node)
		nodec.BigCPUs = nodec.CPUs.Intersection(topo.BigCPUSet())
		s.nodes[node] = nodec
	}

	nrShards := s.cfg.Scheduler.LLCShards
	for _, llc := range topo.LLCIDs() {
		_, llcx, err := s.llcTable.Alloc()
		if err != nil {
			return errors.Wrapf(err, "failed to allocate LLC %d context", llc)
		}
		llcx.ID = llc
		llcx.NodeID = topo.LLCNode(llc)
		llcx.CPUs = topo.LLCCPUSet(llc)
		llcx.NrCPUs = llcx.CPUs.Size()
		llcx.NodeCPUs = topo.NodeCPUSet(llcx.NodeID)
		llcx.BigCPUs = llcx.CPUs.Intersection(topo.BigCPUSet())
		llcx.LittleCPUs = llcx.CPUs.Intersection(topo.LittleCPUSet())
		llcx.LBTarget.Store(-1)
		llcx.LastPeriodNs.Store(s.fw.Now())

		llcx.IdleCPUs = bitmap.NewAtomic(topo.CPUCount())
		llcx.IdleSMT = bitmap.NewAtomic(topo.CPUCount())
		if s.cfg.Scheduler.CPUPriority {
			llcx.IdleHeap = queue.NewIdleHeap(llcx.NrCPUs)
		}

		shards := nrShards
		if shards > llcx.NrCPUs {
			shards = llcx.NrCPUs
		}
		for shard := 0; shard < shards; shard++ {
			llcx.Shards = append(llcx.Shards, queue.NewVtime())
			llcx.ShardIDs = append(llcx.ShardIDs, shardQueueID(llc, shard))
		}

		llcx.MigQueueID = migQueueID(llc)
		llcx.MigQueue = queue.NewVtime()
		if s.cfg.Scheduler.BoundedMigration {
			llcx.MigBounded = queue.NewBoundedVtime(s.cfg.Scheduler.BoundedCapacity)
		}

		s.llcs[llc] = llcx
		s.llcIDs = append(s.llcIDs, llc)
	}

	s.cpus = make([]*CPUContext, topo.CPUCount())
	for _, cpu := range topo.CPUSet().List() {
		_, cpuc, err := s.cpuTable.Alloc()
		if err != nil {
			return errors.Wrapf(err, "failed to allocate CPU %d context", cpu)
		}
		llcx := s.llcs[topo.CPULLC(cpu)]
		if llcx == nil {
			return errors.Wrapf(ErrNoContext, "CPU %d has no LLC context", cpu)
		}

		cpuc.ID = cpu
		cpuc.LLCID = llcx.ID
		cpuc.NodeID = llcx.NodeID
		cpuc.Sibling = topo.Sibling(cpu)
		cpuc.Flags.SetTo(FlagBigCore, topo.IsBig(cpu))
		cpuc.SliceNs = s.tierSlice(s.cfg.Scheduler.InitialTier)
		cpuc.TierIndex = s.cfg.Scheduler.InitialTier

		cpuc.AffnQueueID = affnQueueID(cpu)
		cpuc.AffnQueue = queue.NewVtime()
		cpuc.shard = cpu % len(llcx.Shards)
		cpuc.LLCQueue = llcx.Shards[cpuc.shard]
		cpuc.LLCQueueID = llcx.ShardIDs[cpuc.shard]
		cpuc.MigQueueID = llcx.MigQueueID

		s.cpus[cpu] = cpuc
	}

	return nil
}

// Init transitions the scheduler to running and starts the balance timer.
func (s *Scheduler) Init() error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.stats.RegisterCollector(); err != nil {
		log.Warn("failed to register stats collector: %v", err)
	}
	if s.cfg.LoadBalance.EagerLoadBalance && len(s.llcIDs) > 1 {
		s.wg.Add(1)
		go s.balanceLoop()
	}
	log.Info("scheduler initialized")
	return nil
}

// Exit stops the scheduler, recording the exit reason. Wake-path callbacks
// arriving after this fail with ErrNotRunning.
func (s *Scheduler) Exit(reason string) {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.exited.Store(true)
	s.stopOnce.Do(func() { close(s.stopLB) })
	s.wg.Wait()
	log.Info("scheduler exiting: %s", reason)
}

// Stats returns the scheduler's counter set.
func (s *Scheduler) Stats() *Stats {
	return s.stats
}

// Started checks if the scheduler is between Init and Exit.
func (s *Scheduler) Started() bool {
	return s.running.Load()
}

func (s *Scheduler) tierSlice(tier int) uint64 {
	if tier < 0 || tier >= s.cfg.Scheduler.NrTiers {
		return s.minSliceNs
	}
	return s.tierSlices[tier].Load()
}

func (s *Scheduler) maxTierSlice() uint64 {
	return s.tierSlices[s.cfg.Scheduler.NrTiers-1].Load()
}

func (s *Scheduler) minTierSlice() uint64 {
	return s.tierSlices[0].Load()
}

func (s *Scheduler) clampSlice(sliceNs uint64) uint64 {
	if min := s.minTierSlice(); sliceNs < min {
		return min
	}
	if max := s.maxTierSlice(); sliceNs > max {
		return max
	}
	return sliceNs
}

// cpuContext resolves a CPU context, degrading to CPU 0 for unknown CPUs.
func (s *Scheduler) cpuContext(cpu int) *CPUContext {
	if cpu >= 0 && cpu < len(s.cpus) && s.cpus[cpu] != nil {
		return s.cpus[cpu]
	}
	return s.cpus[0]
}

// llcContext resolves a cache-domain context, degrading to the first domain
// for unknown ids.
func (s *Scheduler) llcContext(llc idset.ID) *LLCContext {
	if llcx, ok := s.llcs[llc]; ok {
		return llcx
	}
	return s.llcs[s.llcIDs[0]]
}

func (s *Scheduler) randLLC() *LLCContext {
	return s.llcs[s.llcIDs[s.randIntn(len(s.llcIDs))]]
}

func (s *Scheduler) taskContext(id TaskID) (*TaskContext, error) {
	s.taskMu.RLock()
	h, ok := s.taskIndex[id]
	s.taskMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTask, "task %d", id)
	}
	taskc, err := s.tasks.Get(h)
	if err != nil {
		return nil, errors.Wrapf(err, "task %d", id)
	}
	return taskc, nil
}

// InitTask creates the context for a new task. The initial tier follows the
// task's weight: normal weight starts at the configured initial tier,
// below-normal weight at tier 0, above-normal at the last tier.
func (s *Scheduler) InitTask(id TaskID, weight uint64, allowed cpuset.CPUSet, kthread bool, cpu int) error {
	if id == 0 {
		return errors.Wrap(ErrUnknownTask, "task id 0")
	}

	s.taskMu.Lock()
	if _, ok := s.taskIndex[id]; ok {
		s.taskMu.Unlock()
		return errors.Wrapf(ErrTaskExists, "task %d", id)
	}
	h, taskc, err := s.tasks.Alloc()
	if err != nil {
		s.taskMu.Unlock()
		return errors.Wrapf(err, "failed to allocate context for task %d", id)
	}
	s.taskIndex[id] = h
	s.taskMu.Unlock()

	cpuc := s.cpuContext(cpu)
	llcx := s.llcContext(cpuc.LLCID)

	if weight == 0 {
		weight = 100
	}

	taskc.ID = id
	taskc.Weight = weight
	taskc.Kthread = kthread
	taskc.AllowedCPUs = allowed
	taskc.CPU = cpuc.ID
	taskc.LLCID = llcx.ID
	taskc.NodeID = llcx.NodeID
	taskc.SliceNs = scaleByWeight(weight, s.tierSlice(s.cfg.Scheduler.InitialTier))

	switch {
	case weight < 100:
		taskc.TierIndex = 0
	case weight > 100:
		taskc.TierIndex = s.cfg.Scheduler.NrTiers - 1
	default:
		taskc.TierIndex = s.cfg.Scheduler.InitialTier
	}
	taskc.LastTierIndex = taskc.TierIndex

	taskc.Flags.SetTo(FlagAllCPUs, allowed.Equals(s.topo.CPUSet()))
	taskc.Flags.SetTo(FlagInteractive, taskc.interactive(s.cfg.Scheduler.NrTiers))

	taskc.Vtime = llcx.Vtime.Load()
	taskc.LLCRuns = s.minLLCRuns.Load()

	// Leaving the queue id invalid randomizes the task's first cache
	// domain placement.
	if taskc.Flags.Test(FlagAllCPUs) {
		taskc.QueueID = QueueInvalid
	} else {
		taskc.QueueID = cpuc.LLCQueueID
	}

	return nil
}

// ExitTask frees the context of an exiting task.
func (s *Scheduler) ExitTask(id TaskID) error {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	h, ok := s.taskIndex[id]
	if !ok {
		return errors.Wrapf(ErrUnknownTask, "task %d", id)
	}
	delete(s.taskIndex, id)
	return s.tasks.Free(h)
}

// SetAllowedCPUs records a change of the task's allowed-CPU set.
func (s *Scheduler) SetAllowedCPUs(id TaskID, allowed cpuset.CPUSet) error {
	taskc, err := s.taskContext(id)
	if err != nil {
		return err
	}
	taskc.AllowedCPUs = allowed
	taskc.Flags.SetTo(FlagAllCPUs, allowed.Equals(s.topo.CPUSet()))
	return nil
}

// CPURelease handles a CPU being reclaimed from the scheduler: everything
// queued locally is re-enqueued through the normal enqueue path.
func (s *Scheduler) CPURelease(cpu int) {
	for _, id := range s.fw.DrainLocal(cpu) {
		promise, err := s.Enqueue(id, 0)
		if err != nil {
			log.Warn("failed to re-enqueue task %d from released CPU %d: %v", id, cpu, err)
			continue
		}
		if err := promise.Complete(); err != nil {
			log.Error("failed to complete re-enqueue of task %d: %v", id, err)
		}
	}
}
