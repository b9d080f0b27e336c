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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sched-plugins/picktwo/pkg/queue"
)

func TestDispatchLowestVtimeWins(t *testing.T) {
	s, fw, topo := newTestScheduler(t, 8, 2, 1, false)

	for id := TaskID(1); id <= 3; id++ {
		require.NoError(t, s.InitTask(id, 100, topo.CPUSet(), false, 0))
	}

	cpuc := s.cpuContext(0)
	llcx := s.llcContext(0)
	cpuc.AffnQueue.Insert(queue.Entry{ID: 1, Vtime: 300})
	cpuc.LLCQueue.Insert(queue.Entry{ID: 2, Vtime: 100})
	llcx.MigQueue.Insert(queue.Entry{ID: 3, Vtime: 200})

	s.Dispatch(0, 0)
	require.Equal(t, []TaskID{2}, fw.localTasks(0))

	s.Dispatch(0, 0)
	require.Equal(t, []TaskID{2, 3}, fw.localTasks(0))

	s.Dispatch(0, 0)
	require.Equal(t, []TaskID{2, 3, 1}, fw.localTasks(0))

	// Nothing left anywhere, nothing inserted.
	s.Dispatch(0, 0)
	require.Equal(t, []TaskID{2, 3, 1}, fw.localTasks(0))
}

func TestDispatchSkipsExitedTasks(t *testing.T) {
	s, fw, topo := newTestScheduler(t, 4, 1, 1, false)

	require.NoError(t, s.InitTask(1, 100, topo.CPUSet(), false, 0))
	require.NoError(t, s.InitTask(2, 100, topo.CPUSet(), false, 0))

	cpuc := s.cpuContext(0)
	cpuc.LLCQueue.Insert(queue.Entry{ID: 1, Vtime: 100})
	cpuc.LLCQueue.Insert(queue.Entry{ID: 2, Vtime: 200})

	require.NoError(t, s.ExitTask(1))

	s.Dispatch(0, 0)
	require.Equal(t, []TaskID{2}, fw.localTasks(0))
	require.Equal(t, 0, cpuc.LLCQueue.Len())
}

func TestDispatchShardStealing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.LLCShards = 2

	s, fw, topo := newTestScheduler(t, 4, 1, 1, false, WithConfig(cfg))

	require.NoError(t, s.InitTask(1, 100, topo.CPUSet(), false, 0))

	// The task sits on CPU 1's shard; CPU 0 steals it once its own shard
	// is empty.
	other := s.cpuContext(1)
	require.NotSame(t, s.cpuContext(0).LLCQueue, other.LLCQueue)
	other.LLCQueue.Insert(queue.Entry{ID: 1, Vtime: 100})

	s.Dispatch(0, 0)
	require.Equal(t, []TaskID{1}, fw.localTasks(0))
}

func TestDispatchKeepRunning(t *testing.T) {
	s, fw, topo := newTestScheduler(t, 4, 1, 1, false)

	require.NoError(t, s.InitTask(1, 100, topo.CPUSet(), false, 0))
	require.NoError(t, s.Running(1, 0))

	s.Dispatch(0, 1)

	// Nothing queued, so the previous task got its slice extended in
	// place.
	require.Empty(t, fw.localTasks(0))
	require.Len(t, fw.kept, 1)
	require.Equal(t, TaskID(1), fw.kept[0].task)
	require.Equal(t, uint64(1), s.Stats().Get(StatKeep))
	require.NotZero(t, s.cpuContext(0).RanForNs)
}

func TestDispatchKeepRunningBudget(t *testing.T) {
	s, fw, topo := newTestScheduler(t, 4, 1, 1, false)

	require.NoError(t, s.InitTask(1, 100, topo.CPUSet(), false, 0))
	require.NoError(t, s.Running(1, 0))

	// Uninterrupted runtime at the budget: the task loses the CPU.
	s.cpuContext(0).RanForNs = s.maxExecNs
	s.Dispatch(0, 1)
	require.Empty(t, fw.kept)
	require.Equal(t, uint64(0), s.Stats().Get(StatKeep))
}

func TestDispatchKeepRunningLastTier(t *testing.T) {
	s, fw, topo := newTestScheduler(t, 4, 1, 1, false)

	require.NoError(t, s.InitTask(1, 100, topo.CPUSet(), false, 0))
	require.NoError(t, s.Running(1, 0))

	// The least interactive tier never keeps the CPU.
	s.cpuContext(0).TierIndex = s.cfg.Scheduler.NrTiers - 1
	s.Dispatch(0, 1)
	require.Empty(t, fw.kept)
}

func TestDispatchKeepRunningCongested(t *testing.T) {
	s, fw, topo := newTestScheduler(t, 4, 1, 1, false)

	require.NoError(t, s.InitTask(1, 100, topo.CPUSet(), false, 0))
	require.NoError(t, s.Running(1, 0))

	// As many tasks queued as CPUs: no slice extension. The head of the
	// queue is dispatched instead.
	llcx := s.llcContext(0)
	for i := uint64(0); i < 4; i++ {
		id := TaskID(10 + i)
		require.NoError(t, s.InitTask(id, 100, topo.CPUSet(), false, 0))
		llcx.Shards[0].Insert(queue.Entry{ID: uint64(id), Vtime: i})
	}

	s.Dispatch(0, 1)
	require.Empty(t, fw.kept)
	require.Equal(t, []TaskID{10}, fw.localTasks(0))
}

func TestDispatchBoundedRevalidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.BoundedMigration = true
	cfg.Scheduler.BoundedCapacity = 8

	s, fw, topo := newTestScheduler(t, 8, 2, 1, false, WithConfig(cfg))

	require.NoError(t, s.InitTask(1, 100, topo.CPUSet(), false, 0))
	llcx := s.llcContext(0)
	require.NoError(t, llcx.MigBounded.Insert(queue.Entry{ID: 1, Vtime: 50}))

	s.Dispatch(0, 0)
	require.Equal(t, []TaskID{1}, fw.localTasks(0))
	require.Equal(t, 0, llcx.MigBounded.Len())
}
