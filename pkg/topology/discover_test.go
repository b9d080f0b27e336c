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

package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sched-plugins/picktwo/pkg/utils/cpuset"
)

type fakeCPU struct {
	id       int
	siblings string
	llc      string
	node     int
	maxFreq  uint64
	offline  bool
}

func writeFakeSysfs(t *testing.T, cpus []fakeCPU) string {
	t.Helper()
	root := t.TempDir()

	write := func(path, value string) {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(value+"\n"), 0o644))
	}

	for _, cpu := range cpus {
		dir := filepath.Join(root, fmt.Sprintf("cpu%d", cpu.id))
		if cpu.offline {
			write(filepath.Join(dir, "online"), "0")
			continue
		}
		if cpu.id != 0 {
			write(filepath.Join(dir, "online"), "1")
		}
		write(filepath.Join(dir, "topology/thread_siblings_list"), cpu.siblings)
		write(filepath.Join(dir, "cache/index0/level"), "1")
		write(filepath.Join(dir, "cache/index0/type"), "Data")
		write(filepath.Join(dir, "cache/index0/shared_cpu_list"), cpu.siblings)
		write(filepath.Join(dir, "cache/index3/level"), "3")
		write(filepath.Join(dir, "cache/index3/type"), "Unified")
		write(filepath.Join(dir, "cache/index3/shared_cpu_list"), cpu.llc)
		if cpu.maxFreq > 0 {
			write(filepath.Join(dir, "cpufreq/cpuinfo_max_freq"), fmt.Sprintf("%d", cpu.maxFreq))
		}
		require.NoError(t, os.MkdirAll(filepath.Join(dir, fmt.Sprintf("node%d", cpu.node)), 0o755))
	}
	return root
}

func TestDiscoverFromPath(t *testing.T) {
	root := writeFakeSysfs(t, []fakeCPU{
		{id: 0, siblings: "0-1", llc: "0-3", node: 0, maxFreq: 3000000},
		{id: 1, siblings: "0-1", llc: "0-3", node: 0, maxFreq: 3000000},
		{id: 2, siblings: "2-3", llc: "0-3", node: 0, maxFreq: 3000000},
		{id: 3, siblings: "2-3", llc: "0-3", node: 0, maxFreq: 3000000},
		{id: 4, siblings: "4-5", llc: "4-7", node: 1, maxFreq: 2000000},
		{id: 5, siblings: "4-5", llc: "4-7", node: 1, maxFreq: 2000000},
		{id: 6, siblings: "6-7", llc: "4-7", node: 1, maxFreq: 2000000},
		{id: 7, siblings: "6-7", llc: "4-7", node: 1, maxFreq: 2000000},
	})

	topo, err := DiscoverFromPath(root)
	require.NoError(t, err)

	require.Equal(t, 8, topo.CPUCount())
	require.Equal(t, 2, topo.LLCCount())
	require.Equal(t, 2, topo.NodeCount())
	require.True(t, topo.SMTEnabled())

	require.Equal(t, 1, topo.Sibling(0))
	require.Equal(t, 2, topo.Sibling(3))
	require.Equal(t, 0, topo.CPULLC(3))
	require.Equal(t, 1, topo.CPULLC(4))
	require.Equal(t, 1, topo.CPUNode(7))
	require.True(t, topo.LLCCPUSet(1).Equals(cpuset.MustParse("4-7")))

	// The slower second domain counts as little cores.
	require.True(t, topo.HasLittleCores())
	require.True(t, topo.BigCPUSet().Equals(cpuset.MustParse("0-3")))
}

func TestDiscoverNoSMT(t *testing.T) {
	root := writeFakeSysfs(t, []fakeCPU{
		{id: 0, siblings: "0", llc: "0-1", node: 0},
		{id: 1, siblings: "1", llc: "0-1", node: 0},
	})

	topo, err := DiscoverFromPath(root)
	require.NoError(t, err)
	require.False(t, topo.SMTEnabled())
	require.Equal(t, 0, topo.Sibling(0))
	// No frequency information: everything counts as big.
	require.False(t, topo.HasLittleCores())
}

func TestDiscoverEmpty(t *testing.T) {
	_, err := DiscoverFromPath(t.TempDir())
	require.Error(t, err)
}
