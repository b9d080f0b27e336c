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
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/sched-plugins/picktwo/pkg/utils/cpuset"
)

const sysCPUPath = "/sys/devices/system/cpu"

// Discover builds the topology of the running machine from sysfs.
func Discover() (Topology, error) {
	return DiscoverFromPath(sysCPUPath)
}

// DiscoverFromPath builds a topology from a sysfs CPU directory. SMT siblings
// come from the thread sibling lists, cache domains from the highest-level
// shared cache, NUMA nodes from the per-CPU node links, and big cores from
// the maximum cpufreq frequency.
func DiscoverFromPath(cpuPath string) (Topology, error) {
	entries, err := filepath.Glob(filepath.Join(cpuPath, "cpu[0-9]*"))
	if err != nil || len(entries) == 0 {
		return nil, errors.Errorf("topology: no CPUs found under %s", cpuPath)
	}

	type rawCPU struct {
		id      int
		sibling int
		llcKey  string
		node    int
		maxFreq uint64
	}

	var (
		cpus    []rawCPU
		maxFreq uint64
	)

	for _, path := range entries {
		id := enumeratedID(path)
		if id < 0 {
			continue
		}
		if !cpuOnline(path) {
			continue
		}

		raw := rawCPU{id: id, sibling: id, node: 0}

		if threads, err := readCPUList(path, "topology/core_cpus_list"); err == nil {
			raw.sibling = siblingOf(id, threads)
		} else if threads, err := readCPUList(path, "topology/thread_siblings_list"); err == nil {
			raw.sibling = siblingOf(id, threads)
		}

		key, err := llcSharedCPUs(path)
		if err != nil {
			return nil, err
		}
		raw.llcKey = key

		if nodes, _ := filepath.Glob(filepath.Join(path, "node[0-9]*")); len(nodes) == 1 {
			raw.node = enumeratedID(nodes[0])
		}

		raw.maxFreq = readUint(filepath.Join(path, "cpufreq/cpuinfo_max_freq"))
		if raw.maxFreq > maxFreq {
			maxFreq = raw.maxFreq
		}

		cpus = append(cpus, raw)
	}

	if len(cpus) == 0 {
		return nil, errors.Errorf("topology: no online CPUs under %s", cpuPath)
	}

	// Assign dense cache-domain ids ordered by each domain's lowest member
	// CPU.
	lowest := map[string]int{}
	for _, raw := range cpus {
		if low, ok := lowest[raw.llcKey]; !ok || raw.id < low {
			lowest[raw.llcKey] = raw.id
		}
	}
	keys := make([]string, 0, len(lowest))
	for key := range lowest {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return lowest[keys[i]] < lowest[keys[j]] })
	llcIDs := make(map[string]int, len(keys))
	for i, key := range keys {
		llcIDs[key] = i
	}

	b := NewBuilder()
	for _, raw := range cpus {
		err := b.RegisterCPU(CPUInfo{
			ID:      raw.id,
			Sibling: raw.sibling,
			LLC:     llcIDs[raw.llcKey],
			Node:    raw.node,
			// Without frequency information every core counts as big.
			Big: raw.maxFreq == maxFreq,
		})
		if err != nil {
			return nil, err
		}
	}
	return b.Freeze()
}

// llcSharedCPUs returns the shared-CPU list of the CPU's highest-level cache.
// A CPU with no cache information forms a domain of its own.
func llcSharedCPUs(path string) (string, error) {
	indexes, _ := filepath.Glob(filepath.Join(path, "cache/index[0-9]*"))
	if len(indexes) == 0 {
		return filepath.Base(path), nil
	}

	highest, level := "", -1
	for _, index := range indexes {
		l := int(readUint(filepath.Join(index, "level")))
		if typ := readString(filepath.Join(index, "type")); typ == "Instruction" {
			continue
		}
		if l > level {
			level, highest = l, index
		}
	}

	cpus, err := readCPUList(highest, "shared_cpu_list")
	if err != nil {
		return "", errors.Wrapf(err, "topology: no shared CPU list for %s", highest)
	}
	return cpus.String(), nil
}

func siblingOf(id int, threads cpuset.CPUSet) int {
	for _, cpu := range cpuset.ToIDSet(threads).SortedMembers() {
		if cpu != id {
			return cpu
		}
	}
	return id
}

// cpuOnline checks the CPU's online state. CPU 0 has no online file and is
// always online.
func cpuOnline(path string) bool {
	data, err := os.ReadFile(filepath.Join(path, "online"))
	if err != nil {
		return true
	}
	return strings.TrimSpace(string(data)) == "1"
}

func enumeratedID(path string) int {
	name := filepath.Base(path)
	idx := strings.IndexAny(name, "0123456789")
	if idx < 0 {
		return -1
	}
	id, err := strconv.Atoi(name[idx:])
	if err != nil {
		return -1
	}
	return id
}

func readCPUList(dir, entry string) (cpuset.CPUSet, error) {
	data, err := os.ReadFile(filepath.Join(dir, entry))
	if err != nil {
		return cpuset.New(), err
	}
	return cpuset.Parse(strings.TrimSpace(string(data)))
}

func readString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readUint(path string) uint64 {
	v, err := strconv.ParseUint(readString(path), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
