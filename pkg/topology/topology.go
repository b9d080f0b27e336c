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

// Package topology holds the static per-boot CPU topology tables the
// scheduling engine places tasks with: CPU to core/LLC/NUMA-node mappings and
// big/little core classification. Topology is registered by an external
// discovery component before the engine starts and is immutable afterwards.
package topology

import (
	"github.com/pkg/errors"

	"github.com/sched-plugins/picktwo/pkg/utils/cpuset"

	idset "github.com/intel/goresctrl/pkg/utils"
	logger "github.com/sched-plugins/picktwo/pkg/log"
)

var log = logger.NewLogger("topology")

// CPUInfo describes one CPU as registered by topology discovery.
type CPUInfo struct {
	ID      idset.ID // CPU id, dense in [0, CPUCount)
	Sibling idset.ID // SMT sibling CPU id, equal to ID when the CPU has none
	LLC     idset.ID // owning last-level-cache domain
	Node    idset.ID // owning NUMA node
	Big     bool     // performance core
}

// Topology answers static placement queries for a frozen set of CPUs.
type Topology interface {
	CPUCount() int
	LLCCount() int
	NodeCount() int
	SMTEnabled() bool
	HasLittleCores() bool

	CPUSet() cpuset.CPUSet
	LLCIDs() []idset.ID
	NodeIDs() []idset.ID

	// Sibling returns the SMT sibling of the CPU, or the CPU itself when
	// it has none. Unknown CPUs fall back to CPU 0's answer.
	Sibling(cpu int) int
	// CPULLC returns the LLC owning the CPU, falling back to LLC 0 for
	// unknown CPUs.
	CPULLC(cpu int) idset.ID
	// CPUNode returns the NUMA node owning the CPU, falling back to node 0
	// for unknown CPUs.
	CPUNode(cpu int) idset.ID
	IsBig(cpu int) bool

	LLCCPUSet(llc idset.ID) cpuset.CPUSet
	LLCNode(llc idset.ID) idset.ID
	NodeCPUSet(node idset.ID) cpuset.CPUSet
	BigCPUSet() cpuset.CPUSet
	LittleCPUSet() cpuset.CPUSet
}

type topology struct {
	cpus     []CPUInfo
	llcs     idset.IDSet
	nodes    idset.IDSet
	llcCPUs  map[idset.ID]cpuset.CPUSet
	llcNode  map[idset.ID]idset.ID
	nodeCPUs map[idset.ID]cpuset.CPUSet
	big      cpuset.CPUSet
	little   cpuset.CPUSet
	all      cpuset.CPUSet
	smt      bool
}

// Builder collects CPU registrations and produces an immutable Topology.
type Builder struct {
	cpus map[idset.ID]CPUInfo
}

// NewBuilder creates an empty topology builder.
func NewBuilder() *Builder {
	return &Builder{cpus: make(map[idset.ID]CPUInfo)}
}

// RegisterCPU records one CPU. Registering the same CPU id twice fails.
func (b *Builder) RegisterCPU(info CPUInfo) error {
	if info.ID < 0 {
		return errors.Errorf("topology: invalid CPU id %d", info.ID)
	}
	if _, ok := b.cpus[info.ID]; ok {
		return errors.Errorf("topology: CPU %d registered twice", info.ID)
	}
	b.cpus[info.ID] = info
	return nil
}

// Freeze validates the registered CPUs and returns the immutable topology.
// CPU ids must be dense in [0, count) and sibling references symmetric.
func (b *Builder) Freeze() (Topology, error) {
	count := len(b.cpus)
	if count == 0 {
		return nil, errors.New("topology: no CPUs registered")
	}

	t := &topology{
		cpus:     make([]CPUInfo, count),
		llcs:     idset.NewIDSet(),
		nodes:    idset.NewIDSet(),
		llcCPUs:  make(map[idset.ID]cpuset.CPUSet),
		llcNode:  make(map[idset.ID]idset.ID),
		nodeCPUs: make(map[idset.ID]cpuset.CPUSet),
	}

	for id, info := range b.cpus {
		if id >= count {
			return nil, errors.Errorf("topology: CPU ids not dense, got %d with %d CPUs", id, count)
		}
		t.cpus[id] = info
	}

	bigCPUs, littleCPUs, allCPUs := []int{}, []int{}, []int{}
	llcMembers := map[idset.ID]idset.IDSet{}
	nodeMembers := map[idset.ID]idset.IDSet{}
	for id, info := range t.cpus {
		if info.Sibling != info.ID {
			if info.Sibling < 0 || info.Sibling >= count {
				return nil, errors.Errorf("topology: CPU %d has invalid sibling %d", id, info.Sibling)
			}
			if t.cpus[info.Sibling].Sibling != info.ID {
				return nil, errors.Errorf("topology: CPU %d sibling %d is not symmetric", id, info.Sibling)
			}
			t.smt = true
		}

		t.llcs.Add(info.LLC)
		t.nodes.Add(info.Node)
		if node, ok := t.llcNode[info.LLC]; ok && node != info.Node {
			return nil, errors.Errorf("topology: LLC %d spans NUMA nodes %d and %d", info.LLC, node, info.Node)
		}
		t.llcNode[info.LLC] = info.Node

		if llcMembers[info.LLC] == nil {
			llcMembers[info.LLC] = idset.NewIDSet()
		}
		llcMembers[info.LLC].Add(id)
		if nodeMembers[info.Node] == nil {
			nodeMembers[info.Node] = idset.NewIDSet()
		}
		nodeMembers[info.Node].Add(id)

		allCPUs = append(allCPUs, id)
		if info.Big {
			bigCPUs = append(bigCPUs, id)
		} else {
			littleCPUs = append(littleCPUs, id)
		}
	}

	for llc, members := range llcMembers {
		t.llcCPUs[llc] = cpuset.FromIDSet(members)
	}
	for node, members := range nodeMembers {
		t.nodeCPUs[node] = cpuset.FromIDSet(members)
	}

	t.all = cpuset.New(allCPUs...)
	t.big = cpuset.New(bigCPUs...)
	t.little = cpuset.New(littleCPUs...)

	log.Info("froze topology: %d CPUs, %d LLCs, %d nodes, SMT %v, little cores %v",
		t.CPUCount(), t.LLCCount(), t.NodeCount(), t.SMTEnabled(), t.HasLittleCores())

	return t, nil
}

// Uniform builds a topology of count CPUs split evenly into llcs cache
// domains and nodes NUMA nodes. With SMT, CPUs pair up as siblings (2k,
// 2k+1). Intended for tests and simulation.
func Uniform(count, llcs, nodes int, smt bool) (Topology, error) {
	if count < 1 || llcs < 1 || nodes < 1 || llcs > count || nodes > llcs {
		return nil, errors.Errorf("topology: invalid uniform shape %d/%d/%d", count, llcs, nodes)
	}
	if smt && count%2 != 0 {
		return nil, errors.Errorf("topology: SMT needs an even CPU count, got %d", count)
	}

	b := NewBuilder()
	perLLC := count / llcs
	llcsPerNode := llcs / nodes
	for cpu := 0; cpu < count; cpu++ {
		sibling := cpu
		if smt {
			sibling = cpu ^ 1
		}
		llc := cpu / perLLC
		if llc >= llcs {
			llc = llcs - 1
		}
		node := llc / llcsPerNode
		if node >= nodes {
			node = nodes - 1
		}
		err := b.RegisterCPU(CPUInfo{
			ID:      cpu,
			Sibling: sibling,
			LLC:     llc,
			Node:    node,
			Big:     true,
		})
		if err != nil {
			return nil, err
		}
	}
	return b.Freeze()
}

func (t *topology) CPUCount() int {
	return len(t.cpus)
}

func (t *topology) LLCCount() int {
	return t.llcs.Size()
}

func (t *topology) NodeCount() int {
	return t.nodes.Size()
}

func (t *topology) SMTEnabled() bool {
	return t.smt
}

func (t *topology) HasLittleCores() bool {
	return t.little.Size() > 0
}

func (t *topology) CPUSet() cpuset.CPUSet {
	return t.all
}

func (t *topology) LLCIDs() []idset.ID {
	return t.llcs.SortedMembers()
}

func (t *topology) NodeIDs() []idset.ID {
	return t.nodes.SortedMembers()
}

func (t *topology) cpu(id int) CPUInfo {
	if id < 0 || id >= len(t.cpus) {
		// Hot-unplugged or otherwise unknown CPU, degrade to CPU 0.
		return t.cpus[0]
	}
	return t.cpus[id]
}

func (t *topology) Sibling(cpu int) int {
	return t.cpu(cpu).Sibling
}

func (t *topology) CPULLC(cpu int) idset.ID {
	return t.cpu(cpu).LLC
}

func (t *topology) CPUNode(cpu int) idset.ID {
	return t.cpu(cpu).Node
}

func (t *topology) IsBig(cpu int) bool {
	return t.cpu(cpu).Big
}

func (t *topology) LLCCPUSet(llc idset.ID) cpuset.CPUSet {
	return t.llcCPUs[llc]
}

func (t *topology) LLCNode(llc idset.ID) idset.ID {
	return t.llcNode[llc]
}

func (t *topology) NodeCPUSet(node idset.ID) cpuset.CPUSet {
	return t.nodeCPUs[node]
}

func (t *topology) BigCPUSet() cpuset.CPUSet {
	return t.big
}

func (t *topology) LittleCPUSet() cpuset.CPUSet {
	return t.little
}
