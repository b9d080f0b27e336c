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

package bitmap

import (
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/sched-plugins/picktwo/pkg/utils/cpuset"
)

func TestSetClearTest(t *testing.T) {
	m := NewAtomic(128)

	require.True(t, m.Empty())
	require.Equal(t, 128, m.Size())
	require.Equal(t, -1, m.FirstSet())

	for _, cpu := range []int{0, 1, 63, 64, 127} {
		require.False(t, m.Test(cpu))
		m.Set(cpu)
		require.True(t, m.Test(cpu))
	}
	require.Equal(t, 5, m.Weight())
	require.Equal(t, 0, m.FirstSet())

	m.Clear(0)
	require.False(t, m.Test(0))
	require.Equal(t, 1, m.FirstSet())

	// Out-of-range bits are ignored.
	m.Set(-1)
	m.Set(128)
	require.Equal(t, 4, m.Weight())
}

func TestTestAndClear(t *testing.T) {
	m := NewAtomic(64)

	m.Set(7)
	require.True(t, m.TestAndClear(7))
	require.False(t, m.TestAndClear(7))
	require.False(t, m.Test(7))

	require.True(t, m.TestAndSet(7))
	require.False(t, m.TestAndSet(7))
	require.True(t, m.Test(7))
}

func TestTestAndClearSingleWinner(t *testing.T) {
	m := NewAtomic(64)
	m.Set(42)

	var (
		wg   sync.WaitGroup
		wins sync.Map
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if m.TestAndClear(42) {
				wins.Store(i, struct{}{})
			}
		}(i)
	}
	wg.Wait()

	winners := 0
	wins.Range(func(_, _ interface{}) bool {
		winners++
		return true
	})
	require.Equal(t, 1, winners)
	require.False(t, m.Test(42))
}

func TestFirstSetIn(t *testing.T) {
	m := NewAtomic(256)
	for _, cpu := range []int{3, 65, 130, 200} {
		m.Set(cpu)
	}

	require.Equal(t, 3, m.FirstSetIn(cpuset.New(1, 2, 3, 4)))
	require.Equal(t, 65, m.FirstSetIn(cpuset.New(64, 65, 66)))
	require.Equal(t, 130, m.FirstSetIn(cpuset.New(129, 130, 200)))
	require.Equal(t, -1, m.FirstSetIn(cpuset.New(5, 6, 7)))
	require.Equal(t, -1, m.FirstSetIn(cpuset.New()))
}

func TestCPUSetSnapshot(t *testing.T) {
	m := NewAtomic(72)
	cpus := []int{0, 8, 63, 64, 71}
	for _, cpu := range cpus {
		m.Set(cpu)
	}

	require.True(t, m.CPUSet().Equals(cpuset.New(cpus...)))
	require.Equal(t, cpuset.New(cpus...).String(), m.String())
}

// The bitmap must agree with a plain map of bits after any sequence of
// single-bit operations.
func TestPropAgainstModel(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200

	properties := gopter.NewProperties(params)

	properties.Property("matches bit model", prop.ForAll(
		func(ops []int) bool {
			const nbits = 96
			m := NewAtomic(nbits)
			model := map[int]bool{}

			for _, op := range ops {
				cpu := op % nbits
				switch (op / nbits) % 3 {
				case 0:
					m.Set(cpu)
					model[cpu] = true
				case 1:
					m.Clear(cpu)
					delete(model, cpu)
				case 2:
					if m.TestAndClear(cpu) != model[cpu] {
						return false
					}
					delete(model, cpu)
				}
			}

			if m.Weight() != len(model) {
				return false
			}
			for cpu := 0; cpu < nbits; cpu++ {
				if m.Test(cpu) != model[cpu] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 3*96-1)),
	))

	properties.TestingRun(t)
}
