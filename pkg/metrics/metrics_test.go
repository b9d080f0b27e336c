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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func newCounter(name string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Name: name,
		Help: "test counter",
	})
}

func TestRegisterAndGather(t *testing.T) {
	require.NoError(t, Register("test_enabled", newCounter("enabled_total"), WithEnabled()))
	require.NoError(t, Register("test_disabled", newCounter("disabled_total")))

	// Double registration fails.
	require.Error(t, Register("test_enabled", newCounter("enabled_total")))

	g, err := NewGatherer()
	require.NoError(t, err)

	families, err := g.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	require.True(t, names[Namespace+"_enabled_total"])
	require.False(t, names[Namespace+"_disabled_total"])
}

func TestEnableDisableGlobs(t *testing.T) {
	require.NoError(t, Register("glob_a", newCounter("glob_a_total")))
	require.NoError(t, Register("glob_b", newCounter("glob_b_total")))

	require.NoError(t, Enable("glob_*"))
	g, err := NewGatherer()
	require.NoError(t, err)
	families, err := g.Gather()
	require.NoError(t, err)

	found := 0
	for _, mf := range families {
		switch mf.GetName() {
		case Namespace + "_glob_a_total", Namespace + "_glob_b_total":
			found++
		}
	}
	require.Equal(t, 2, found)

	require.NoError(t, Disable("glob_*"))
	g, err = NewGatherer()
	require.NoError(t, err)
	families, err = g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		require.NotContains(t, []string{
			Namespace + "_glob_a_total",
			Namespace + "_glob_b_total",
		}, mf.GetName())
	}

	require.Error(t, Enable("[invalid"))
}

func TestWithoutNamespace(t *testing.T) {
	require.NoError(t, Register("raw", newCounter("raw_total"), WithEnabled(), WithoutNamespace()))

	g, err := NewGatherer()
	require.NoError(t, err)
	families, err := g.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	require.True(t, names["raw_total"])
}
