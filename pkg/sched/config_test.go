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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	require.Equal(t, 3, cfg.Scheduler.NrTiers)
	require.Equal(t, 1, cfg.Scheduler.InitialTier)
	require.True(t, cfg.Scheduler.KeepRunning)
	require.True(t, cfg.Scheduler.KthreadsLocal)
	require.True(t, cfg.Scheduler.TaskSlice)
	require.Equal(t, ModeDefault, cfg.Scheduler.Mode)
	require.True(t, cfg.Timeline.Deadline)
	require.True(t, cfg.LoadBalance.WakeupLLCMigrations)
	require.True(t, cfg.LoadBalance.EagerLoadBalance)

	// Tier slices grow as base << tier << shift.
	require.Equal(t, uint64(100_000), cfg.tierSliceNs(0))
	require.Equal(t, uint64(800_000), cfg.tierSliceNs(1))
	require.Equal(t, uint64(1_600_000), cfg.tierSliceNs(2))
}

func TestConfigValidate(t *testing.T) {
	tcases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero tiers", func(c *Config) { c.Scheduler.NrTiers = 0 }},
		{"too many tiers", func(c *Config) { c.Scheduler.NrTiers = MaxTiers + 1 }},
		{"initial tier out of range", func(c *Config) { c.Scheduler.InitialTier = 3 }},
		{"negative initial tier", func(c *Config) { c.Scheduler.InitialTier = -1 }},
		{"zero shards", func(c *Config) { c.Scheduler.LLCShards = 0 }},
		{"too many shards", func(c *Config) { c.Scheduler.LLCShards = MaxShards + 1 }},
		{"unknown mode", func(c *Config) { c.Scheduler.Mode = "turbo" }},
		{"zero slice", func(c *Config) { c.Timeline.MinSliceUs = 0 }},
		{"saturated percent over 100", func(c *Config) { c.Scheduler.SaturatedPercent = 101 }},
		{
			"bounded migration without capacity",
			func(c *Config) {
				c.Scheduler.BoundedMigration = true
				c.Scheduler.BoundedCapacity = 0
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestReadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
scheduler:
  nrTiers: 4
  llcShards: 2
timeline:
  minSliceUs: 250
loadBalance:
  slackFactor: 15
  interval: 1s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := ReadConfigFile(path)
	require.NoError(t, err)

	require.Equal(t, 4, cfg.Scheduler.NrTiers)
	require.Equal(t, 2, cfg.Scheduler.LLCShards)
	require.Equal(t, uint64(250), cfg.Timeline.MinSliceUs)
	require.Equal(t, uint64(15), cfg.LoadBalance.SlackFactor)
	require.Equal(t, time.Second, cfg.LoadBalance.Interval)

	// Unset keys keep their defaults.
	require.True(t, cfg.Scheduler.KeepRunning)
	require.True(t, cfg.Timeline.Deadline)
}

func TestReadConfigFileErrors(t *testing.T) {
	_, err := ReadConfigFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  nrTiers: 99\n"), 0o644))
	_, err = ReadConfigFile(path)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestOptions(t *testing.T) {
	s, _, topo := newTestScheduler(t, 4, 1, 1, false, WithTaskCapacity(16))
	require.NotNil(t, s)

	_, err := New(nil, newFakeFW())
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(topo, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(topo, newFakeFW(), WithTaskCapacity(0))
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(topo, newFakeFW(), WithRand(nil))
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg := DefaultConfig()
	cfg.Scheduler.NrTiers = 0
	_, err = New(topo, newFakeFW(), WithConfig(cfg))
	require.ErrorIs(t, err, ErrInvalidConfig)
}
