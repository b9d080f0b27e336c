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
	"time"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

// Mode selects the CPU-class bias of idle CPU selection on heterogeneous
// systems.
type Mode string

const (
	// ModeDefault applies no CPU-class bias.
	ModeDefault Mode = "default"
	// ModePerformance biases placement toward big cores.
	ModePerformance Mode = "performance"
	// ModeEfficiency biases placement toward little cores.
	ModeEfficiency Mode = "efficiency"
)

const (
	// MaxTiers is the largest allowed number of queue tiers per domain.
	MaxTiers = 8
	// MaxShards is the largest allowed number of work-stealing shards.
	MaxShards = 8

	defaultMinSliceUs       = 100
	defaultNrTiers          = 3
	defaultTierShift        = 2
	defaultInteractiveRatio = 10
	defaultSaturatedPercent = 5
	defaultBackoff          = 5 * time.Millisecond
	defaultSlackFactor      = 5
	defaultLBInterval       = 250 * time.Millisecond
	defaultMinLLCRunsPick2  = 1
	defaultBoundedCapacity  = 4096

	// fallbackSlackFactor is used by the balance timer when the slack
	// factor is configured to zero.
	fallbackSlackFactor = 20
)

// SchedulerConfig holds the tiering and queueing tunables.
type SchedulerConfig struct {
	// NrTiers is the number of queue tiers per cache domain.
	NrTiers int `yaml:"nrTiers"`
	// InitialTier is the tier assigned to new normal-weight tasks.
	InitialTier int `yaml:"initialTier"`
	// TierShift scales the slice growth between consecutive tiers.
	TierShift uint `yaml:"tierShift"`
	// InteractiveRatio is the target percentage of load spent in tier 0,
	// steered by autoslicing.
	InteractiveRatio uint64 `yaml:"interactiveRatio"`
	// SaturatedPercent marks the system saturated when the idle CPU
	// percentage drops below it.
	SaturatedPercent uint64 `yaml:"saturatedPercent"`
	// KeepRunning allows dispatch to keep the previous task running.
	KeepRunning bool `yaml:"keepRunning"`
	// KthreadsLocal dispatches pinned kernel worker threads directly.
	KthreadsLocal bool `yaml:"kthreadsLocal"`
	// InteractiveSticky pins interactive tasks to their previous CPU.
	InteractiveSticky bool `yaml:"interactiveSticky"`
	// TaskSlice enables per-task adaptive slice scaling.
	TaskSlice bool `yaml:"taskSlice"`
	// CPUPriority enables the priority-ranked idle CPU heap.
	CPUPriority bool `yaml:"cpuPriority"`
	// ShadowIdle enables the scheduler-maintained shadow idle bitmaps as
	// the authoritative idle view.
	ShadowIdle bool `yaml:"shadowIdle"`
	// BoundedMigration routes migration-eligible tasks through a bounded
	// priority structure with fallback to the plain queue.
	BoundedMigration bool `yaml:"boundedMigration"`
	// BoundedCapacity is the capacity of the bounded migration structure.
	BoundedCapacity int `yaml:"boundedCapacity"`
	// LLCShards splits each cache-domain queue into work-stealing shards.
	LLCShards int `yaml:"llcShards"`
	// Mode is the CPU-class bias mode.
	Mode Mode `yaml:"mode"`
}

// TimelineConfig holds the time-slice tunables.
type TimelineConfig struct {
	// MinSliceUs is the base (tier 0) slice in microseconds.
	MinSliceUs uint64 `yaml:"minSliceUs"`
	// MaxExecNs bounds uninterrupted runtime for the keep-running path.
	// Zero means twice the largest tier slice.
	MaxExecNs uint64 `yaml:"maxExecNs"`
	// Deadline enables idle/queued-scaled slices under congestion.
	Deadline bool `yaml:"deadline"`
	// Autoslice lets the balance timer adapt the tier slice table.
	Autoslice bool `yaml:"autoslice"`
}

// LoadBalanceConfig holds the cross-domain balancing tunables.
type LoadBalanceConfig struct {
	// Backoff is the minimum interval between dispatch-time pick-two
	// passes per domain. Zero disables the backoff gate.
	Backoff time.Duration `yaml:"backoff"`
	// SlackFactor is the load imbalance percentage tolerated before
	// migrating.
	SlackFactor uint64 `yaml:"slackFactor"`
	// MinNrQueued gates dispatch-time pick-two on domain queue depth.
	// Zero disables the gate.
	MinNrQueued uint64 `yaml:"minNrQueued"`
	// MinLLCRuns is how many same-domain runs a task needs before it is
	// migration-eligible again.
	MinLLCRuns uint64 `yaml:"minLLCRuns"`
	// DispatchPick2Disable turns off dispatch-time pick-two.
	DispatchPick2Disable bool `yaml:"dispatchPick2Disable"`
	// DispatchLBInteractive allows interactive tasks to migrate.
	DispatchLBInteractive bool `yaml:"dispatchLBInteractive"`
	// MaxTierPick2 restricts migration to the least-interactive tier.
	MaxTierPick2 bool `yaml:"maxTierPick2"`
	// WakeupLLCMigrations allows synchronous wakeups to migrate toward
	// the waker's domain.
	WakeupLLCMigrations bool `yaml:"wakeupLLCMigrations"`
	// Interval is the period of the balance timer. Zero runs one pass.
	Interval time.Duration `yaml:"interval"`
	// EagerLoadBalance enables the balance timer.
	EagerLoadBalance bool `yaml:"eagerLoadBalance"`
	// SingleLLC disables all cross-domain behavior.
	SingleLLC bool `yaml:"singleLLC"`
}

// Config is the full tunable surface of a scheduler instance.
type Config struct {
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Timeline    TimelineConfig    `yaml:"timeline"`
	LoadBalance LoadBalanceConfig `yaml:"loadBalance"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Scheduler: SchedulerConfig{
			NrTiers:          defaultNrTiers,
			InitialTier:      defaultNrTiers / 2,
			TierShift:        defaultTierShift,
			InteractiveRatio: defaultInteractiveRatio,
			SaturatedPercent: defaultSaturatedPercent,
			KeepRunning:      true,
			KthreadsLocal:    true,
			TaskSlice:        true,
			BoundedCapacity:  defaultBoundedCapacity,
			LLCShards:        1,
			Mode:             ModeDefault,
		},
		Timeline: TimelineConfig{
			MinSliceUs: defaultMinSliceUs,
			Deadline:   true,
		},
		LoadBalance: LoadBalanceConfig{
			Backoff:             defaultBackoff,
			SlackFactor:         defaultSlackFactor,
			MinLLCRuns:          defaultMinLLCRunsPick2,
			WakeupLLCMigrations: true,
			Interval:            defaultLBInterval,
			EagerLoadBalance:    true,
		},
	}
}

// ReadConfigFile reads a YAML configuration file, layered over the defaults.
func ReadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read configuration %q", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse configuration %q", path)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	s := &c.Scheduler
	if s.NrTiers < 1 || s.NrTiers > MaxTiers {
		return errors.Wrapf(ErrInvalidConfig, "nrTiers %d out of range [1,%d]", s.NrTiers, MaxTiers)
	}
	if s.InitialTier < 0 || s.InitialTier >= s.NrTiers {
		return errors.Wrapf(ErrInvalidConfig, "initialTier %d out of range [0,%d)", s.InitialTier, s.NrTiers)
	}
	if s.LLCShards < 1 || s.LLCShards > MaxShards {
		return errors.Wrapf(ErrInvalidConfig, "llcShards %d out of range [1,%d]", s.LLCShards, MaxShards)
	}
	if s.BoundedMigration && s.BoundedCapacity < 1 {
		return errors.Wrapf(ErrInvalidConfig, "boundedCapacity %d must be positive", s.BoundedCapacity)
	}
	switch s.Mode {
	case ModeDefault, ModePerformance, ModeEfficiency:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown mode %q", s.Mode)
	}
	if c.Timeline.MinSliceUs == 0 {
		return errors.Wrapf(ErrInvalidConfig, "minSliceUs must be positive")
	}
	if c.Scheduler.SaturatedPercent > 100 {
		return errors.Wrapf(ErrInvalidConfig, "saturatedPercent %d out of range [0,100]", c.Scheduler.SaturatedPercent)
	}
	return nil
}

// tierSliceNs returns the initial slice for the given tier, before any
// autoslice adjustment.
func (c *Config) tierSliceNs(tier int) uint64 {
	base := c.Timeline.MinSliceUs * 1000
	if tier == 0 {
		return base
	}
	return base << uint(tier) << c.Scheduler.TierShift
}

// Option is an option for a scheduler instance.
type Option func(*Scheduler) error

// WithConfig replaces the scheduler's configuration.
func WithConfig(cfg Config) Option {
	return func(s *Scheduler) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		s.cfg = cfg
		return nil
	}
}

// WithRand replaces the random source used by pick-two. Intended for tests.
func WithRand(intn func(n int) int) Option {
	return func(s *Scheduler) error {
		if intn == nil {
			return errors.Wrap(ErrInvalidConfig, "nil random source")
		}
		s.randIntn = intn
		return nil
	}
}
