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

// Package metrics implements a registry of named prometheus collectors.
// Packages register their collectors at init time; the main program enables
// the ones it wants exported and serves them through a single gatherer.
package metrics

import (
	"path"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	logger "github.com/sched-plugins/picktwo/pkg/log"
)

var log = logger.NewLogger("metrics")

// Namespace is the prefix applied to all namespaced metrics.
const Namespace = "picktwo"

type (
	// State represents the configuration of a registered collector.
	State int

	// Collector is a registered prometheus.Collector.
	Collector struct {
		collector prometheus.Collector
		name      string
		State
	}

	// CollectorOption is an option for a registered Collector.
	CollectorOption func(*Collector)
)

const (
	// Enabled marks a collector as enabled for collection.
	Enabled State = (1 << iota)
	// NamespacePrefix causes a collector's metrics to be prefixed with the
	// common namespace.
	NamespacePrefix
)

// WithoutNamespace disables namespace prefixing for a collector.
func WithoutNamespace() CollectorOption {
	return func(c *Collector) {
		c.State &^= NamespacePrefix
	}
}

// WithEnabled registers a collector in the enabled state.
func WithEnabled() CollectorOption {
	return func(c *Collector) {
		c.State |= Enabled
	}
}

// IsEnabled returns true if the collector is enabled.
func (s State) IsEnabled() bool {
	return s&Enabled != 0
}

// NeedsNamespace returns true if the collector needs a namespace prefix.
func (s State) NeedsNamespace() bool {
	return s&NamespacePrefix != 0
}

type registry struct {
	sync.Mutex
	collectors map[string]*Collector
}

var reg = &registry{
	collectors: make(map[string]*Collector),
}

// Register registers a named prometheus collector.
func Register(name string, collector prometheus.Collector, options ...CollectorOption) error {
	return reg.register(name, collector, options...)
}

// Enable enables all collectors matching any of the glob patterns.
func Enable(globs ...string) error {
	return reg.configure(globs, true)
}

// Disable disables all collectors matching any of the glob patterns.
func Disable(globs ...string) error {
	return reg.configure(globs, false)
}

// NewGatherer returns a gatherer collecting all enabled collectors.
func NewGatherer() (prometheus.Gatherer, error) {
	return reg.gatherer()
}

func (r *registry) register(name string, collector prometheus.Collector, options ...CollectorOption) error {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.collectors[name]; ok {
		return errors.Errorf("metrics: collector %q already registered", name)
	}

	c := &Collector{
		collector: collector,
		name:      name,
		State:     NamespacePrefix,
	}
	for _, o := range options {
		o(c)
	}
	r.collectors[name] = c

	log.Debug("registered collector %q (%v)", name, c.State.IsEnabled())
	return nil
}

func (r *registry) configure(globs []string, enable bool) error {
	r.Lock()
	defer r.Unlock()

	matched := 0
	for name, c := range r.collectors {
		for _, glob := range globs {
			ok, err := path.Match(glob, name)
			if err != nil {
				return errors.Wrapf(err, "metrics: invalid glob %q", glob)
			}
			if !ok {
				continue
			}
			matched++
			if enable {
				c.State |= Enabled
			} else {
				c.State &^= Enabled
			}
			break
		}
	}

	if matched == 0 && len(r.collectors) > 0 {
		log.Warn("no collectors matched %v", globs)
	}
	return nil
}

func (r *registry) gatherer() (prometheus.Gatherer, error) {
	r.Lock()
	defer r.Unlock()

	g := prometheus.NewRegistry()
	namespaced := prometheus.WrapRegistererWithPrefix(Namespace+"_", g)
	for name, c := range r.collectors {
		if !c.IsEnabled() {
			continue
		}
		registerer := prometheus.Registerer(g)
		if c.NeedsNamespace() {
			registerer = namespaced
		}
		if err := registerer.Register(c.collector); err != nil {
			return nil, errors.Wrapf(err, "metrics: failed to register collector %q", name)
		}
		log.Info("collecting %q", name)
	}
	return g, nil
}
