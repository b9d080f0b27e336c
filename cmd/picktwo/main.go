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

// picktwo runs the placement engine against a simulated scheduling
// framework. It is a demo and soak-test driver, not a real scheduler: the
// simulation wakes, runs, and stops a synthetic task mix while exporting the
// engine's counters over a prometheus endpoint.
package main

import (
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sched-plugins/picktwo/pkg/healthz"
	logger "github.com/sched-plugins/picktwo/pkg/log"
	"github.com/sched-plugins/picktwo/pkg/metrics"
	"github.com/sched-plugins/picktwo/pkg/sched"
	"github.com/sched-plugins/picktwo/pkg/sim"
	"github.com/sched-plugins/picktwo/pkg/topology"
)

var log = logger.NewLogger("main")

func main() {
	var (
		configPath  = flag.String("config", "", "path to a YAML configuration file")
		metricsAddr = flag.String("metrics-addr", ":8891", "address to serve prometheus metrics on")
		discover    = flag.Bool("discover-topology", false, "use the machine's topology instead of a simulated one")
		nrCPUs      = flag.Int("cpus", 16, "number of simulated CPUs")
		nrLLCs      = flag.Int("llcs", 4, "number of simulated cache domains")
		nrNodes     = flag.Int("nodes", 2, "number of simulated NUMA nodes")
		smt         = flag.Bool("smt", true, "simulate SMT sibling pairs")
		nrTasks     = flag.Int("tasks", 64, "number of simulated tasks")
		duration    = flag.Duration("duration", 0, "how long to run, 0 means until interrupted")
		debug       = flag.String("debug", "", "comma-separated logger sources to debug")
	)
	flag.Parse()

	if *debug != "" {
		logger.EnableDebug(*debug)
	}

	cfg := sched.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = sched.ReadConfigFile(*configPath)
		if err != nil {
			log.Fatal("%v", err)
		}
	}

	var (
		topo topology.Topology
		err  error
	)
	if *discover {
		topo, err = topology.Discover()
	} else {
		topo, err = topology.Uniform(*nrCPUs, *nrLLCs, *nrNodes, *smt)
	}
	if err != nil {
		log.Fatal("failed to build topology: %v", err)
	}

	fw := sim.NewFramework(topo)
	s, err := sched.New(topo, fw, sched.WithConfig(cfg))
	if err != nil {
		log.Fatal("failed to create scheduler: %v", err)
	}
	if err := s.Init(); err != nil {
		log.Fatal("failed to initialize scheduler: %v", err)
	}

	gatherer, err := metrics.NewGatherer()
	if err != nil {
		log.Fatal("failed to create metrics gatherer: %v", err)
	}

	healthz.Register("scheduler", func() (healthz.Status, error) {
		if s.Started() {
			return healthz.Healthy, nil
		}
		return healthz.NonFunctional, sched.ErrNotRunning
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	healthz.Setup(mux)
	go func() {
		log.Info("serving metrics on %s", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			log.Error("metrics server failed: %v", err)
		}
	}()

	drv := sim.NewDriver(s, fw, topo, *nrTasks, rand.New(rand.NewSource(time.Now().UnixNano())))
	stop := make(chan struct{})
	go drv.Run(stop)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	if *duration > 0 {
		select {
		case <-sigs:
		case <-time.After(*duration):
		}
	} else {
		<-sigs
	}

	close(stop)
	s.Exit("shutdown requested")
	drv.Report(log)
}
