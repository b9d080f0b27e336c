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

// Package healthz aggregates component health checks behind a single HTTP
// endpoint. Components register a check function; the endpoint reports the
// worst status across all of them.
package healthz

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	logger "github.com/sched-plugins/picktwo/pkg/log"
)

var log = logger.NewLogger("healthz")

// Status describes the health of a component or the whole.
type Status int

const (
	// Healthy means the component works as expected.
	Healthy Status = iota
	// Degraded means the component works with reduced functionality.
	Degraded
	// NonFunctional means the component does not work.
	NonFunctional
)

// CheckFn reports the health of one component.
type CheckFn func() (Status, error)

var (
	lock     sync.Mutex
	checkers = map[string]CheckFn{}
	sorted   []string
)

// Setup registers the healthz endpoint on the given request multiplexer.
func Setup(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", serve)
}

// Register registers a named health checker.
func Register(name string, fn CheckFn) {
	lock.Lock()
	defer lock.Unlock()

	if _, conflict := checkers[name]; conflict {
		panic(fmt.Sprintf("healthz: checker %q already registered", name))
	}
	checkers[name] = fn
	sorted = append(sorted, name)
	sort.Strings(sorted)
}

type failure struct {
	name string
	err  error
}

func serve(w http.ResponseWriter, req *http.Request) {
	status, failed := check()
	if status == Healthy {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Error("failed to write response: %v", err)
		}
		return
	}

	body := ""
	for _, f := range failed {
		body += fmt.Sprintf("%s: %v\n", f.name, f.err)
	}
	w.WriteHeader(http.StatusInternalServerError)
	if _, err := w.Write([]byte(body)); err != nil {
		log.Error("failed to write response: %v", err)
	}
}

// check runs all checkers under the lock and returns the worst status along
// with the failed components in name order.
func check() (Status, []failure) {
	lock.Lock()
	defer lock.Unlock()

	status := Healthy
	failed := []failure{}
	for _, name := range sorted {
		s, err := checkers[name]()
		if s == Healthy {
			continue
		}
		if s > status {
			status = s
		}
		if err != nil {
			failed = append(failed, failure{name: name, err: err})
			log.Error("component %s reported unhealthy: %v", name, err)
		}
	}
	return status, failed
}
