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

import "fmt"

var (
	// ErrInvalidConfig is returned for configurations that fail validation.
	ErrInvalidConfig = fmt.Errorf("sched: invalid configuration")
	// ErrUnknownTask is returned for operations on tasks without a context.
	ErrUnknownTask = fmt.Errorf("sched: unknown task")
	// ErrTaskExists is returned when a task context is created twice.
	ErrTaskExists = fmt.Errorf("sched: task already exists")
	// ErrNoContext is returned when a CPU, cache-domain, or node context
	// cannot be resolved at all, not even by degraded fallback.
	ErrNoContext = fmt.Errorf("sched: no context")
	// ErrPromiseConsumed is returned when an enqueue promise is resolved a
	// second time.
	ErrPromiseConsumed = fmt.Errorf("sched: enqueue promise already resolved")
	// ErrEnqueueFailed is returned when an enqueue could not be classified.
	ErrEnqueueFailed = fmt.Errorf("sched: enqueue failed")
	// ErrNotRunning is returned for wake-path operations on a scheduler
	// that has exited.
	ErrNotRunning = fmt.Errorf("sched: scheduler not running")
)
