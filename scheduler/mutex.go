// Copyright 2015 Google Inc. All Rights Reserved.
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

package scheduler

import "sync"

// Mutex is a cooperative mutex: one owner at a time, no priority
// inheritance because there is only one priority level. A buffered channel
// of capacity one stands in for the single token a task can hold;
// acquiring it is Mutex's one suspension point.
//
// It is shaped for aux bus serialization (one aux_mutex shared across
// tasks, as original_source/artiq/firmware/runtime/main.rs clones a single
// aux_mutex into each spawned task). No code in this repository outside
// its tests creates one; routing.Table lives in a Urc and congress.Cache
// uses syncutil.InvariantMutex.
type Mutex struct {
	token chan struct{}

	mu    sync.Mutex
	owner int // task id, 0 if unheld
}

// NewMutex returns an unheld Mutex.
func NewMutex() *Mutex {
	m := &Mutex{token: make(chan struct{}, 1)}
	m.token <- struct{}{}
	return m
}

// Lock acquires the mutex, suspending the calling task (WaitingMutex) until
// it is free. Lock is not cancellable: a task that locks a Mutex is
// trusted to hold it only briefly and never across a yield point, so there
// is nothing sensible to cancel out of.
func (m *Mutex) Lock(io *Io) {
	if m == nil {
		return
	}
	var task *Task
	if io != nil {
		task = io.task
	}
	if task != nil {
		task.setState(WaitingMutex)
		defer task.setState(Runnable)
	}

	<-m.token

	m.mu.Lock()
	if task != nil {
		m.owner = task.id
	}
	m.mu.Unlock()
}

// Unlock releases the mutex. Unlock by a non-owner is a programming error;
// tasks are trusted, so we don't pay for a runtime check beyond a
// best-effort owner reset.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	m.owner = 0
	m.mu.Unlock()
	m.token <- struct{}{}
}

// Owner returns the id of the task currently holding the mutex, or 0.
func (m *Mutex) Owner() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}
