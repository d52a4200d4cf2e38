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

import (
	"log"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
)

// MailboxPending reports whether the kernel-CPU mailbox currently holds an
// unacknowledged message, the mailbox-has-message predicate owned by the
// Scheduler.
type MailboxPending func() bool

// Scheduler owns the task pool, the monotonic clock, and the wake signal
// that Relinquish blocks on. There is exactly one Scheduler per process,
// matching the single-CPU, single-thread model it emulates.
type Scheduler struct {
	clock   timeutil.Clock
	pending MailboxPending

	mu     sync.Mutex
	tasks  map[int]*Task
	nextID int

	wake chan struct{}
}

// New creates a Scheduler. clock provides the monotonic ms source used by
// Sleep and (via congress/watchdog) deadline comparisons; pending reports
// mailbox readiness. Both are supplied so tests can drive a fake clock and
// a synthetic mailbox deterministically (cf. jacobsa/timeutil's SimulatedClock
// in the teacher's own test style).
func New(clock timeutil.Clock, pending MailboxPending) *Scheduler {
	return &Scheduler{
		clock:   clock,
		pending: pending,
		tasks:   make(map[int]*Task),
		wake:    make(chan struct{}, 1),
	}
}

// Io returns a fresh handle for a task about to be spawned.
func (s *Scheduler) Io() *Io {
	return &Io{sched: s}
}

// Spawn installs a task running fn with its own (advisory) stack size and
// starts it immediately. A task that panics is logged and discarded; the
// scheduler continues running the rest of the pool.
func (s *Scheduler) Spawn(name string, stackBytes int, fn func(io *Io)) *Task {
	s.mu.Lock()
	s.nextID++
	t := newTask(s.nextID, name, stackBytes)
	s.tasks[t.id] = t
	s.mu.Unlock()

	go func() {
		defer s.retire(t)
		io := &Io{sched: s, task: t}
		fn(io)
	}()

	return t
}

// retire marks t Done, recovering and logging a panic rather than letting
// it crash the process.
func (s *Scheduler) retire(t *Task) {
	if r := recover(); r != nil {
		log.Printf("scheduler: task %q (id %d) panicked: %v", t.name, t.id, r)
	}
	t.setState(Done)
	s.mu.Lock()
	delete(s.tasks, t.id)
	s.mu.Unlock()
}

// Tasks returns a snapshot of currently registered tasks, for introspection
// and tests asserting scheduling liveness and ordering.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// NowMs returns the scheduler's monotonic clock in milliseconds, the basis
// for Sleep deadlines and WatchdogSet comparisons.
func (s *Scheduler) NowMs() int64 {
	return s.clock.Now().UnixNano() / int64(time.Millisecond)
}

// Notify wakes a task blocked in Relinquish. Coalesced: many calls between
// two Relinquish returns are equivalent to one, and one call wakes a
// single waiter. Mailbox sends and socket readiness do not call it; a
// waiter blocked on those notices them within defaultTick instead.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// MailboxPending reports whether a kernel message is currently outstanding.
func (s *Scheduler) MailboxPending() bool {
	if s.pending == nil {
		return false
	}
	return s.pending()
}
