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
	"context"
	"time"

	"github.com/jacobsa/reqtrace"
)

// defaultTick bounds how long Relinquish can block without an explicit
// Notify, so that sleep/mailbox/socket wakeups queued elsewhere are not
// missed by more than one tick.
const defaultTick = 10 * time.Millisecond

// Io is the cheap per-task handle granting the suspension-point operations.
// It must not be shared across tasks; each Spawn gets its own.
type Io struct {
	sched *Scheduler
	task  *Task
}

// Task returns the Io's owning task, used by Mutex to record an owner id.
func (io *Io) Task() *Task { return io.task }

// Sleep returns after at least d has elapsed on the scheduler's injected
// clock, or ctx is done. This and Relinquish are the only two timed
// suspension points. The deadline is checked against io.sched.clock rather
// than a bare wall-clock timer so that a test driving a timeutil.SimulatedClock
// actually controls when Sleep wakes, instead of diverging from NowMs and
// the watchdog deadlines that already read the injected clock.
func (io *Io) Sleep(ctx context.Context, d time.Duration) error {
	if io.task != nil {
		io.task.setState(Sleeping)
		defer io.task.setState(Runnable)
	}

	deadline := io.sched.clock.Now().Add(d)

	ticker := time.NewTicker(defaultTick)
	defer ticker.Stop()

	for {
		if !io.sched.clock.Now().Before(deadline) {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Relinquish suspends until Scheduler.Notify is called or defaultTick has
// elapsed, whichever comes first. It does not itself watch sockets or the
// mailbox; callers re-check their own socket or mailbox condition after it
// returns. It never blocks indefinitely, so a missed Notify cannot
// livelock a task.
func (io *Io) Relinquish(ctx context.Context) error {
	if io.task != nil {
		io.task.setState(WaitingMailbox)
		defer io.task.setState(Runnable)
	}

	timer := time.NewTimer(defaultTick)
	defer timer.Stop()

	select {
	case <-io.sched.wake:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Spawn installs a child task sharing this Io's scheduler.
func (io *Io) Spawn(name string, stackBytes int, fn func(io *Io)) *Task {
	return io.sched.Spawn(name, stackBytes, fn)
}

// NowMs is a convenience accessor for the scheduler's clock.
func (io *Io) NowMs() int64 {
	return io.sched.NowMs()
}

// StartSpan opens a reqtrace span named name for the duration of one
// unit of work performed under this Io, the same way fuseops/common_op.go
// wraps each filesystem op. The caller must invoke the returned
// ReportFunc with the operation's terminal error exactly once.
func (io *Io) StartSpan(ctx context.Context, name string) (context.Context, reqtrace.ReportFunc) {
	return reqtrace.StartSpan(ctx, name)
}
