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
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
)

func Test_SpawnRunsAndRetires(t *testing.T) {
	s := New(timeutil.RealClock(), nil)

	done := make(chan struct{})
	task := s.Spawn("worker", 4096, func(io *Io) {
		close(done)
	})

	if task.Name() != "worker" {
		t.Errorf("expected name %q, got %q", "worker", task.Name())
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if task.State() == Done {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Errorf("expected task to retire to Done, got %v", task.State())
}

func Test_SpawnRecoversPanic(t *testing.T) {
	s := New(timeutil.RealClock(), nil)

	done := make(chan struct{})
	s.Spawn("panicker", 4096, func(io *Io) {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking task never ran")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(s.Tasks()) == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Errorf("expected panicking task to be retired from the pool")
}

func Test_SleepRespectsContextCancellation(t *testing.T) {
	s := New(timeutil.RealClock(), nil)
	io := s.Io()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := io.Sleep(ctx, time.Hour)
	if err == nil {
		t.Errorf("expected Sleep to return the cancellation error")
	}
}

func Test_RelinquishWakesOnNotify(t *testing.T) {
	s := New(timeutil.RealClock(), nil)
	io := s.Io()

	woke := make(chan struct{})
	go func() {
		io.Relinquish(context.Background())
		close(woke)
	}()

	time.Sleep(10 * time.Millisecond)
	s.Notify()

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("Relinquish never woke on Notify")
	}
}

func Test_MutexSerializesOwnership(t *testing.T) {
	m := NewMutex()
	io := (&Scheduler{}).Io()

	m.Lock(io)
	if m.Owner() != 0 {
		t.Errorf("expected owner 0 (no task attached to io), got %d", m.Owner())
	}

	unlocked := make(chan struct{})
	go func() {
		m.Unlock()
		close(unlocked)
	}()
	<-unlocked

	acquired := make(chan struct{})
	go func() {
		m.Lock(io)
		close(acquired)
		m.Unlock()
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired the mutex after Unlock")
	}
}

func Test_UrcPanicsOnConflictingBorrow(t *testing.T) {
	u := NewUrc(42)

	ref := u.Borrow()
	defer ref.Release()

	defer func() {
		if recover() == nil {
			t.Errorf("expected BorrowMut to panic while a shared borrow is live")
		}
	}()
	u.BorrowMut()
}

func Test_UrcAllowsSequentialBorrows(t *testing.T) {
	u := NewUrc(7)

	ref := u.Borrow()
	if got := *ref.Get(); got != 7 {
		t.Errorf("expected 7, got %d", got)
	}
	ref.Release()

	mut := u.BorrowMut()
	*mut.Get() = 9
	mut.Release()

	ref2 := u.Borrow()
	defer ref2.Release()
	if got := *ref2.Get(); got != 9 {
		t.Errorf("expected 9 after mutation, got %d", got)
	}
}
