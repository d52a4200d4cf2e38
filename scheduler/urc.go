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

type urcState int

const (
	urcFree urcState = iota
	urcShared
	urcExclusive
)

// Urc is a shared-ownership handle to an interior-mutable cell, borrowable
// only while no other incompatible borrow is live. Unlike
// jacobsa/syncutil's InvariantMutex (used directly by congress.Congress and
// congress.Cache), Urc is its own
// small borrow checker: a shared, many-reader/one-writer cell threaded
// across tasks via plain pointers has no ready-made equivalent in the
// teacher's dependency set. Violations panic — they are bugs, never
// recoverable errors.
type Urc[T any] struct {
	mu     sync.Mutex
	value  T
	state  urcState
	shared int
}

// NewUrc wraps v for shared, borrow-checked access.
func NewUrc[T any](v T) *Urc[T] {
	return &Urc[T]{value: v}
}

// Clone returns a handle to the same underlying cell. Go's garbage
// collector makes refcounting unnecessary; Clone exists so callers that
// mirror original_source/artiq/firmware/runtime/main.rs's
// `drtio_routing_table.clone()` fan-out (cloning one Urc into every
// spawned task) have a direct translation.
func (u *Urc[T]) Clone() *Urc[T] { return u }

// Ref is a live shared borrow. Only read access is implied by convention;
// Go cannot enforce const-ness, so callers must not mutate through Get().
type Ref[T any] struct{ u *Urc[T] }

// Borrow takes a shared (read) borrow. Panics if an exclusive borrow is
// live.
func (u *Urc[T]) Borrow() Ref[T] {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == urcExclusive {
		panic("scheduler: Urc.Borrow called while exclusively borrowed")
	}
	u.state = urcShared
	u.shared++
	return Ref[T]{u: u}
}

// Get returns a pointer to the borrowed value. Must not be retained past
// Release.
func (r Ref[T]) Get() *T { return &r.u.value }

// Release ends the shared borrow.
func (r Ref[T]) Release() {
	u := r.u
	u.mu.Lock()
	defer u.mu.Unlock()
	u.shared--
	if u.shared <= 0 {
		u.shared = 0
		u.state = urcFree
	}
}

// MutRef is a live exclusive borrow.
type MutRef[T any] struct{ u *Urc[T] }

// BorrowMut takes an exclusive (read-write) borrow. Panics if any borrow,
// shared or exclusive, is already live: borrows must never span a yield
// point, and a conflicting live borrow means one did.
func (u *Urc[T]) BorrowMut() MutRef[T] {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != urcFree {
		panic("scheduler: Urc.BorrowMut called while another borrow is live")
	}
	u.state = urcExclusive
	return MutRef[T]{u: u}
}

// Get returns a pointer to the exclusively borrowed value.
func (r MutRef[T]) Get() *T { return &r.u.value }

// Release ends the exclusive borrow.
func (r MutRef[T]) Release() {
	u := r.u
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state = urcFree
}
