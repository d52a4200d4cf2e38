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

// Package congress implements the process-lifetime state shared across
// sessions: the monotonic RTIO clock value and the kernel-to-kernel
// cache. A single Congress is created once at startup and outlives every
// individual session; only one session holds it at a time, but it is
// guarded with a syncutil.InvariantMutex the same way memfs guards its
// inode table, so a future multi-session design does not have to
// retrofit locking.
package congress

import "github.com/jacobsa/syncutil"

// Congress bundles the clock and cache state one session task borrows for
// its lifetime.
type Congress struct {
	mu syncutil.InvariantMutex

	now   int64 // GUARDED_BY(mu)
	cache *Cache
}

// New returns a Congress with now initialized to 0 and an empty cache.
func New() *Congress {
	return &Congress{cache: NewCache()}
}

// Now returns the current RTIO clock value.
func (c *Congress) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// SetNow adopts v as the current RTIO clock value, per a kernel NowSave
// message.
func (c *Congress) SetNow(v int64) {
	c.mu.Lock()
	c.now = v
	c.mu.Unlock()
}

// Cache returns the shared cache. Cache itself is independently
// synchronized, so callers do not need to hold Congress's lock around
// Cache operations.
func (c *Congress) Cache() *Cache {
	return c.cache
}
