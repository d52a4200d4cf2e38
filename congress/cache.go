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

package congress

import "github.com/jacobsa/syncutil"

// entry is one cached sequence. The kernel reads a value by a borrowed
// view obtained from Get; outstanding tracks whether that view is still
// live. original_source transmutes a raw pointer to a 'static slice for
// this, which is unsound (the value can be overwritten out from under the
// kernel's read); generation replaces it with a checked protocol: Get
// hands back the generation it is viewing, and a Put is only honored to
// release that exact still-outstanding generation, never a stale or
// already-superseded one.
type entry struct {
	value       []int32
	generation  uint64
	outstanding bool
}

// Cache is the kernel-to-kernel key/value store Congress carries across
// sessions.
type Cache struct {
	mu      syncutil.InvariantMutex
	entries map[string]*entry // GUARDED_BY(mu)
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

// Get returns a copy of the sequence stored under key along with the
// generation the caller must echo in a matching Put, and marks that
// generation as outstanding (borrowed). Returns ok=false if key has never
// been Put.
func (c *Cache) Get(key string) (value []int32, generation uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[key]
	if !found {
		return nil, 0, false
	}
	e.outstanding = true

	value = make([]int32, len(e.value))
	copy(value, e.value)
	return value, e.generation, true
}

// Put stores value under key, succeeding unless a prior Get's view of
// key's current generation is still outstanding (echoed by a different,
// stale generation, or not echoed at all). On success, the generation
// advances and any prior borrow is implicitly released: this is the
// "next Put acknowledgment" release the service contract describes.
func (c *Cache) Put(key string, value []int32, generation uint64) (succeeded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[key]
	if found && e.outstanding && e.generation != generation {
		return false
	}

	if !found {
		e = &entry{}
		c.entries[key] = e
	}

	e.value = append([]int32(nil), value...)
	e.generation++
	e.outstanding = false
	return true
}
