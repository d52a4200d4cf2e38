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

package mailbox

import (
	"context"
	"sync/atomic"

	"github.com/m-labs/artiq-comms/scheduler"
)

// RPCQueue is a lock-free single-producer/single-consumer ring of
// Envelope slots, used for kernel-to-comms RPC requests that must not
// block the kernel CPU the way waiting on Slot would. The backing array
// is allocated once at construction and never grown, the same
// no-allocation-on-the-hot-path discipline internal/buffer.Buffer uses
// for its segment growth: here it is a fixed ring instead of a
// pre-sized-then-appended slice, because unlike a single fuse reply the
// queue has no natural final size to preallocate toward.
type RPCQueue struct {
	slots []atomic.Pointer[Envelope]
	mask  uint64

	head atomic.Uint64 // next slot the consumer will read
	tail atomic.Uint64 // next slot the producer will write
}

// NewRPCQueue returns a queue with room for capacity messages. capacity
// is rounded up to the next power of two.
func NewRPCQueue(capacity int) *RPCQueue {
	n := uint64(1)
	for n < uint64(capacity) {
		n <<= 1
	}
	return &RPCQueue{
		slots: make([]atomic.Pointer[Envelope], n),
		mask:  n - 1,
	}
}

// TryPush stores msg without blocking. It returns false if the queue is
// full; the producer (kernel side) is expected to retry rather than
// block.
func (q *RPCQueue) TryPush(msg Envelope) bool {
	tail := q.tail.Load()
	head := q.head.Load()
	if tail-head >= uint64(len(q.slots)) {
		return false
	}
	q.slots[tail&q.mask].Store(&msg)
	q.tail.Store(tail + 1)
	return true
}

// TryPop removes and returns the oldest message without blocking, or nil
// if the queue is empty.
func (q *RPCQueue) TryPop() Envelope {
	head := q.head.Load()
	tail := q.tail.Load()
	if head >= tail {
		return nil
	}
	slot := &q.slots[head&q.mask]
	p := slot.Load()
	slot.Store(nil)
	q.head.Store(head + 1)
	if p == nil {
		return nil
	}
	return *p
}

// Len reports the number of currently queued messages.
func (q *RPCQueue) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

// WaitAndPop suspends the calling task until the queue is non-empty, then
// pops and returns the oldest message.
func WaitAndPop(ctx context.Context, io *scheduler.Io, q *RPCQueue) (Envelope, error) {
	for {
		if msg := q.TryPop(); msg != nil {
			return msg, nil
		}
		if err := io.Relinquish(ctx); err != nil {
			return nil, err
		}
	}
}
