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
	"fmt"
	"sync/atomic"

	"github.com/m-labs/artiq-comms/scheduler"
)

// Slot is the single, word-sized mailbox: at most one outstanding message
// at a time, the sender retaining logical ownership until the receiver
// acknowledges. atomic.Pointer gives the release-on-store,
// acquire-on-load pairing the real shared-memory slot needs between two
// CPUs; here it additionally serializes the one goroutine pair (comms
// task, session task) that plays each CPU's role.
type Slot struct {
	ptr atomic.Pointer[Envelope]
}

// NewSlot returns an empty slot.
func NewSlot() *Slot {
	return &Slot{}
}

// Send stores msg with a release barrier. Calling Send on a non-empty
// slot is a caller bug (the protocol guarantees at most one outstanding
// message), so it panics rather than returning an error a caller might
// paper over.
func (s *Slot) Send(msg Envelope) {
	if !s.ptr.CompareAndSwap(nil, &msg) {
		panic(fmt.Sprintf("mailbox: Send called on a non-empty slot (pending %T)", *s.ptr.Load()))
	}
}

// Receive returns the current slot value without clearing it (acquire),
// or nil if empty.
func (s *Slot) Receive() Envelope {
	p := s.ptr.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Acknowledge zeros the slot (release), signaling the sender that its
// message has been consumed.
func (s *Slot) Acknowledge() {
	s.ptr.Store(nil)
}

// SendAndWait stores msg, then suspends the calling task until the
// receiver has acknowledged it (i.e. until the slot reads empty again).
func SendAndWait(ctx context.Context, io *scheduler.Io, s *Slot, msg Envelope) error {
	s.Send(msg)
	for s.Receive() != nil {
		if err := io.Relinquish(ctx); err != nil {
			return err
		}
	}
	return nil
}

// WaitAndReceive suspends the calling task until s holds a message, then
// returns it without acknowledging — the caller must Acknowledge once it
// has finished dispatching.
func WaitAndReceive(ctx context.Context, io *scheduler.Io, s *Slot) (Envelope, error) {
	for {
		if msg := s.Receive(); msg != nil {
			return msg, nil
		}
		if err := io.Relinquish(ctx); err != nil {
			return nil, err
		}
	}
}
