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
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/m-labs/artiq-comms/scheduler"
)

func Test_SlotSendReceiveAcknowledge(t *testing.T) {
	s := NewSlot()

	if got := s.Receive(); got != nil {
		t.Fatalf("expected empty slot, got %#v", got)
	}

	s.Send(Log{Text: "hello"})

	got, ok := s.Receive().(Log)
	if !ok {
		t.Fatalf("expected Log, got %#v", s.Receive())
	}
	if got.Text != "hello" {
		t.Errorf("expected %q, got %q", "hello", got.Text)
	}

	s.Acknowledge()
	if got := s.Receive(); got != nil {
		t.Errorf("expected empty slot after Acknowledge, got %#v", got)
	}
}

func Test_SlotSendOnNonEmptyPanics(t *testing.T) {
	s := NewSlot()
	s.Send(NowSave{Now: 1})

	defer func() {
		if recover() == nil {
			t.Errorf("expected Send on a non-empty slot to panic")
		}
	}()
	s.Send(NowSave{Now: 2})
}

func Test_SendAndWaitBlocksUntilAcknowledged(t *testing.T) {
	s := NewSlot()
	sched := scheduler.New(timeutil.RealClock(), nil)
	io := sched.Io()

	done := make(chan error, 1)
	go func() {
		done <- SendAndWait(context.Background(), io, s, WatchdogClear{ID: 3})
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("SendAndWait returned before acknowledgement")
	default:
	}

	s.Acknowledge()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("SendAndWait never returned after Acknowledge")
	}
}

func Test_WaitAndReceiveBlocksUntilSent(t *testing.T) {
	s := NewSlot()
	sched := scheduler.New(timeutil.RealClock(), nil)
	io := sched.Io()

	type result struct {
		msg Envelope
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := WaitAndReceive(context.Background(), io, s)
		done <- result{msg, err}
	}()

	time.Sleep(20 * time.Millisecond)
	s.Send(NowInitRequest{})

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("expected nil error, got %v", r.err)
		}
		if _, ok := r.msg.(NowInitRequest); !ok {
			t.Errorf("expected NowInitRequest, got %#v", r.msg)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitAndReceive never returned after Send")
	}
}

func Test_RPCQueueFIFO(t *testing.T) {
	q := NewRPCQueue(4)

	for i := 0; i < 3; i++ {
		if !q.TryPush(RpcRecvRequest{Tag: []byte{byte(i)}}) {
			t.Fatalf("TryPush %d failed unexpectedly", i)
		}
	}

	for i := 0; i < 3; i++ {
		msg := q.TryPop()
		req, ok := msg.(RpcRecvRequest)
		if !ok {
			t.Fatalf("expected RpcRecvRequest, got %#v", msg)
		}
		if len(req.Tag) != 1 || req.Tag[0] != byte(i) {
			t.Errorf("expected tag %d, got %v", i, req.Tag)
		}
	}

	if msg := q.TryPop(); msg != nil {
		t.Errorf("expected empty queue, got %#v", msg)
	}
}

func Test_RPCQueueFullRejectsPush(t *testing.T) {
	q := NewRPCQueue(2)

	if !q.TryPush(Log{Text: "a"}) {
		t.Fatal("first push should succeed")
	}
	if !q.TryPush(Log{Text: "b"}) {
		t.Fatal("second push should succeed")
	}
	if q.TryPush(Log{Text: "c"}) {
		t.Errorf("expected third push into a capacity-2 queue to fail")
	}
}

func Test_WaitAndPopBlocksUntilPushed(t *testing.T) {
	q := NewRPCQueue(4)
	sched := scheduler.New(timeutil.RealClock(), nil)
	io := sched.Io()

	done := make(chan Envelope, 1)
	go func() {
		msg, err := WaitAndPop(context.Background(), io, q)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		done <- msg
	}()

	time.Sleep(20 * time.Millisecond)
	q.TryPush(WatchdogSetRequest{MS: 500})

	select {
	case msg := <-done:
		req, ok := msg.(WatchdogSetRequest)
		if !ok || req.MS != 500 {
			t.Errorf("expected WatchdogSetRequest{MS:500}, got %#v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitAndPop never returned after TryPush")
	}
}
