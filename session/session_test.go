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

package session

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/m-labs/artiq-comms/congress"
	"github.com/m-labs/artiq-comms/flashconfig"
	"github.com/m-labs/artiq-comms/internal/wire"
	"github.com/m-labs/artiq-comms/mailbox"
	"github.com/m-labs/artiq-comms/netio"
	"github.com/m-labs/artiq-comms/routing"
	"github.com/m-labs/artiq-comms/scheduler"
	"github.com/m-labs/artiq-comms/watchdog"
)

// harness wires up a Session served over a real loopback TCP connection,
// with a stand-in kernel task draining its mailbox, mirroring how
// cmd/runtime would wire the pieces together for one connection.
type harness struct {
	client  net.Conn
	sched   *scheduler.Scheduler
	cancel  context.CancelFunc
	cong    *congress.Congress
	store   *flashconfig.Store
	watch   *watchdog.Set
	toKern  *mailbox.Slot
	fromKer *mailbox.Slot
	done    chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ln, err := netio.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	store, err := flashconfig.Open(filepath.Join(t.TempDir(), "cfg.bin"), 4096)
	if err != nil {
		t.Fatalf("flashconfig.Open: %v", err)
	}

	h := &harness{
		sched: scheduler.New(timeutil.RealClock(), nil),
		cong:  congress.New(),
		store: store,
		watch: watchdog.New(watchdog.DefaultCapacity),
		done:  make(chan error, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(h.cancel)

	addr := ln.Addr().String()
	accepted := make(chan acceptResult, 1)
	go func() {
		stream, err := ln.Accept(ctx)
		accepted <- acceptResult{stream, err}
	}()

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	h.client = client
	t.Cleanup(func() { client.Close() })

	r := <-accepted
	if r.err != nil {
		t.Fatalf("Accept: %v", r.err)
	}

	toKern := mailbox.NewSlot()
	fromKer := mailbox.NewSlot()
	rpc := mailbox.NewRPCQueue(8)
	h.toKern = toKern
	h.fromKer = fromKer

	h.sched.Spawn("kernel", 0, func(io *scheduler.Io) {
		RunStandInKernel(ctx, io, toKern, fromKer)
	})

	h.sched.Spawn("session", 0, func(io *scheduler.Io) {
		cfg := Config{
			Congress:   h.cong,
			Store:      h.store,
			Watchdogs:  h.watch,
			ToKernel:   toKern,
			FromKernel: fromKer,
			RPC:        rpc,
			Routing:    routing.NewTable(),
			UpLinks:    routing.NewUpDestinations(),
			Ident:      "test-board",
		}
		s := New(cfg, r.stream, io)
		h.done <- s.Serve(ctx)
	})

	return h
}

type acceptResult struct {
	stream *netio.TcpStream
	err    error
}

func (h *harness) handshake(t *testing.T) {
	t.Helper()
	if _, err := h.client.Write([]byte(magic)); err != nil {
		t.Fatalf("write magic: %v", err)
	}
}

func (h *harness) sendRequest(t *testing.T, w *wire.Writer) {
	t.Helper()
	if _, err := h.client.Write(w.Bytes()); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

func (h *harness) readReplyTag(t *testing.T) uint8 {
	t.Helper()
	var tag [1]byte
	h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := h.client.Read(tag[:]); err != nil {
		t.Fatalf("read reply tag: %v", err)
	}
	return tag[0]
}

func Test_HandshakeThenIdent(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	w := wire.NewWriter()
	w.WriteUint8(tagIdent)
	h.sendRequest(t, w)

	tag := h.readReplyTag(t)
	if tag != tagReplyIdent {
		t.Fatalf("expected tagReplyIdent, got 0x%02x", tag)
	}

	r := wire.NewReader(h.client)
	ident, err := r.ReadString()
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if ident != "test-board" {
		t.Errorf("expected ident %q, got %q", "test-board", ident)
	}

	h.client.Close()
	if err := <-h.done; err == nil {
		t.Errorf("expected Serve to report the client's orderly close as an error value")
	}
}

func Test_BadMagicClosesSession(t *testing.T) {
	h := newHarness(t)
	if _, err := h.client.Write([]byte("not the right magic\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	err := <-h.done
	var protoErr *ProtocolError
	if !isProtocolError(err, &protoErr) {
		t.Fatalf("expected a ProtocolError, got %v (%T)", err, err)
	}
}

func isProtocolError(err error, target **ProtocolError) bool {
	pe, ok := err.(*ProtocolError)
	if ok {
		*target = pe
	}
	return ok
}

func Test_FlashWriteThenRead(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	w := wire.NewWriter()
	w.WriteUint8(tagFlashWrite)
	w.WriteString("mac")
	w.WriteBytes([]byte("02:00:00:00:00:aa"))
	h.sendRequest(t, w)

	if tag := h.readReplyTag(t); tag != tagReplyFlashOk {
		t.Fatalf("expected tagReplyFlashOk, got 0x%02x", tag)
	}

	w2 := wire.NewWriter()
	w2.WriteUint8(tagFlashRead)
	w2.WriteString("mac")
	h.sendRequest(t, w2)

	if tag := h.readReplyTag(t); tag != tagReplyFlashRead {
		t.Fatalf("expected tagReplyFlashRead, got 0x%02x", tag)
	}
	r := wire.NewReader(h.client)
	value, err := r.ReadBytes()
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if string(value) != "02:00:00:00:00:aa" {
		t.Errorf("expected %q, got %q", "02:00:00:00:00:aa", value)
	}
}

func Test_LoadThenRunKernel(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	w := wire.NewWriter()
	w.WriteUint8(tagLoadLibrary)
	w.WriteBytes([]byte{0xde, 0xad, 0xbe, 0xef})
	h.sendRequest(t, w)

	if tag := h.readReplyTag(t); tag != tagReplyLoadCompleted {
		t.Fatalf("expected tagReplyLoadCompleted, got 0x%02x", tag)
	}

	w2 := wire.NewWriter()
	w2.WriteUint8(tagRunKernel)
	h.sendRequest(t, w2)

	if tag := h.readReplyTag(t); tag != tagReplyKernelStarted {
		t.Fatalf("expected tagReplyKernelStarted, got 0x%02x", tag)
	}
}

func Test_SwitchClockRejectedWhileRunning(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	load := wire.NewWriter()
	load.WriteUint8(tagLoadLibrary)
	load.WriteBytes([]byte{0x01})
	h.sendRequest(t, load)
	if tag := h.readReplyTag(t); tag != tagReplyLoadCompleted {
		t.Fatalf("expected tagReplyLoadCompleted, got 0x%02x", tag)
	}

	run := wire.NewWriter()
	run.WriteUint8(tagRunKernel)
	h.sendRequest(t, run)
	if tag := h.readReplyTag(t); tag != tagReplyKernelStarted {
		t.Fatalf("expected tagReplyKernelStarted, got 0x%02x", tag)
	}

	sw := wire.NewWriter()
	sw.WriteUint8(tagSwitchClock)
	sw.WriteUint8(1)
	h.sendRequest(t, sw)

	if tag := h.readReplyTag(t); tag != tagReplyFailure {
		t.Fatalf("expected tagReplyFailure while a kernel is running, got 0x%02x", tag)
	}
}

func Test_RoutingSetPathThenGetPath(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	w := wire.NewWriter()
	w.WriteUint8(tagRoutingSetPath)
	w.WriteUint8(5)
	w.WriteBytes([]byte{9, 3, 1})
	h.sendRequest(t, w)
	if tag := h.readReplyTag(t); tag != tagReplyFlashOk {
		t.Fatalf("expected tagReplyFlashOk, got 0x%02x", tag)
	}

	w2 := wire.NewWriter()
	w2.WriteUint8(tagRoutingGetPath)
	w2.WriteUint8(5)
	h.sendRequest(t, w2)
	if tag := h.readReplyTag(t); tag != tagReplyRoutingPath {
		t.Fatalf("expected tagReplyRoutingPath, got 0x%02x", tag)
	}
	r := wire.NewReader(h.client)
	hops, err := r.ReadBytes()
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	want := make([]byte, routing.MaxHops)
	copy(want, []byte{9, 3, 1})
	if string(hops) != string(want) {
		t.Errorf("expected %v, got %v", want, hops)
	}
}

func Test_WatchdogExpiryEndsSession(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	load := wire.NewWriter()
	load.WriteUint8(tagLoadLibrary)
	load.WriteBytes([]byte{0x01})
	h.sendRequest(t, load)
	if tag := h.readReplyTag(t); tag != tagReplyLoadCompleted {
		t.Fatalf("expected tagReplyLoadCompleted, got 0x%02x", tag)
	}

	run := wire.NewWriter()
	run.WriteUint8(tagRunKernel)
	h.sendRequest(t, run)
	if tag := h.readReplyTag(t); tag != tagReplyKernelStarted {
		t.Fatalf("expected tagReplyKernelStarted, got 0x%02x", tag)
	}

	// Arm a watchdog that is already expired (its deadline 1000ms before
	// now), as if the kernel had asked for one and never cleared
	// it in time, then hand it to the session the way a real
	// WatchdogSetRequest message would.
	h.fromKer.Send(mailbox.WatchdogSetRequest{MS: -1000})

	if tag := h.readReplyTag(t); tag != tagReplyWatchdogExpired {
		t.Fatalf("expected tagReplyWatchdogExpired, got 0x%02x", tag)
	}

	err := <-h.done
	if err != WatchdogExpired {
		t.Errorf("expected Serve to return WatchdogExpired, got %v", err)
	}
}

func Test_UnknownTagIsProtocolError(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	if _, err := h.client.Write([]byte{0xff}); err != nil {
		t.Fatalf("write: %v", err)
	}

	err := <-h.done
	var pe *ProtocolError
	if !isProtocolError(err, &pe) {
		t.Fatalf("expected a ProtocolError, got %v (%T)", err, err)
	}
}
