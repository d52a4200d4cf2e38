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
	"fmt"
	"io"
	"io/ioutil"
	"log"

	"golang.org/x/crypto/blake2b"

	"github.com/m-labs/artiq-comms/congress"
	"github.com/m-labs/artiq-comms/flashconfig"
	"github.com/m-labs/artiq-comms/internal/wire"
	"github.com/m-labs/artiq-comms/mailbox"
	"github.com/m-labs/artiq-comms/netio"
	"github.com/m-labs/artiq-comms/routing"
	"github.com/m-labs/artiq-comms/scheduler"
	"github.com/m-labs/artiq-comms/watchdog"
)

// Config bundles the dependencies a Session borrows for its lifetime.
// Every field is required except the loggers, which default to
// discarding output the way debug.go's gLogger does when fuse.debug is
// unset.
type Config struct {
	Congress   *congress.Congress
	Store      *flashconfig.Store
	Watchdogs  *watchdog.Set
	ToKernel   *mailbox.Slot // comms -> kernel
	FromKernel *mailbox.Slot // kernel -> comms
	RPC        *mailbox.RPCQueue
	Routing    *scheduler.Urc[routing.Table]
	UpLinks    *scheduler.Urc[routing.UpDestinations]
	Ident      string

	DebugLogger *log.Logger
	ErrorLogger *log.Logger
}

// Session drives one accepted connection through the handshake and the
// host/kernel request-dispatch loop. It is not safe for concurrent use;
// Serve owns it for the connection's entire lifetime.
type Session struct {
	cfg    Config
	stream *netio.TcpStream
	io     *scheduler.Io
	state  KernelState
	log    string // kernel log text accumulated since the last LogClear

	debugLogger *log.Logger
	errorLogger *log.Logger
}

// New returns a Session ready to Serve stream.
func New(cfg Config, stream *netio.TcpStream, io *scheduler.Io) *Session {
	s := &Session{cfg: cfg, stream: stream, io: io, state: Absent}

	s.debugLogger = cfg.DebugLogger
	if s.debugLogger == nil {
		s.debugLogger = log.New(ioutil.Discard, "session: ", log.Ldate|log.Ltime|log.Lmicroseconds)
	}
	s.errorLogger = cfg.ErrorLogger
	if s.errorLogger == nil {
		s.errorLogger = log.New(ioutil.Discard, "session: ", log.Ldate|log.Ltime|log.Lmicroseconds)
	}
	return s
}

// debugLog mirrors connection.go's debugLog: a single place every
// request/reply trace line funnels through, so enabling or disabling
// verbose tracing never requires touching call sites.
func (s *Session) debugLog(format string, v ...interface{}) {
	s.debugLogger.Printf(format, v...)
}

// Serve checks the handshake magic, then loops dispatching host requests,
// kernel messages and RPC-queue requests until the connection closes, a
// ProtocolError is hit, or ctx is canceled. A plain io.EOF/io.ErrUnexpectedEOF
// return means the peer hung up in the ordinary way; any other non-nil
// error is a fatal event or protocol violation the caller should log.
func (s *Session) Serve(ctx context.Context) error {
	// Whatever a kernel armed and never cleared must not outlive this
	// connection: a stale slot would either wrongly kill the very next
	// session the instant it starts running, or permanently consume
	// capacity out of a shared Set.
	defer s.cfg.Watchdogs.ClearAll()

	var magicBuf [len(magic)]byte
	if err := s.stream.ReadExact(magicBuf[:]); err != nil {
		return err
	}
	if string(magicBuf[:]) != magic {
		return &ProtocolError{Err: fmt.Errorf("bad handshake magic %q", magicBuf[:])}
	}
	s.debugLog("handshake ok, ident=%s", s.cfg.Ident)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if s.stream.Readable() {
			if err := s.handleOneHostRequest(ctx); err != nil {
				return err
			}
			continue
		}

		if msg := s.cfg.FromKernel.Receive(); msg != nil {
			if err := s.handleKernelMessage(ctx, msg); err != nil {
				return err
			}
			continue
		}

		if rpc := s.cfg.RPC.TryPop(); rpc != nil {
			if err := s.handleRPCMessage(ctx, rpc); err != nil {
				return err
			}
			continue
		}

		if s.state == Running || s.state == RpcWait {
			if s.cfg.Watchdogs.Expired(s.io.NowMs()) {
				return s.fatal(WatchdogExpired, watchdogExpiredReply{})
			}
		}

		if err := s.io.Relinquish(ctx); err != nil {
			return err
		}
	}
}

// fatal sends reply, ignores a write failure (the connection is ending
// either way), and returns event so the caller can log why.
func (s *Session) fatal(event FatalEvent, reply HostReply) error {
	s.writeReply(reply)
	return event
}

func (s *Session) writeReply(reply HostReply) error {
	w := wire.NewWriter()
	encodeHostReply(w, reply)
	return s.stream.WriteAll(w.Bytes())
}

// handleOneHostRequest reads and dispatches exactly one request. Decode
// failures are always protocol errors; everything else either transitions
// state and replies success, or replies a typed failure without touching
// state.
func (s *Session) handleOneHostRequest(ctx context.Context) error {
	r := wire.NewReader(&streamReader{s.stream})
	req, err := decodeHostRequest(r)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return err
		}
		return &ProtocolError{Err: err}
	}

	opName := fmt.Sprintf("%T", req)
	traceCtx, report := s.io.StartSpan(ctx, opName)

	reply, fatalErr := s.dispatchHostRequest(traceCtx, req)
	report(fatalErr)
	if fatalErr != nil {
		return fatalErr
	}

	s.debugLog("request %s -> reply %T (state=%s)", opName, reply, s.state)
	return s.writeReply(reply)
}

// streamReader adapts netio.TcpStream's ReadExact to io.Reader so
// wire.Reader can be reused unmodified across a framed field of any size.
type streamReader struct {
	s *netio.TcpStream
}

func (r *streamReader) Read(p []byte) (int, error) {
	if err := r.s.ReadExact(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// dispatchHostRequest applies one decoded request against the current
// state, returning the reply to send. A non-nil error is always fatal
// (a ProtocolError, or a cancellation or failure hit while waiting on the
// kernel mailbox) and the caller returns it as is; a violated
// precondition is reported as a failureReply, never as an error.
func (s *Session) dispatchHostRequest(ctx context.Context, req HostRequest) (HostReply, error) {
	switch r := req.(type) {
	case identRequest:
		return identReply{Ident: s.cfg.Ident}, nil

	case logRequest:
		return logReply{Text: s.log}, nil

	case logClearRequest:
		s.log = ""
		return flashOkReply{}, nil

	case flashReadRequest:
		value, ok := s.cfg.Store.Read(r.Key)
		if !ok {
			return failureReply{Message: fmt.Sprintf("no such key %q", r.Key)}, nil
		}
		return flashReadReply{Value: value}, nil

	case flashWriteRequest:
		if err := s.cfg.Store.Write(r.Key, r.Value); err != nil {
			return failureReply{Message: err.Error()}, nil
		}
		return flashOkReply{}, nil

	case flashRemoveRequest:
		if err := s.cfg.Store.Remove(r.Key); err != nil {
			return failureReply{Message: err.Error()}, nil
		}
		return flashOkReply{}, nil

	case flashEraseRequest:
		if err := s.cfg.Store.Erase(); err != nil {
			return failureReply{Message: err.Error()}, nil
		}
		return flashOkReply{}, nil

	case switchClockRequest:
		if !kernelNotRunning(s.state) {
			return failureReply{Message: "cannot switch clock while a kernel is running"}, nil
		}
		return clockSwitchCompletedReply{}, nil

	case loadLibraryRequest:
		return s.handleLoadLibrary(ctx, r)

	case runKernelRequest:
		return s.handleRunKernel()

	case rpcReplyRequest:
		return s.handleRPCReply(ctx, r)

	case rpcExceptionRequest:
		return s.handleRPCException(ctx, r)

	case routingSetPathRequest:
		return s.handleRoutingSetPath(r)

	case routingGetPathRequest:
		return s.handleRoutingGetPath(r)

	default:
		return nil, &ProtocolError{Err: fmt.Errorf("unhandled request type %T", req)}
	}
}

// handleLoadLibrary forwards the library image to the kernel mailbox and
// waits for its verdict. The kernel-not-running precondition mirrors
// SwitchClock's.
func (s *Session) handleLoadLibrary(ctx context.Context, r loadLibraryRequest) (HostReply, error) {
	if !kernelNotRunning(s.state) {
		return failureReply{Message: "cannot load a library while a kernel is running"}, nil
	}

	digest, err := blake2b.New(16, nil)
	if err != nil {
		return nil, err
	}
	digest.Write(r.Library)
	s.debugLog("load library: %d bytes, blake2b-128=%x", len(r.Library), digest.Sum(nil))

	if err := mailbox.SendAndWait(ctx, s.io, s.cfg.ToKernel, mailbox.LoadRequest{Library: r.Library}); err != nil {
		return nil, err
	}
	msg, err := mailbox.WaitAndReceive(ctx, s.io, s.cfg.FromKernel)
	if err != nil {
		return nil, err
	}
	reply, ok := msg.(mailbox.LoadReply)
	if !ok {
		return nil, &ProtocolError{Err: fmt.Errorf("expected LoadReply from kernel, got %T", msg)}
	}
	s.cfg.FromKernel.Acknowledge()

	if reply.Error != "" {
		return failureReply{Message: reply.Error}, nil
	}
	s.state = Loaded
	return loadCompletedReply{}, nil
}

// handleRunKernel transitions Loaded -> Running. Per this implementation's
// reading of the mailbox handshake, starting a kernel does not itself
// send a new mailbox message: it simply acknowledges whatever the
// load handshake already left outstanding and begins treating the
// connection as running, the kernel CPU having been handed control out
// of band.
func (s *Session) handleRunKernel() (HostReply, error) {
	if s.state != Loaded {
		return failureReply{Message: fmt.Sprintf("cannot run kernel from state %s", s.state)}, nil
	}
	if msg := s.cfg.FromKernel.Receive(); msg != nil {
		s.cfg.FromKernel.Acknowledge()
		_ = msg
	}
	s.state = Running
	return kernelStartedReply{}, nil
}

func (s *Session) handleRPCReply(ctx context.Context, r rpcReplyRequest) (HostReply, error) {
	if s.state != RpcWait {
		return failureReply{Message: "no RPC is outstanding"}, nil
	}
	if err := mailbox.SendAndWait(ctx, s.io, s.cfg.ToKernel, mailbox.RpcReply{Tag: r.Tag, Payload: r.Payload}); err != nil {
		return nil, err
	}
	s.state = Running
	return flashOkReply{}, nil
}

func (s *Session) handleRPCException(ctx context.Context, r rpcExceptionRequest) (HostReply, error) {
	if s.state != RpcWait {
		return failureReply{Message: "no RPC is outstanding"}, nil
	}
	if err := mailbox.SendAndWait(ctx, s.io, s.cfg.ToKernel, mailbox.RpcReply{Exception: r.Message}); err != nil {
		return nil, err
	}
	s.state = Running
	return flashOkReply{}, nil
}

// handleRoutingSetPath installs a new hop path for one DRTIO destination,
// sent by the host after it has recomputed the topology (a link coming up
// or going down). Only one destination's row changes per request, the
// same granularity original_source/artiq/firmware/runtime/main.rs's
// RoutingSetPath handler uses. Installing a non-empty path marks the
// destination up; installing an empty one (the link went down) marks it
// down again, mirroring main.rs's management task toggling up_destinations
// alongside the routing table it drives.
func (s *Session) handleRoutingSetPath(r routingSetPathRequest) (HostReply, error) {
	if int(r.Destination) >= routing.DestCount {
		return failureReply{Message: fmt.Sprintf("destination %d out of range", r.Destination)}, nil
	}
	if len(r.Hops) > routing.MaxHops {
		return failureReply{Message: fmt.Sprintf("path of %d hops exceeds the %d hop limit", len(r.Hops), routing.MaxHops)}, nil
	}

	ref := s.cfg.Routing.BorrowMut()
	var row [routing.MaxHops]uint8
	copy(row[:], r.Hops)
	ref.Get().Hops[r.Destination] = row
	ref.Release()

	upRef := s.cfg.UpLinks.BorrowMut()
	upRef.Get()[r.Destination] = len(r.Hops) > 0
	upRef.Release()

	return flashOkReply{}, nil
}

// handleRoutingGetPath returns the hop path currently installed for dest.
// A destination with no established link has nothing meaningful to
// return, so this is a failureReply rather than a path of zeroes.
func (s *Session) handleRoutingGetPath(r routingGetPathRequest) (HostReply, error) {
	if int(r.Destination) >= routing.DestCount {
		return failureReply{Message: fmt.Sprintf("destination %d out of range", r.Destination)}, nil
	}

	upRef := s.cfg.UpLinks.Borrow()
	up := upRef.Get()[r.Destination]
	upRef.Release()
	if !up {
		return failureReply{Message: fmt.Sprintf("destination %d has no established link", r.Destination)}, nil
	}

	ref := s.cfg.Routing.Borrow()
	defer ref.Release()
	row := ref.Get().Hops[r.Destination]

	return routingPathReply{Hops: append([]byte(nil), row[:]...)}, nil
}

// handleKernelMessage dispatches one message read off the mailbox slot
// (not the RPC queue) and acknowledges it. Each recognised message is
// handled the same way whatever the current state; messages are not
// checked against the state. A stray LoadReply (its handshake has already
// finished) is dropped; any other message type is a ProtocolError.
func (s *Session) handleKernelMessage(ctx context.Context, msg mailbox.Envelope) error {
	defer s.cfg.FromKernel.Acknowledge()

	switch m := msg.(type) {
	case mailbox.Log:
		s.log += m.Text + "\n"
		s.debugLog("kernel log: %s", m.Text)
		return nil

	case mailbox.NowInitRequest:
		return mailbox.SendAndWait(ctx, s.io, s.cfg.ToKernel, mailbox.NowInitReply{Now: s.cfg.Congress.Now()})

	case mailbox.NowSave:
		s.cfg.Congress.SetNow(m.Now)
		return nil

	case mailbox.WatchdogSetRequest:
		id, err := s.cfg.Watchdogs.SetMS(s.io.NowMs(), m.MS)
		if err != nil {
			return mailbox.SendAndWait(ctx, s.io, s.cfg.ToKernel, mailbox.WatchdogSetReply{Error: err.Error()})
		}
		return mailbox.SendAndWait(ctx, s.io, s.cfg.ToKernel, mailbox.WatchdogSetReply{ID: id})

	case mailbox.WatchdogClear:
		s.cfg.Watchdogs.Clear(m.ID)
		return nil

	case mailbox.CacheGetRequest:
		value, generation, _ := s.cfg.Congress.Cache().Get(m.Key)
		return mailbox.SendAndWait(ctx, s.io, s.cfg.ToKernel, mailbox.CacheGetReply{Value: value, Generation: generation})

	case mailbox.CachePutRequest:
		ok := s.cfg.Congress.Cache().Put(m.Key, m.Value, m.Generation)
		return mailbox.SendAndWait(ctx, s.io, s.cfg.ToKernel, mailbox.CachePutReply{Succeeded: ok})

	case mailbox.LoadReply:
		// Stray reply once Loaded/Running: the handshake that was
		// waiting for it has already moved on. Drop it.
		return nil

	default:
		return &ProtocolError{Err: fmt.Errorf("unexpected kernel message %T in state %s", msg, s.state)}
	}
}

// handleRPCMessage dispatches an RpcRecvRequest popped off the RPC queue:
// the kernel is asking the host to perform a remote procedure call. The
// session relays it to the connected client and moves to RpcWait until
// the client answers with an rpcReplyRequest/rpcExceptionRequest.
func (s *Session) handleRPCMessage(ctx context.Context, msg mailbox.Envelope) error {
	m, ok := msg.(mailbox.RpcRecvRequest)
	if !ok {
		return &ProtocolError{Err: fmt.Errorf("unexpected RPC queue message %T", msg)}
	}
	if s.state != Running {
		// A retry of an RPC request already answered, or one arriving
		// out of turn: ignore it rather than tearing down the session.
		return nil
	}

	w := wire.NewWriter()
	w.WriteUint8(tagRPCReply)
	w.WriteBytes(m.Tag)
	w.WriteBytes(m.Payload)
	if err := s.stream.WriteAll(w.Bytes()); err != nil {
		return err
	}
	s.state = RpcWait
	return nil
}
