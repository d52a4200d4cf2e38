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
	"errors"
	"log"

	"github.com/m-labs/artiq-comms/netio"
	"github.com/m-labs/artiq-comms/scheduler"
)

// NewSession builds the Config for the next accepted connection. Listen
// calls it once per connection rather than taking a single Config, since
// most fields (the watchdog set, the mailbox slots) are per-session state
// that must not be shared across overlapping connections. ctx is scoped to
// that one connection: it is canceled as soon as Serve returns, so a
// stand-in kernel task (or anything else) spawned against it during
// construction stops along with the session rather than outliving it.
type NewSession func(ctx context.Context) Config

// Listener accepts connections one at a time and runs a Session to
// completion on each, logging how it ended before accepting the next.
// Mirrors mounted_file_system.go's Mount: a background goroutine runs the
// accept loop, and Wait blocks until it has stopped for good (here, only
// when the listener itself is closed or ctx is canceled).
type Listener struct {
	ln     *netio.TcpListener
	done   chan struct{}
	logger *log.Logger
}

// Listen binds addr and starts the accept loop in the background. Each
// accepted connection gets a fresh Io from sched and a fresh Config from
// newSession, and is served until it ends; the listener then accepts the
// next one (netio.Listen's LimitListener already ensures at most one
// live connection at a time, matching the embedded target).
func Listen(ctx context.Context, addr string, sched *scheduler.Scheduler, newSession NewSession, logger *log.Logger) (*Listener, error) {
	ln, err := netio.Listen(addr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}

	l := &Listener{ln: ln, done: make(chan struct{}), logger: logger}
	go l.acceptLoop(ctx, sched, newSession)
	return l, nil
}

func (l *Listener) acceptLoop(ctx context.Context, sched *scheduler.Scheduler, newSession NewSession) {
	defer close(l.done)

	for {
		stream, err := l.ln.Accept(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				l.logger.Printf("session: accept failed: %v", err)
			}
			return
		}

		sched.Spawn("session", 0, func(io *scheduler.Io) {
			sessionCtx, cancel := context.WithCancel(ctx)
			s := New(newSession(sessionCtx), stream, io)
			err := s.Serve(sessionCtx)
			cancel() // stop any per-session task (e.g. a stand-in kernel) spawned for this connection
			stream.Close()
			switch {
			case err == nil, errors.Is(err, context.Canceled):
			default:
				l.logger.Printf("session: connection from %s ended: %v", stream.RemoteAddr(), err)
			}
		})
	}
}

// Close stops accepting new connections. In-flight sessions run to
// completion on their own.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Wait blocks until the accept loop has stopped (the listener was closed
// or ctx was canceled).
func (l *Listener) Wait() {
	<-l.done
}
