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

// Package netio wraps net.Listener/net.Conn with the blocking-style
// contract the session task expects from the embedded network stack:
// ReadExact, WriteAll, and a non-blocking Readable peek. A real net.Conn
// already blocks under the hood, so this package's job is mostly to make
// Accept cancellable through a context and to give Readable a sensible
// meaning over a socket that is not naturally pollable from Go. ReadExact
// and WriteAll take no context and block until they finish or fail.
package netio

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"golang.org/x/net/netutil"
)

// TcpListener accepts at most one live connection at a time, mirroring the
// firmware's single concurrent host session.
type TcpListener struct {
	ln net.Listener
}

// Listen binds addr and wraps it with netutil.LimitListener(ln, 1): the
// embedded stack serves exactly one session; a second inbound SYN queues
// behind Accept until the first stream closes. session.Listen relies on
// this for its one-session-at-a-time behaviour.
func Listen(addr string) (*TcpListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TcpListener{ln: netutil.LimitListener(ln, 1)}, nil
}

// Accept suspends until an inbound connection is established.
func (l *TcpListener) Accept(ctx context.Context) (*TcpStream, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &TcpStream{conn: r.conn, br: bufio.NewReader(r.conn)}, nil
	case <-ctx.Done():
		l.ln.Close()
		return nil, ctx.Err()
	}
}

// Close stops accepting new connections.
func (l *TcpListener) Close() error {
	return l.ln.Close()
}

// Addr returns the address the listener is bound to.
func (l *TcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

// TcpStream is one accepted session connection. Reads go through a
// bufio.Reader so Readable's peek never discards bytes a later ReadExact
// needs.
type TcpStream struct {
	conn net.Conn
	br   *bufio.Reader
}

// RemoteAddr returns the peer address.
func (s *TcpStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// ReadExact suspends until len(buf) bytes have arrived or the peer has
// closed, in which case it returns io.ErrUnexpectedEOF. The session
// treats this as an orderly termination when it happens between requests,
// and as a truncated frame (a protocol error) partway through one.
func (s *TcpStream) ReadExact(buf []byte) error {
	_, err := io.ReadFull(s.br, buf)
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// WriteAll suspends until the whole buffer has been flushed.
func (s *TcpStream) WriteAll(buf []byte) error {
	_, err := s.conn.Write(buf)
	return err
}

// Readable is a non-blocking probe: true iff at least one byte can be
// read without blocking. It sets a deadline in the past, attempts a
// one-byte Peek through the buffered reader (which retains whatever it
// reads for the next real ReadExact), and restores a blocking deadline
// afterward.
func (s *TcpStream) Readable() bool {
	if s.br.Buffered() > 0 {
		return true
	}

	if err := s.conn.SetReadDeadline(time.Now()); err != nil {
		return false
	}
	defer s.conn.SetReadDeadline(time.Time{})

	_, err := s.br.Peek(1)
	if err == nil {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	// Any other error (EOF, reset) means a read would not block either;
	// report readable so the caller's next ReadExact surfaces the error.
	return true
}

// Close tears down the underlying connection.
func (s *TcpStream) Close() error {
	return s.conn.Close()
}
