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

import "fmt"

// ProtocolError wraps a framing failure: bad magic, an unknown request
// tag, or a truncated frame partway through a known one. Serve always
// terminates the connection on a ProtocolError; there is no partial
// recovery, since the reader no longer agrees with the writer about
// where the next message begins.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("session: protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// FatalEvent is a per-session condition that is not a protocol error but
// still ends the session: the client did nothing wrong, but the kernel's
// contract (a watchdog deadline, a reliable clock) has been violated.
// Serve sends the matching typed reply, then closes the connection.
type FatalEvent int

const (
	// WatchdogExpired fires when the running kernel's deadline set has
	// an expired entry it never cleared.
	WatchdogExpired FatalEvent = iota
	// ClockFailure fires when the board's clock source is reported lost
	// while a kernel depends on it.
	ClockFailure
)

func (e FatalEvent) String() string {
	switch e {
	case WatchdogExpired:
		return "watchdog expired"
	case ClockFailure:
		return "clock failure"
	default:
		return "unknown fatal event"
	}
}

func (e FatalEvent) Error() string {
	return "session: " + e.String()
}
