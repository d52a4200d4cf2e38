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

// Package mailbox implements the single-slot inter-CPU channel and the
// lock-free RPC queue that carry structured messages between the comms
// side (this process) and the kernel CPU it is bridging to a host. There
// is no real second CPU here: the kernel side is an external contract
// (nothing in this repo executes kernel bytecode), so Envelope values
// simply stand in for the shared-memory messages original_source's
// session.rs builds and tears down across the mailbox boundary.
package mailbox

// Envelope is the tagged union of every message that crosses the mailbox
// or the RPC queue, exactly the set original_source/artiq/runtime.rs/src/session.rs
// implements in comm_handle/kern_handle. A Go interface plus type switch
// stands in for the union, the same shape the teacher uses for per-opcode
// request structs in ops.go.
type Envelope interface {
	envelope()
}

// LoadRequest asks the kernel to load and run a library image.
type LoadRequest struct {
	Library []byte
}

func (LoadRequest) envelope() {}

// LoadReply answers a LoadRequest; a non-empty Error means the load
// failed.
type LoadReply struct {
	Error string
}

func (LoadReply) envelope() {}

// Log is a free-form line appended to the in-memory log, tagged with its
// kernel-side origin.
type Log struct {
	Text string
}

func (Log) envelope() {}

// NowInitRequest asks for the current congress clock value.
type NowInitRequest struct{}

func (NowInitRequest) envelope() {}

// NowInitReply answers NowInitRequest with the congress clock value.
type NowInitReply struct {
	Now int64
}

func (NowInitReply) envelope() {}

// NowSave asks the comms side to adopt v as the congress clock value.
type NowSave struct {
	Now int64
}

func (NowSave) envelope() {}

// WatchdogSetRequest asks for a new watchdog with the given timeout.
type WatchdogSetRequest struct {
	MS int64
}

func (WatchdogSetRequest) envelope() {}

// WatchdogSetReply answers WatchdogSetRequest with the allocated id, or a
// failure reason if the session's watchdog set is full.
type WatchdogSetReply struct {
	ID    int
	Error string
}

func (WatchdogSetReply) envelope() {}

// WatchdogClear releases a previously allocated watchdog.
type WatchdogClear struct {
	ID int
}

func (WatchdogClear) envelope() {}

// CacheGetRequest asks for the cached sequence stored under Key.
type CacheGetRequest struct {
	Key string
}

func (CacheGetRequest) envelope() {}

// CacheGetReply answers CacheGetRequest with a borrowed view; Generation
// must be echoed by a later CachePutRequest that is allowed to overwrite
// the same key (see congress.Cache).
type CacheGetReply struct {
	Value      []int32
	Generation uint64
}

func (CacheGetReply) envelope() {}

// CachePutRequest asks to overwrite the sequence stored under Key. It is
// refused while a view of that key is outstanding, unless Generation
// echoes the generation that view was handed.
type CachePutRequest struct {
	Key        string
	Value      []int32
	Generation uint64
}

func (CachePutRequest) envelope() {}

// CachePutReply answers CachePutRequest with whether the write took.
type CachePutReply struct {
	Succeeded bool
}

func (CachePutReply) envelope() {}

// RpcRecvRequest carries an RPC call (its tag and arguments) that the
// kernel asks the host to perform, via the RPC queue rather than the
// mailbox slot, since it must not block the kernel CPU. The host's answer
// comes back as an RpcReply.
type RpcRecvRequest struct {
	Tag     []byte
	Payload []byte
}

func (RpcRecvRequest) envelope() {}

// RpcReply carries the host's answer to an RpcRecvRequest back to the
// kernel over the mailbox slot: either a return value tagged the same
// way RpcRecvRequest's call arguments were, or an exception message if
// the client reported the call failed.
type RpcReply struct {
	Tag       []byte
	Payload   []byte
	Exception string
}

func (RpcReply) envelope() {}
