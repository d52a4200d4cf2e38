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

// Package session implements the host-facing protocol state machine:
// one goroutine per accepted connection, reading typed requests off the
// wire, dispatching them against a KernelState, and answering with typed
// replies. It is grounded on connection.go's ReadOp/Reply dispatch loop
// and on fuseops/common_op.go's per-request span, generalized from a
// single fixed opcode set to the host/kernel protocol tables this
// service contract defines.
package session

import (
	"fmt"
	"io"

	"github.com/m-labs/artiq-comms/internal/wire"
)

// magic is the fixed 14-byte string that must open every connection
// before any framed request is read.
const magic = "ARTIQ coredev\n"

// Host request tags, one byte, sent by the connecting client.
const (
	tagIdent uint8 = iota + 1
	tagLog
	tagLogClear
	tagFlashRead
	tagFlashWrite
	tagFlashRemove
	tagFlashErase
	tagSwitchClock
	tagLoadLibrary
	tagRunKernel
	tagRPCReply
	tagRPCException
	tagRoutingSetPath
	tagRoutingGetPath
)

// Host reply tags, one byte, sent by this session back to the client.
const (
	tagReplyIdent uint8 = iota + 0x80
	tagReplyLog
	tagReplyFlashOk
	tagReplyFlashRead
	tagReplyClockSwitchCompleted
	tagReplyLoadCompleted
	tagReplyKernelStarted
	tagReplyFailure
	tagReplyWatchdogExpired
	tagReplyClockFailure
	tagReplyRoutingPath
)

// HostRequest is the tagged union of messages a connected client sends.
type HostRequest interface {
	hostRequest()
}

type identRequest struct{}
type logRequest struct{}
type logClearRequest struct{}
type flashReadRequest struct{ Key string }
type flashWriteRequest struct {
	Key   string
	Value []byte
}
type flashRemoveRequest struct{ Key string }
type flashEraseRequest struct{}
type switchClockRequest struct{ Clock uint8 }
type loadLibraryRequest struct{ Library []byte }
type runKernelRequest struct{}
type rpcReplyRequest struct {
	Tag     []byte
	Payload []byte
}
type rpcExceptionRequest struct{ Message string }
type routingSetPathRequest struct {
	Destination uint8
	Hops        []byte
}
type routingGetPathRequest struct{ Destination uint8 }

func (identRequest) hostRequest()          {}
func (logRequest) hostRequest()            {}
func (logClearRequest) hostRequest()       {}
func (flashReadRequest) hostRequest()      {}
func (flashWriteRequest) hostRequest()     {}
func (flashRemoveRequest) hostRequest()    {}
func (flashEraseRequest) hostRequest()     {}
func (switchClockRequest) hostRequest()    {}
func (loadLibraryRequest) hostRequest()    {}
func (runKernelRequest) hostRequest()      {}
func (rpcReplyRequest) hostRequest()       {}
func (rpcExceptionRequest) hostRequest()   {}
func (routingSetPathRequest) hostRequest() {}
func (routingGetPathRequest) hostRequest() {}

// HostReply is the tagged union of messages this session sends back.
type HostReply interface {
	hostReply()
}

type identReply struct{ Ident string }
type logReply struct{ Text string }
type flashOkReply struct{}
type flashReadReply struct{ Value []byte }
type clockSwitchCompletedReply struct{}
type loadCompletedReply struct{}
type kernelStartedReply struct{}
type failureReply struct{ Message string }
type watchdogExpiredReply struct{}
type clockFailureReply struct{}
type routingPathReply struct{ Hops []byte }

func (identReply) hostReply()                {}
func (logReply) hostReply()                  {}
func (flashOkReply) hostReply()               {}
func (flashReadReply) hostReply()            {}
func (clockSwitchCompletedReply) hostReply() {}
func (loadCompletedReply) hostReply()        {}
func (kernelStartedReply) hostReply()        {}
func (failureReply) hostReply()              {}
func (watchdogExpiredReply) hostReply()      {}
func (clockFailureReply) hostReply()         {}
func (routingPathReply) hostReply()          {}

// decodeHostRequest reads one tagged request. An unrecognized tag, or an
// error partway through a well-known tag's fields, is always a
// ProtocolError: framing has been lost and the only safe move is to
// close the connection.
func decodeHostRequest(r *wire.Reader) (req HostRequest, err error) {
	tag, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	// Once the tag has arrived, running out of bytes means the frame was
	// truncated, not that the peer hung up between requests.
	defer func() {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			err = fmt.Errorf("session: truncated request 0x%02x: %w", tag, err)
		}
	}()

	switch tag {
	case tagIdent:
		return identRequest{}, nil
	case tagLog:
		return logRequest{}, nil
	case tagLogClear:
		return logClearRequest{}, nil
	case tagFlashRead:
		key, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		return flashReadRequest{Key: key}, nil
	case tagFlashWrite:
		key, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		value, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		return flashWriteRequest{Key: key, Value: value}, nil
	case tagFlashRemove:
		key, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		return flashRemoveRequest{Key: key}, nil
	case tagFlashErase:
		return flashEraseRequest{}, nil
	case tagSwitchClock:
		clock, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}
		return switchClockRequest{Clock: clock}, nil
	case tagLoadLibrary:
		lib, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		return loadLibraryRequest{Library: lib}, nil
	case tagRunKernel:
		return runKernelRequest{}, nil
	case tagRPCReply:
		rtag, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		payload, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		return rpcReplyRequest{Tag: rtag, Payload: payload}, nil
	case tagRPCException:
		msg, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		return rpcExceptionRequest{Message: msg}, nil
	case tagRoutingSetPath:
		dest, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}
		hops, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		return routingSetPathRequest{Destination: dest, Hops: hops}, nil
	case tagRoutingGetPath:
		dest, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}
		return routingGetPathRequest{Destination: dest}, nil
	default:
		return nil, fmt.Errorf("session: unknown host request tag 0x%02x", tag)
	}
}

// encodeHostReply appends reply's wire form to w.
func encodeHostReply(w *wire.Writer, reply HostReply) {
	switch r := reply.(type) {
	case identReply:
		w.WriteUint8(tagReplyIdent)
		w.WriteString(r.Ident)
	case logReply:
		w.WriteUint8(tagReplyLog)
		w.WriteString(r.Text)
	case flashOkReply:
		w.WriteUint8(tagReplyFlashOk)
	case flashReadReply:
		w.WriteUint8(tagReplyFlashRead)
		w.WriteBytes(r.Value)
	case clockSwitchCompletedReply:
		w.WriteUint8(tagReplyClockSwitchCompleted)
	case loadCompletedReply:
		w.WriteUint8(tagReplyLoadCompleted)
	case kernelStartedReply:
		w.WriteUint8(tagReplyKernelStarted)
	case failureReply:
		w.WriteUint8(tagReplyFailure)
		w.WriteString(r.Message)
	case watchdogExpiredReply:
		w.WriteUint8(tagReplyWatchdogExpired)
	case clockFailureReply:
		w.WriteUint8(tagReplyClockFailure)
	case routingPathReply:
		w.WriteUint8(tagReplyRoutingPath)
		w.WriteBytes(r.Hops)
	default:
		panic(fmt.Sprintf("session: encodeHostReply given unknown reply type %T", reply))
	}
}
