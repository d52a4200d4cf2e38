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

// KernelState is where a session's kernel lifecycle currently stands.
// Transitions form a single graph: Absent -> Loaded (LoadLibrary
// succeeds) -> Running (RunKernel) -> RpcWait (a kernel RPC is in
// flight) -> Running (the RPC reply is delivered). Any host request
// incompatible with the current state is answered with a typed failure
// without moving the state machine.
type KernelState int

const (
	Absent KernelState = iota
	Loaded
	Running
	RpcWait
)

func (s KernelState) String() string {
	switch s {
	case Absent:
		return "absent"
	case Loaded:
		return "loaded"
	case Running:
		return "running"
	case RpcWait:
		return "rpc_wait"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// kernelNotRunning is true for the states LoadLibrary and SwitchClock
// require.
func kernelNotRunning(s KernelState) bool {
	return s == Absent || s == Loaded
}
