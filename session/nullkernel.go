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

	"github.com/m-labs/artiq-comms/mailbox"
	"github.com/m-labs/artiq-comms/scheduler"
)

// RunStandInKernel is the minimal liveness the kernel CPU's side of the
// mailbox contract needs from something, since no real second CPU exists
// in this repo (kernel bytecode execution is an explicit external
// contract). It answers every LoadRequest it is sent with an immediate
// success, which is enough for LoadLibrary/RunKernel to progress through
// their handshakes in tests and in a bare deployment with no attached
// kernel build. A deployment with a real kernel CPU replaces this task
// with whatever drives the actual hardware mailbox.
func RunStandInKernel(ctx context.Context, io *scheduler.Io, toKernel, fromKernel *mailbox.Slot) error {
	for {
		msg, err := mailbox.WaitAndReceive(ctx, io, toKernel)
		if err != nil {
			return err
		}
		toKernel.Acknowledge()

		switch msg.(type) {
		case mailbox.LoadRequest:
			if err := mailbox.SendAndWait(ctx, io, fromKernel, mailbox.LoadReply{}); err != nil {
				return err
			}
		}
	}
}
