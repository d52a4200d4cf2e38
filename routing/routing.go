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

// Package routing implements the DRTIO topology state shared by the
// management, session, and moninj tasks: a routing table (destination to
// hop-path) and a parallel vector of which destinations currently have a
// live uplink. Both are built once at startup and cloned (in the Urc
// sense — a handle to the same cell, never a deep copy) into every task
// that needs them, matching original_source/artiq/firmware/runtime/main.rs's
// drtio_routing_table/up_destinations fan-out.
package routing

import "github.com/m-labs/artiq-comms/scheduler"

// DestCount and MaxHops bound the fixed-size topology arrays, matching
// the embedded drtio_routing module's own constants.
const (
	DestCount = 256
	MaxHops   = 32
)

// Table is the destination-to-hop-path graph. Hop id 0 within a path
// marks the end of that destination's route, the same sentinel
// drtio_routing::RoutingTable uses.
type Table struct {
	Hops [DestCount][MaxHops]uint8
}

// DefaultEmpty returns a Table with every destination routed to itself
// (a one-hop, no-relay default), mirroring
// drtio_routing::RoutingTable::default_empty.
func DefaultEmpty() Table {
	var t Table
	for dest := range t.Hops {
		t.Hops[dest][0] = uint8(dest)
	}
	return t
}

// NewTable wraps a default-empty Table for shared, borrow-checked access
// across tasks.
func NewTable() *scheduler.Urc[Table] {
	return scheduler.NewUrc(DefaultEmpty())
}

// UpDestinations tracks which destinations currently have an established
// DRTIO link.
type UpDestinations [DestCount]bool

// NewUpDestinations wraps an all-down UpDestinations vector for shared,
// borrow-checked access.
func NewUpDestinations() *scheduler.Urc[UpDestinations] {
	return scheduler.NewUrc(UpDestinations{})
}
