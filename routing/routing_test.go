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

package routing

import "testing"

func Test_DefaultEmptyRoutesEachDestinationToItself(t *testing.T) {
	table := DefaultEmpty()
	for dest := 0; dest < DestCount; dest++ {
		if table.Hops[dest][0] != uint8(dest) {
			t.Fatalf("destination %d: expected self-route, got %d", dest, table.Hops[dest][0])
		}
	}
}

func Test_TableSharedAcrossBorrows(t *testing.T) {
	urc := NewTable()

	mut := urc.BorrowMut()
	mut.Get().Hops[5][0] = 9
	mut.Release()

	ref := urc.Borrow()
	defer ref.Release()
	if ref.Get().Hops[5][0] != 9 {
		t.Errorf("expected mutation to be visible through a later Borrow, got %d", ref.Get().Hops[5][0])
	}
}

func Test_UpDestinationsStartsAllDown(t *testing.T) {
	urc := NewUpDestinations()
	ref := urc.Borrow()
	defer ref.Release()

	for dest, up := range ref.Get() {
		if up {
			t.Fatalf("destination %d: expected down at startup", dest)
		}
	}
}
