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

package congress

import (
	"reflect"
	"testing"
)

func Test_NowDefaultsToZeroAndSurvives(t *testing.T) {
	c := New()
	if c.Now() != 0 {
		t.Errorf("expected initial now of 0, got %d", c.Now())
	}
	c.SetNow(42)
	if c.Now() != 42 {
		t.Errorf("expected now 42, got %d", c.Now())
	}
}

func Test_CacheRoundTrip(t *testing.T) {
	c := NewCache()

	if !c.Put("k", []int32{1, 2, 3}, 0) {
		t.Fatal("expected first Put to succeed")
	}

	got, gen, ok := c.Get("k")
	if !ok {
		t.Fatal("expected Get to find k")
	}
	if !reflect.DeepEqual(got, []int32{1, 2, 3}) {
		t.Errorf("expected [1 2 3], got %v", got)
	}

	if !c.Put("k", []int32{4, 5}, gen) {
		t.Fatal("expected Put echoing the outstanding generation to succeed")
	}

	got2, _, ok := c.Get("k")
	if !ok || !reflect.DeepEqual(got2, []int32{4, 5}) {
		t.Errorf("expected [4 5], got %v (ok=%v)", got2, ok)
	}
}

func Test_CachePutRejectedWhileOutstandingMismatch(t *testing.T) {
	c := NewCache()
	c.Put("k", []int32{1}, 0)

	_, gen, ok := c.Get("k")
	if !ok {
		t.Fatal("expected Get to find k")
	}

	if c.Put("k", []int32{9}, gen+1) {
		t.Errorf("expected Put with a stale/mismatched generation to be rejected while outstanding")
	}

	got, _, _ := c.Get("k")
	if !reflect.DeepEqual(got, []int32{1}) {
		t.Errorf("expected original value to survive a rejected Put, got %v", got)
	}
}

func Test_CacheGetMissingKey(t *testing.T) {
	c := NewCache()
	_, _, ok := c.Get("nope")
	if ok {
		t.Errorf("expected Get on an unset key to report ok=false")
	}
}
