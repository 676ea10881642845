// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embedcache

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

// fakeClock lets tests drive the exact wall-clock timeline spec.md §8
// scenario 6 specifies.
type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

func (f *fakeClock) setSeconds(s int64) { f.t = time.UnixMilli(s * 1000) }

func TestPutGet_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.gob")
	c := New(path, 0, nil)

	c.Put("k1", []float32{1, 2, 3})
	got, ok := c.Get("k1")
	if !ok {
		t.Fatal("expected a hit")
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("got = %v, want [1 2 3]", got)
	}
}

func TestGet_MissReturnsFalse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.gob")
	c := New(path, 0, nil)
	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected a miss")
	}
}

func TestSync_TTLSweepScenario(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.gob")
	clock := &fakeClock{}

	clock.setSeconds(0)
	c := newWithClock(path, 10*time.Second, clock, nil)
	c.Put("k1", []float32{1})
	c.Put("k2", []float32{2})
	c.Put("k3", []float32{3})

	clock.setSeconds(1)
	c.Put("k4", []float32{4})
	c.Put("k5", []float32{5})

	clock.setSeconds(6)
	if _, ok := c.Get("k2"); !ok {
		t.Fatal("expected k2 hit")
	}

	clock.setSeconds(11)
	if !c.Sync() {
		t.Fatal("Sync() returned false")
	}
	assertSurvivors(t, c, "k2", "k4", "k5")

	// Reopen with TTL=0: load never filters, so the set on disk survives
	// unchanged regardless of elapsed time.
	reopened := newWithClock(path, 0, clock, nil)
	assertSurvivors(t, reopened, "k2", "k4", "k5")

	// Reopen with TTL=3s, refresh k4 at t=17, then sync: only k4 survives.
	clock2 := &fakeClock{}
	clock2.setSeconds(11)
	c2 := newWithClock(path, 3*time.Second, clock2, nil)

	clock2.setSeconds(17)
	if _, ok := c2.Get("k4"); !ok {
		t.Fatal("expected k4 hit")
	}
	if !c2.Sync() {
		t.Fatal("Sync() returned false")
	}
	assertSurvivors(t, c2, "k4")
}

func assertSurvivors(t *testing.T, c *Cache, keys ...string) {
	t.Helper()
	if c.Len() != len(keys) {
		t.Fatalf("Len() = %d, want %d", c.Len(), len(keys))
	}
	for _, k := range keys {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("expected survivor %q to be present", k)
		}
	}
}

func TestSync_NotDirtyAndNothingRemovedSkipsWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.gob")
	c := New(path, 0, nil)

	if !c.Sync() {
		t.Fatal("Sync() on an empty, clean cache should succeed")
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatal("Sync() should not have written a file when nothing changed")
	}
}

func TestNew_CorruptFileIsRemovedAndTreatedAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.gob")
	if err := os.WriteFile(path, []byte("not a gob stream"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New(path, 0, nil)
	if c.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after loading a corrupt file", c.Len())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("corrupt backing file should have been removed")
	}
}

func TestPut_EvictsOldestWhenOverCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.gob")
	clock := &fakeClock{}
	c := newWithClock(path, 0, clock, nil)

	for i := 0; i < maxEntries; i++ {
		clock.setSeconds(int64(i))
		c.Put(keyFor(i), []float32{float32(i)})
	}
	if c.Len() != maxEntries {
		t.Fatalf("Len() = %d, want %d", c.Len(), maxEntries)
	}

	clock.setSeconds(int64(maxEntries))
	c.Put("overflow", []float32{0})

	if c.Len() != maxEntries-evictBatch+1 {
		t.Fatalf("Len() = %d, want %d", c.Len(), maxEntries-evictBatch+1)
	}
	if _, ok := c.Get(keyFor(0)); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if _, ok := c.Get("overflow"); !ok {
		t.Fatal("the entry that triggered eviction should still be present")
	}
}

func keyFor(i int) string {
	return "k" + strconv.Itoa(i)
}
