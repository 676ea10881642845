// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loader

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/odml-runtime/odmld/internal/dlc"
	"github.com/odml-runtime/odmld/internal/inference"
	"github.com/odml-runtime/odmld/internal/inference/fakelib"
	"github.com/odml-runtime/odmld/internal/odmlerr"
)

func writeManifest(t *testing.T, root string, wire map[string]any) {
	t.Helper()
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(wire)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "model.json"), b, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "weights.bin"), []byte("w"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestLoader(t *testing.T) (*Loader, *dlc.Fake, string) {
	t.Helper()
	stagingRoot := t.TempDir()
	fake := dlc.NewFake(stagingRoot)
	mgr := dlc.NewManager(fake)
	lib := fakelib.New()
	return New(mgr, lib, nil), fake, stagingRoot
}

func TestLoadWithUUID_BaseModel(t *testing.T) {
	l, fake, staging := newTestLoader(t)
	id := uuid.New()
	packageID := "ml-dlc-" + id.String()
	root, err := fake.Stage(packageID)
	if err != nil {
		t.Fatal(err)
	}
	writeManifest(t, root, map[string]any{
		"version":     "1.0",
		"weight_path": "weights.bin",
	})
	_ = staging

	res, err := l.LoadWithUUID(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("LoadWithUUID: %v", err)
	}
	if res.Wrapper == nil {
		t.Fatal("expected a resolved wrapper")
	}
	if res.Adaptation != inference.NoAdaptation {
		t.Fatalf("base model should resolve with NoAdaptation, got %v", res.Adaptation)
	}
	if res.Version != "1.0" {
		t.Fatalf("Version = %q, want 1.0", res.Version)
	}
}

func TestLoadWithUUID_InvalidUUID(t *testing.T) {
	l, _, _ := newTestLoader(t)
	_, err := l.LoadWithUUID(context.Background(), uuid.Nil, nil)
	if odmlerr.KindOf(err) != odmlerr.LoadLibraryFailed {
		t.Fatalf("KindOf(err) = %v, want LoadLibraryFailed", odmlerr.KindOf(err))
	}
}

func TestLoadWithUUID_ConcurrentCallersShareOneResolution(t *testing.T) {
	l, fake, _ := newTestLoader(t)
	id := uuid.New()
	root, _ := fake.Stage("ml-dlc-" + id.String())
	writeManifest(t, root, map[string]any{"version": "1.0", "weight_path": "weights.bin"})

	const n = 10
	var wg sync.WaitGroup
	wrappers := make([]*Resolved, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wrappers[i], errs[i] = l.LoadWithUUID(context.Background(), id, nil)
		}(i)
	}
	wg.Wait()

	seenReceivers := make(map[uint64]bool, n)
	for i := range wrappers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if wrappers[i].Wrapper != wrappers[0].Wrapper {
			t.Fatalf("caller %d resolved a different wrapper instance", i)
		}
		r := uint64(wrappers[i].Receiver)
		if seenReceivers[r] {
			t.Fatalf("caller %d reused receiver %d already handed to another caller", i, r)
		}
		seenReceivers[r] = true
	}
}

// TestLoadWithUUID_OneCallerReleaseDoesNotEvictOthers exercises the §8
// "two handles share one wrapper" scenario directly against the loader:
// one of several concurrent resolvers releasing its receiver must not
// tear down the wrapper while the others still hold theirs.
func TestLoadWithUUID_OneCallerReleaseDoesNotEvictOthers(t *testing.T) {
	l, fake, _ := newTestLoader(t)
	id := uuid.New()
	root, _ := fake.Stage("ml-dlc-" + id.String())
	writeManifest(t, root, map[string]any{"version": "1.0", "weight_path": "weights.bin"})

	const n = 3
	var wg sync.WaitGroup
	wrappers := make([]*Resolved, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.LoadWithUUID(context.Background(), id, nil)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			wrappers[i] = res
		}(i)
	}
	wg.Wait()

	wrappers[0].Wrapper.Release(wrappers[0].Receiver)

	if _, err := wrappers[1].Wrapper.StartSession(context.Background(), inference.NoAdaptation); err != nil {
		t.Fatalf("wrapper torn down after only one of %d receivers released: %v", n, err)
	}
}

func TestLoadWithUUID_AdaptationResolvesBaseFirst(t *testing.T) {
	l, fake, _ := newTestLoader(t)

	baseID := uuid.New()
	baseRoot, _ := fake.Stage("ml-dlc-" + baseID.String())
	writeManifest(t, baseRoot, map[string]any{"version": "2.0", "weight_path": "weights.bin"})

	adaptID := uuid.New()
	adaptRoot, _ := fake.Stage("ml-dlc-" + adaptID.String())
	writeManifest(t, adaptRoot, map[string]any{
		"version":     "2.0-lora",
		"weight_path": "weights.bin",
		"base_model":  map[string]any{"uuid": baseID.String(), "version": "2.0"},
	})

	res, err := l.LoadWithUUID(context.Background(), adaptID, nil)
	if err != nil {
		t.Fatalf("LoadWithUUID: %v", err)
	}
	if res.Adaptation == inference.NoAdaptation {
		t.Fatal("adaptation load should pin a non-zero AdaptationID")
	}
}

func TestLoadWithUUID_BaseVersionMismatchFails(t *testing.T) {
	l, fake, _ := newTestLoader(t)

	baseID := uuid.New()
	baseRoot, _ := fake.Stage("ml-dlc-" + baseID.String())
	writeManifest(t, baseRoot, map[string]any{"version": "1.0", "weight_path": "weights.bin"})

	adaptID := uuid.New()
	adaptRoot, _ := fake.Stage("ml-dlc-" + adaptID.String())
	writeManifest(t, adaptRoot, map[string]any{
		"version":     "1.0-lora",
		"weight_path": "weights.bin",
		"base_model":  map[string]any{"uuid": baseID.String(), "version": "9.9-does-not-match"},
	})

	_, err := l.LoadWithUUID(context.Background(), adaptID, nil)
	if odmlerr.KindOf(err) != odmlerr.LoadLibraryFailed {
		t.Fatalf("KindOf(err) = %v, want LoadLibraryFailed", odmlerr.KindOf(err))
	}
}

func TestLoadWithUUID_ProgressReachesTerminal(t *testing.T) {
	l, fake, _ := newTestLoader(t)
	id := uuid.New()
	root, _ := fake.Stage("ml-dlc-" + id.String())
	writeManifest(t, root, map[string]any{"version": "1.0", "weight_path": "weights.bin"})

	var mu sync.Mutex
	var ticks []float64
	progress := func(f float64) {
		mu.Lock()
		ticks = append(ticks, f)
		mu.Unlock()
	}

	if _, err := l.LoadWithUUID(context.Background(), id, progress); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ticks) == 0 || ticks[len(ticks)-1] != 1.0 {
		t.Fatalf("expected progress to terminate at 1.0, got %v", ticks)
	}
	for i := 1; i < len(ticks); i++ {
		if ticks[i] < ticks[i-1] {
			t.Fatalf("progress regressed: %v", ticks)
		}
	}
}

func TestGetModelState_Transitions(t *testing.T) {
	l, fake, _ := newTestLoader(t)
	id := uuid.New()

	if s := l.GetModelState(context.Background(), id); s != StateNotInstalled {
		t.Fatalf("state = %v, want NotInstalled before any load", s)
	}

	root, _ := fake.Stage("ml-dlc-" + id.String())
	writeManifest(t, root, map[string]any{"version": "1.0", "weight_path": "weights.bin"})

	if _, err := l.LoadWithUUID(context.Background(), id, nil); err != nil {
		t.Fatal(err)
	}
	if s := l.GetModelState(context.Background(), id); s != StateInstalled {
		t.Fatalf("state = %v, want Installed after a successful load", s)
	}
}

func TestLoadWithUUID_SelfCycleFails(t *testing.T) {
	l, fake, _ := newTestLoader(t)
	id := uuid.New()
	root, _ := fake.Stage("ml-dlc-" + id.String())
	writeManifest(t, root, map[string]any{
		"version":     "1.0",
		"weight_path": "weights.bin",
		"base_model":  map[string]any{"uuid": id.String(), "version": "1.0"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := l.LoadWithUUID(ctx, id, nil)
	if err == nil {
		t.Fatal("expected a cycle-detection error, got nil")
	}
}
