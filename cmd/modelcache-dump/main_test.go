// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/gob"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeCacheFile(t *testing.T, entries map[string]record) string {
	t.Helper()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entries); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "embedcache.gob")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	orig := os.Stdout
	os.Stdout = w
	fn()
	w.Close()
	os.Stdout = orig
	out, _ := io.ReadAll(r)
	return string(out)
}

func TestDump_PrintsEntriesSortedByKey(t *testing.T) {
	now := time.Now().UnixMilli()
	path := writeCacheFile(t, map[string]record{
		"zeta":  {Values: []float32{1, 0, 0}, UpdatedAtMs: now},
		"alpha": {Values: []float32{0, 3, 4}, UpdatedAtMs: now},
	})

	out := captureStdout(t, func() {
		dump(path, 0)
	})

	alphaIdx := bytes.Index([]byte(out), []byte("alpha"))
	zetaIdx := bytes.Index([]byte(out), []byte("zeta"))
	if alphaIdx == -1 || zetaIdx == -1 || alphaIdx > zetaIdx {
		t.Fatalf("expected alpha before zeta in sorted output, got: %s", out)
	}
	if !bytes.Contains([]byte(out), []byte("5.0000")) {
		t.Fatalf("expected L2 norm of [0,3,4]=5 in output, got: %s", out)
	}
	if !bytes.Contains([]byte(out), []byte("no expiry set")) {
		t.Fatalf("expected 'no expiry set' with ttl=0, got: %s", out)
	}
}

func TestDump_ReportsTTLRemaining(t *testing.T) {
	now := time.Now().UnixMilli()
	path := writeCacheFile(t, map[string]record{
		"k": {Values: []float32{1}, UpdatedAtMs: now},
	})

	out := captureStdout(t, func() {
		dump(path, time.Hour)
	})
	if !bytes.Contains([]byte(out), []byte("remaining")) {
		t.Fatalf("expected TTL remaining in output, got: %s", out)
	}
}

func TestDump_ReportsExpired(t *testing.T) {
	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	path := writeCacheFile(t, map[string]record{
		"k": {Values: []float32{1}, UpdatedAtMs: old},
	})

	out := captureStdout(t, func() {
		dump(path, time.Hour)
	})
	if !bytes.Contains([]byte(out), []byte("EXPIRED")) {
		t.Fatalf("expected EXPIRED in output, got: %s", out)
	}
}

func TestL2Norm(t *testing.T) {
	if got := l2Norm([]float32{3, 4}); got != 5 {
		t.Fatalf("l2Norm([3,4]) = %v, want 5", got)
	}
}

func TestPlural(t *testing.T) {
	if plural(1, "y", "ies") != "y" {
		t.Fatal("expected singular for count 1")
	}
	if plural(2, "y", "ies") != "ies" {
		t.Fatal("expected plural for count != 1")
	}
}
