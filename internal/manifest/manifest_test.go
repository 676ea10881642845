// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/odml-runtime/odmld/internal/odmlerr"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_BaseManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "weights.bin", "fake-weights")
	writeFile(t, dir, "model.json", `{
		"name": "base model",
		"version": "1.0",
		"max_tokens": 2048,
		"adaptation_ranks": [16, 32],
		"weight_path": "weights.bin"
	}`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.IsAdaptation() {
		t.Fatal("expected base manifest")
	}
	if m.MaxTokens != 2048 {
		t.Errorf("MaxTokens = %d, want 2048", m.MaxTokens)
	}
	if len(m.AdaptationRanks) != 2 {
		t.Errorf("AdaptationRanks = %v, want 2 entries", m.AdaptationRanks)
	}
	if m.WeightPath != filepath.Join(dir, "weights.bin") {
		t.Errorf("WeightPath = %q, want resolved beneath root", m.WeightPath)
	}
}

func TestLoad_DefaultMaxTokens(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "weights.bin", "x")
	writeFile(t, dir, "model.json", `{"version": "1.0", "weight_path": "weights.bin"}`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.MaxTokens != defaultMaxTokens {
		t.Errorf("MaxTokens = %d, want default %d", m.MaxTokens, defaultMaxTokens)
	}
}

func TestLoad_AdaptationManifest(t *testing.T) {
	dir := t.TempDir()
	base := "6c2d5dc9-32c3-4642-9ea3-3dc9cdf3854d"
	writeFile(t, dir, "weights.bin", "x")
	writeFile(t, dir, "model.json", `{
		"version": "2.0",
		"weight_path": "weights.bin",
		"base_model": {"uuid": "`+base+`", "version": "1.0"}
	}`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !m.IsAdaptation() {
		t.Fatal("expected adaptation manifest")
	}
	if m.BaseModel.UUID.String() != base {
		t.Errorf("BaseModel.UUID = %s, want %s", m.BaseModel.UUID, base)
	}
}

func TestLoad_MissingWeightPath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "model.json", `{"version": "1.0"}`)

	_, err := Load(dir)
	if odmlerr.KindOf(err) != odmlerr.LoadLibraryFailed {
		t.Fatalf("KindOf(err) = %v, want LoadLibraryFailed", odmlerr.KindOf(err))
	}
}

func TestLoad_MissingManifest(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	if odmlerr.KindOf(err) != odmlerr.LoadLibraryFailed {
		t.Fatalf("KindOf(err) = %v, want LoadLibraryFailed", odmlerr.KindOf(err))
	}
}

func TestLoad_PathEscape(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "model.json", `{"version": "1.0", "weight_path": "../../etc/passwd"}`)

	_, err := Load(dir)
	if odmlerr.KindOf(err) != odmlerr.LoadLibraryFailed {
		t.Fatalf("KindOf(err) = %v, want LoadLibraryFailed for path escape", odmlerr.KindOf(err))
	}
}

func TestLoad_UnknownFieldsIgnored(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "weights.bin", "x")
	writeFile(t, dir, "model.json", `{
		"version": "1.0",
		"weight_path": "weights.bin",
		"totally_unrecognized_field": 42
	}`)

	if _, err := Load(dir); err != nil {
		t.Fatalf("Load with unknown field should succeed: %v", err)
	}
}
