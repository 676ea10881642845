// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safety

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/odml-runtime/odmld/internal/odmlerr"
	"github.com/odml-runtime/odmld/internal/shim"
)

// stubLibrary resolves FormatInput/ValidateSafetyResult to fixed
// behavior so tests exercise Bridge without a real native plugin.
type stubLibrary struct {
	formatInput          FormatInputFunc
	validateSafetyResult ValidateSafetyResultFunc
}

func (s stubLibrary) Lookup(name string) (any, bool) {
	switch name {
	case formatInputSymbol:
		if s.formatInput == nil {
			return nil, false
		}
		return s.formatInput, true
	case validateSafetyResultSymbol:
		if s.validateSafetyResult == nil {
			return nil, false
		}
		return s.validateSafetyResult, true
	default:
		return nil, false
	}
}

func TestFormatInput_ResolvesAndFormats(t *testing.T) {
	want := "formatted prompt"
	lib := stubLibrary{formatInput: func(id, featureTag string, fields map[string]string) *string {
		if fields["name"] != "Ada" {
			t.Fatalf("fields[name] = %q, want Ada", fields["name"])
		}
		return &want
	}}
	b := New(shim.NewReady(lib))

	got, err := b.FormatInput(context.Background(), uuid.New(), "GREETING", map[string]string{"name": "Ada"})
	if err != nil {
		t.Fatalf("FormatInput: %v", err)
	}
	if got == nil || *got != want {
		t.Fatalf("FormatInput = %v, want %q", got, want)
	}
}

func TestFormatInput_UnknownFeatureReturnsNilNotError(t *testing.T) {
	lib := stubLibrary{formatInput: func(string, string, map[string]string) *string { return nil }}
	b := New(shim.NewReady(lib))

	got, err := b.FormatInput(context.Background(), uuid.New(), "UNKNOWN_FEATURE", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("FormatInput = %v, want nil", got)
	}
}

func TestFormatInput_MissingSymbolIsLoadLibraryFailed(t *testing.T) {
	b := New(shim.NewReady(stubLibrary{}))

	_, err := b.FormatInput(context.Background(), uuid.New(), "GREETING", nil)
	if odmlerr.KindOf(err) != odmlerr.LoadLibraryFailed {
		t.Fatalf("KindOf(err) = %v, want LoadLibraryFailed", odmlerr.KindOf(err))
	}
}

func TestValidateSafetyResult_Forwards(t *testing.T) {
	lib := stubLibrary{validateSafetyResult: func(featureTag, text string, scores []float32) bool {
		return featureTag == "TOXICITY" && len(scores) == 2 && scores[0] < scores[1]
	}}
	b := New(shim.NewReady(lib))

	ok, err := b.ValidateSafetyResult(context.Background(), "TOXICITY", "hello", []float32{0.1, 0.9})
	if err != nil {
		t.Fatalf("ValidateSafetyResult: %v", err)
	}
	if !ok {
		t.Fatal("expected validation to pass")
	}
}

func TestValidateSafetyResult_MissingSymbolIsLoadLibraryFailed(t *testing.T) {
	b := New(shim.NewReady(stubLibrary{}))

	_, err := b.ValidateSafetyResult(context.Background(), "TOXICITY", "x", nil)
	if odmlerr.KindOf(err) != odmlerr.LoadLibraryFailed {
		t.Fatalf("KindOf(err) = %v, want LoadLibraryFailed", odmlerr.KindOf(err))
	}
}

func TestFormatInput_ShimInstallFailureIsLoadLibraryFailed(t *testing.T) {
	inst := &failingInstaller{fail: errors.New("no network")}
	l := shim.New(inst, "odml-shim", "shim.so", nil)

	_, err := New(l).FormatInput(context.Background(), uuid.New(), "GREETING", nil)
	if odmlerr.KindOf(err) != odmlerr.LoadLibraryFailed {
		t.Fatalf("KindOf(err) = %v, want LoadLibraryFailed", odmlerr.KindOf(err))
	}
}

type failingInstaller struct{ fail error }

func (f *failingInstaller) Install(context.Context, string) (string, error) {
	return "", f.fail
}
