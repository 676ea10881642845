// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safety implements the safety/formatting bridge (spec.md §4.6):
// two pure operations, both resolved through the shim, that the loader
// and session engine expose to clients for prompt formatting and safety
// classifier result validation.
package safety

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/odml-runtime/odmld/internal/odmlerr"
	"github.com/odml-runtime/odmld/internal/shim"
)

const (
	formatInputSymbol          = "FormatInput"
	validateSafetyResultSymbol = "ValidateSafetyResult"
)

// FormatInputFunc is the native FormatInput entry point's signature:
// given a lowercase model uuid, a feature tag, and a field map, it
// returns a formatted prompt, or (nil) if the feature tag is unknown or
// a required field is missing.
type FormatInputFunc func(uuid string, featureTag string, fields map[string]string) *string

// ValidateSafetyResultFunc is the native ValidateSafetyResult entry
// point's signature: given a feature tag, the generated text, and the
// safety classifier's per-class scores, it reports whether the result
// passes that feature's safety policy.
type ValidateSafetyResultFunc func(featureTag string, text string, scores []float32) bool

// Bridge resolves format_input and validate_safety_result against a
// shim.Loader, retrying once if the shim was not yet ready (spec.md
// §4.1's retry rule, which §4.6 explicitly inherits).
type Bridge struct {
	loader *shim.Loader
}

// New creates a Bridge bound to loader.
func New(loader *shim.Loader) *Bridge {
	return &Bridge{loader: loader}
}

// FormatInput resolves the shim's FormatInput entry and applies it to
// uuid/featureTag/fields. It returns (nil, nil) — not an error — if the
// feature tag is unknown to the shim or a required field is missing;
// spec.md §4.6 treats that as "no formatted string", not a failure.
func (b *Bridge) FormatInput(ctx context.Context, id uuid.UUID, featureTag string, fields map[string]string) (*string, error) {
	const op = "safety.FormatInput"

	var result *string
	err := shim.WithShimReady(ctx, b.loader, func() error {
		fn, ok := shim.Lookup[FormatInputFunc](b.loader, formatInputSymbol)
		if !ok {
			return odmlerr.New(odmlerr.LoadLibraryFailed, op, fmt.Errorf("unable to resolve %s symbol", formatInputSymbol))
		}
		result = fn(strings.ToLower(id.String()), featureTag, fields)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ValidateSafetyResult resolves the shim's ValidateSafetyResult entry
// and applies it to featureTag/text/scores.
func (b *Bridge) ValidateSafetyResult(ctx context.Context, featureTag string, text string, scores []float32) (bool, error) {
	const op = "safety.ValidateSafetyResult"

	var result bool
	err := shim.WithShimReady(ctx, b.loader, func() error {
		fn, ok := shim.Lookup[ValidateSafetyResultFunc](b.loader, validateSafetyResultSymbol)
		if !ok {
			return odmlerr.New(odmlerr.LoadLibraryFailed, op, fmt.Errorf("unable to resolve %s symbol", validateSafetyResultSymbol))
		}
		result = fn(featureTag, text, scores)
		return nil
	})
	if err != nil {
		return false, err
	}
	return result, nil
}
