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
	"sort"
	"strings"

	"github.com/odml-runtime/odmld/internal/shim"
)

// fakeLibrary is a local stand-in for the native shim's FormatInput/
// ValidateSafetyResult entry points, the same role dlc.Fake and
// fakelib.Library play for their respective collaborators: good enough
// to drive the runtime end to end without a real native plugin.
type fakeLibrary struct{}

// NewFakeLibrary returns a shim.Library backed by a deterministic local
// implementation: FormatInput joins fields into "key=value" pairs
// prefixed by the feature tag, and ValidateSafetyResult passes whenever
// every score is below 0.5.
func NewFakeLibrary() shim.Library {
	return fakeLibrary{}
}

func (fakeLibrary) Lookup(name string) (any, bool) {
	switch name {
	case formatInputSymbol:
		var fn FormatInputFunc = fakeFormatInput
		return fn, true
	case validateSafetyResultSymbol:
		var fn ValidateSafetyResultFunc = fakeValidateSafetyResult
		return fn, true
	default:
		return nil, false
	}
}

func fakeFormatInput(id string, featureTag string, fields map[string]string) *string {
	if featureTag == "" {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, featureTag+":"+id)
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	s := strings.Join(parts, " ")
	return &s
}

func fakeValidateSafetyResult(_ string, _ string, scores []float32) bool {
	for _, s := range scores {
		if s >= 0.5 {
			return false
		}
	}
	return true
}
