// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package perfclass estimates a device's performance class from a tiny
// inference-library benchmark, per spec.md §6.
package perfclass

import (
	"context"

	"github.com/odml-runtime/odmld/internal/inference"
)

// Class is the coarse performance bucket reported to clients deciding
// whether to offer on-device generation at all.
type Class int

const (
	ClassError Class = iota
	ClassVeryLow
	ClassLow
	ClassMedium
	ClassHigh
	ClassVeryHigh
	ClassFailedToLoadLibrary
	ClassGpuBlocked
)

func (c Class) String() string {
	switch c {
	case ClassVeryLow:
		return "VeryLow"
	case ClassLow:
		return "Low"
	case ClassMedium:
		return "Medium"
	case ClassHigh:
		return "High"
	case ClassVeryHigh:
		return "VeryHigh"
	case ClassFailedToLoadLibrary:
		return "FailedToLoadLibrary"
	case ClassGpuBlocked:
		return "GpuBlocked"
	default:
		return "Error"
	}
}

// Thresholds per spec.md §6 "GetEstimatedPerformanceClass notes".
const (
	minDeviceHeapBytes     = 3 * 1024 * 1024 * 1024   // 3 GB floor, all classes
	highTierDeviceHeapMin  = uint64(76 * 1024 * 1024 * 1024 / 10) // 7.6 GB floor, above Medium
	minOutputTokensPerSec  = 5.0

	inputThresholdLow      = 50.0
	inputThresholdMedium   = 100.0
	inputThresholdHigh     = 250.0
	inputThresholdVeryHigh = 750.0
)

// Blocklist reports whether a device is policy-blocked from running
// on-device inference regardless of benchmark results (spec.md's
// "blocklist is policy and may be empty" GpuBlocked kind). The runtime's
// blocklist is empty by default; a deployment wires its own.
type Blocklist interface {
	IsBlocked(info inference.PerformanceInfo) bool
}

// NoBlocklist never blocks anything.
type NoBlocklist struct{}

func (NoBlocklist) IsBlocked(inference.PerformanceInfo) bool { return false }

// Estimate runs lib's benchmark and classifies the result.
//
// # Description
//
// Applies, in order: the blocklist, then the hard floors (device heap ≥
// 3GB and output speed ≥ 5 tok/s — anything below is VeryLow, not
// GpuBlocked or Error), then input-speed banding with a device-heap
// upgrade requirement above Medium.
func Estimate(ctx context.Context, lib inference.Library, blocklist Blocklist) (Class, error) {
	if blocklist == nil {
		blocklist = NoBlocklist{}
	}

	info, err := lib.EstimatedPerformance(ctx)
	if err != nil {
		return ClassFailedToLoadLibrary, err
	}

	if blocklist.IsBlocked(info) {
		return ClassGpuBlocked, nil
	}

	return classify(info), nil
}

func classify(info inference.PerformanceInfo) Class {
	if info.DeviceHeapBytes < minDeviceHeapBytes {
		return ClassVeryLow
	}
	if info.OutputTokensPerSec < minOutputTokensPerSec {
		return ClassVeryLow
	}

	switch {
	case info.InputTokensPerSec < inputThresholdLow:
		return ClassVeryLow
	case info.InputTokensPerSec < inputThresholdMedium:
		return ClassLow
	case info.InputTokensPerSec < inputThresholdHigh:
		return ClassMedium
	case info.DeviceHeapBytes < highTierDeviceHeapMin:
		// Fast enough input speed but not enough headroom for High/VeryHigh.
		return ClassMedium
	case info.InputTokensPerSec < inputThresholdVeryHigh:
		return ClassHigh
	default:
		return ClassVeryHigh
	}
}
