// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package odmlerr defines the error taxonomy shared by every component of
// the on-device model runtime. Every externally exposed callback resolves
// with either a nil error or one of these kinds — never a bare unwrapped
// error from a lower layer — so callers can branch on Kind without reaching
// into implementation details.
package odmlerr

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime error into one of the categories the spec
// assigns observable behavior to. Kind values are stable and may be
// compared with ==.
type Kind int

const (
	// UnknownError is the fall-through kind for failures that don't fit
	// any of the other categories.
	UnknownError Kind = iota
	// InvalidArgument covers malformed UUIDs, out-of-range cluster
	// parameters, mismatched matrix dimensions, unknown feature tags, and
	// input exceeding a session's token budget.
	InvalidArgument
	// LoadLibraryFailed covers a missing shim library or entry point, a
	// missing or corrupt manifest, a base-model version mismatch, or a
	// library create-model failure.
	LoadLibraryFailed
	// GpuBlocked indicates the performance benchmark ran but the hardware
	// is on the GPU block list.
	GpuBlocked
	// ModelExecutionFailed covers a non-ok status returned by the
	// inference library during execute, score, or size-in-tokens.
	ModelExecutionFailed
	// Cancelled is a terminal state distinct from an error: it is
	// produced when a caller drops a responder or explicitly cancels.
	Cancelled
)

// String renders the Kind the way it would appear in a log line.
func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case LoadLibraryFailed:
		return "LoadLibraryFailed"
	case GpuBlocked:
		return "GpuBlocked"
	case ModelExecutionFailed:
		return "ModelExecutionFailed"
	case Cancelled:
		return "Cancelled"
	default:
		return "UnknownError"
	}
}

// Error is the concrete error type carried across every public odmld
// boundary. It wraps an underlying cause (which may be nil) so
// errors.Is/errors.As keep working against both the Kind and whatever
// sentinel the originating package raised.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "loader.LoadWithUUID"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with the given kind, operation name, and cause.
// cause may be nil.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Newf is New with a formatted cause message and no wrapped error.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// otherwise returns UnknownError.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return UnknownError
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
