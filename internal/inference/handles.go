// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package inference is the typed façade over the opaque handles the shim
// exposes (spec.md §4.2). Every handle family is a distinct integer
// newtype so the compiler catches a ModelHandle passed where a
// SessionHandle belongs; none of these values mean anything outside the
// Library implementation that issued them, and none may cross the worker
// goroutine that owns the ModelHandle they were created against (spec.md
// §9 "opaque handles + unsafe C calls").
package inference

import (
	"sync"
)

// ModelHandle is an opaque handle to a loaded base model, exclusively
// owned by exactly one ModelWrapper.
type ModelHandle uint64

// SessionHandle is an opaque handle to a token context, exclusively owned
// by one Session.
type SessionHandle uint64

// AdaptationID is a small integer issued by the library for each LoRA
// layer loaded against a base model. Its lifetime is the base model's
// lifetime.
type AdaptationID uint32

// NoAdaptation is the zero value meaning "use the base model directly,
// with no adaptation composed in."
const NoAdaptation AdaptationID = 0

// CancelToken is a reference-counted, thread-safe, idempotent cancel
// handle shared by a Session and the outstanding streaming responder it
// feeds (spec.md §3). Either party may call Cancel; only the first call
// has an effect, and both observe the same terminal state afterward.
type CancelToken struct {
	mu        sync.Mutex
	cancelled bool
	refs      int
	onCancel  func()
}

// NewCancelToken creates a token with one reference held by the caller.
// onCancel is invoked at most once, the first time Cancel is called.
func NewCancelToken(onCancel func()) *CancelToken {
	return &CancelToken{refs: 1, onCancel: onCancel}
}

// Retain adds a reference, typically taken by a streaming responder that
// shares the token with its owning Session.
func (c *CancelToken) Retain() {
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()
}

// Release drops a reference. It does not itself cancel — Cancel and
// Release are independent; a dropped responder calls both.
func (c *CancelToken) Release() {
	c.mu.Lock()
	c.refs--
	c.mu.Unlock()
}

// Cancel triggers cancellation. Safe to call from any goroutine, any
// number of times, by any holder of the token; only the first call runs
// onCancel.
func (c *CancelToken) Cancel() {
	c.mu.Lock()
	already := c.cancelled
	c.cancelled = true
	c.mu.Unlock()

	if !already && c.onCancel != nil {
		c.onCancel()
	}
}

// Cancelled reports whether Cancel has already been called.
func (c *CancelToken) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}
