// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session implements one Session's Idle/Running state machine
// and token-budget enforcement on top of a model.Wrapper (spec.md §4.3).
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/odml-runtime/odmld/internal/inference"
	"github.com/odml-runtime/odmld/internal/model"
	"github.com/odml-runtime/odmld/internal/odmlerr"
)

// reserveTokens is left unconfigured to match spec.md §5's explicit
// number: two tokens reserved for safety-classifier framing on every
// append.
const reserveTokens = 2

// State is a session's generation state machine.
type State int

const (
	StateIdle State = iota
	StateRunning
)

// wrapExecErr reports err as ModelExecutionFailed unless it is already an
// *odmlerr.Error — a library call that failed with Cancelled (the
// fakelib cancellation path, or a real shim's equivalent) must keep that
// Kind instead of being rewrapped into ModelExecutionFailed, or callers
// lose the ability to distinguish cancellation from a genuine failure.
func wrapExecErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.As(err, new(*odmlerr.Error)) {
		return err
	}
	return odmlerr.New(odmlerr.ModelExecutionFailed, op, err)
}

func (s State) String() string {
	if s == StateRunning {
		return "Running"
	}
	return "Idle"
}

// Session wraps one SessionHandle with the state machine, token-budget
// check, and cancellation semantics spec.md §4.3 describes. It is safe
// for concurrent use; Generate and CancelGenerate are the only methods
// meant to overlap (a caller elsewhere cancelling an in-flight stream).
type Session struct {
	wrapper    *model.Wrapper
	handle     inference.SessionHandle
	maxTokens  uint32
	captureCtx bool

	mu       sync.Mutex
	state    State
	cancel   *inference.CancelToken
	retained [][]inference.InputPiece
}

// New wraps an already-created SessionHandle. captureContext mirrors the
// model wrapper's capture-context mode (spec.md §3): when true, appended
// bundles are retained so Clone can hand them to the new session.
func New(w *model.Wrapper, handle inference.SessionHandle, maxTokens uint32, captureContext bool) *Session {
	return &Session{wrapper: w, handle: handle, maxTokens: maxTokens, captureCtx: captureContext}
}

func (s *Session) stateLocked() State {
	return s.state
}

// Append submits a context bundle. It is rejected with InvalidArgument
// if a generation is currently running, or if the bundle's tokenized
// length exceeds maxTokens - reserveTokens. A maxTokens of 0 disables
// this check.
func (s *Session) Append(ctx context.Context, pieces []inference.InputPiece, opts inference.ExecuteOptions) (uint32, error) {
	s.mu.Lock()
	if s.stateLocked() == StateRunning {
		s.mu.Unlock()
		return 0, odmlerr.New(odmlerr.InvalidArgument, "session.Append", fmt.Errorf("append while a generation is running"))
	}
	s.mu.Unlock()

	lib := s.wrapper.Library()

	var size uint32
	var sizeErr error
	s.wrapper.Post(func() {
		size, sizeErr = lib.SizeInTokens(ctx, s.handle, pieces)
	})
	if sizeErr != nil {
		return 0, wrapExecErr("session.Append", sizeErr)
	}

	if s.maxTokens > 0 {
		var budget uint32
		if s.maxTokens > reserveTokens {
			budget = s.maxTokens - reserveTokens
		}
		if size > budget {
			return 0, odmlerr.New(odmlerr.InvalidArgument, "session.Append", fmt.Errorf("tokenized length %d exceeds budget %d", size, budget))
		}
	}

	var n uint32
	var err error
	s.wrapper.Post(func() {
		n, err = lib.Append(ctx, s.wrapper.Handle(), s.handle, pieces, opts, nil)
	})
	if err != nil {
		return 0, wrapExecErr("session.Append", err)
	}

	if s.captureCtx {
		s.mu.Lock()
		s.retained = append(s.retained, pieces)
		s.mu.Unlock()
	}
	return n, nil
}

// Generate runs output generation to completion, streaming to responder.
// It transitions Idle->Running for its duration and back to Idle when
// the library call returns, whether by completion or cancellation.
// Cancelling ctx is this runtime's translation of "the streaming
// responder disconnected" (spec.md §4.3): it fires the shared
// CancelToken exactly as CancelGenerate would.
func (s *Session) Generate(ctx context.Context, opts inference.ExecuteOptions, responder inference.Responder) error {
	s.mu.Lock()
	if s.stateLocked() == StateRunning {
		s.mu.Unlock()
		return odmlerr.New(odmlerr.InvalidArgument, "session.Generate", fmt.Errorf("generate already running"))
	}
	cancel := inference.NewCancelToken(nil)
	s.state = StateRunning
	s.cancel = cancel
	s.mu.Unlock()

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel.Cancel()
		case <-watchDone:
		}
	}()

	var err error
	s.wrapper.Post(func() {
		// A ctx that is already done fires the token here, so the library
		// call sees it even if the watcher goroutine has not run yet.
		if ctx.Err() != nil {
			cancel.Cancel()
		}
		err = s.wrapper.Library().Generate(ctx, s.wrapper.Handle(), s.handle, opts, cancel, responder)
	})
	close(watchDone)

	s.mu.Lock()
	s.state = StateIdle
	s.cancel = nil
	s.mu.Unlock()

	if err != nil {
		return wrapExecErr("session.Generate", err)
	}
	return nil
}

// CancelGenerate fires the CancelToken for the in-flight generation, if
// any. Safe to call from any goroutine and a no-op when Idle.
func (s *Session) CancelGenerate() {
	s.mu.Lock()
	c := s.cancel
	s.mu.Unlock()
	if c != nil {
		c.Cancel()
	}
}

// Score returns a single probability for text.
func (s *Session) Score(ctx context.Context, text string) (float32, error) {
	var score float32
	var err error
	s.wrapper.Post(func() {
		score, err = s.wrapper.Library().Score(ctx, s.handle, text)
	})
	if err != nil {
		return 0, wrapExecErr("session.Score", err)
	}
	return score, nil
}

// SizeInTokens returns the tokenized length of pieces without appending.
func (s *Session) SizeInTokens(ctx context.Context, pieces []inference.InputPiece) (uint32, error) {
	var size uint32
	var err error
	s.wrapper.Post(func() {
		size, err = s.wrapper.Library().SizeInTokens(ctx, s.handle, pieces)
	})
	if err != nil {
		return 0, wrapExecErr("session.SizeInTokens", err)
	}
	return size, nil
}

// Clone produces a new, independent Session sharing the current state.
// If this session has retained context (capture-context mode), the
// clone inherits a copy of it.
func (s *Session) Clone(ctx context.Context) (*Session, error) {
	var cloneHandle inference.SessionHandle
	var err error
	s.wrapper.Post(func() {
		cloneHandle, err = s.wrapper.Library().CloneSession(s.handle)
	})
	if err != nil {
		return nil, wrapExecErr("session.Clone", err)
	}
	s.wrapper.TrackSession(cloneHandle)

	s.mu.Lock()
	retained := append([][]inference.InputPiece(nil), s.retained...)
	s.mu.Unlock()

	clone := New(s.wrapper, cloneHandle, s.maxTokens, s.captureCtx)
	clone.retained = retained
	return clone, nil
}

// Close tears down the session. If a generation is running, it is
// cancelled first (spec.md §4.3 "Session drop while Running -> cancel").
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	running := s.stateLocked() == StateRunning
	c := s.cancel
	s.mu.Unlock()
	if running && c != nil {
		c.Cancel()
	}

	var err error
	s.wrapper.Post(func() {
		err = s.wrapper.Library().DestroySession(s.handle)
	})
	s.wrapper.ForgetSession(s.handle)
	if err != nil {
		return wrapExecErr("session.Close", err)
	}
	return nil
}

// Handle returns the underlying SessionHandle.
func (s *Session) Handle() inference.SessionHandle { return s.handle }

// StateNow reports the current state, for diagnostics and tests.
func (s *Session) StateNow() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
