// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/odml-runtime/odmld/internal/inference"
	"github.com/odml-runtime/odmld/internal/inference/fakelib"
	"github.com/odml-runtime/odmld/internal/model"
	"github.com/odml-runtime/odmld/internal/odmlerr"
)

type collectResponder struct {
	chunks  []inference.ResponseChunk
	summary *inference.ResponseSummary
}

func (c *collectResponder) OnChunk(ch inference.ResponseChunk)    { c.chunks = append(c.chunks, ch) }
func (c *collectResponder) OnSummary(s inference.ResponseSummary) { c.summary = &s }

func newTestSession(t *testing.T, maxTokens uint32) *Session {
	t.Helper()
	lib := fakelib.New()
	p := filepath.Join(t.TempDir(), "w.bin")
	if err := os.WriteFile(p, []byte("w"), 0o644); err != nil {
		t.Fatal(err)
	}
	handle, err := lib.CreateModel(context.Background(), inference.ModelParams{WeightsPath: p, MaxTokens: maxTokens})
	if err != nil {
		t.Fatalf("CreateModel: %v", err)
	}
	w, _ := model.New(lib, handle, false, nil)
	sessHandle, err := w.StartSession(context.Background(), inference.NoAdaptation)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	return New(w, sessHandle, maxTokens, false)
}

func TestAppend_WithinBudget(t *testing.T) {
	s := newTestSession(t, 10)
	n, err := s.Append(context.Background(), []inference.InputPiece{{Kind: inference.PieceText, Text: "a b c"}}, inference.ExecuteOptions{})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n != 3 {
		t.Fatalf("n = %d, want 3", n)
	}
}

func TestAppend_ExceedsBudgetRejected(t *testing.T) {
	s := newTestSession(t, 4) // budget = 4 - reserveTokens(2) = 2
	_, err := s.Append(context.Background(), []inference.InputPiece{{Kind: inference.PieceText, Text: "a b c"}}, inference.ExecuteOptions{})
	if odmlerr.KindOf(err) != odmlerr.InvalidArgument {
		t.Fatalf("KindOf(err) = %v, want InvalidArgument", odmlerr.KindOf(err))
	}
}

func TestGenerate_RunsToIdle(t *testing.T) {
	s := newTestSession(t, 100)
	if _, err := s.Append(context.Background(), []inference.InputPiece{{Kind: inference.PieceText, Text: "ab cd"}}, inference.ExecuteOptions{}); err != nil {
		t.Fatal(err)
	}
	var r collectResponder
	if err := s.Generate(context.Background(), inference.ExecuteOptions{}, &r); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if s.StateNow() != StateIdle {
		t.Fatalf("state = %v, want Idle after Generate returns", s.StateNow())
	}
	if r.summary == nil {
		t.Fatal("expected a terminal summary")
	}
}

func TestAppend_RejectedWhileRunning(t *testing.T) {
	s := newTestSession(t, 100)
	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	_, err := s.Append(context.Background(), []inference.InputPiece{{Kind: inference.PieceText, Text: "x"}}, inference.ExecuteOptions{})
	if odmlerr.KindOf(err) != odmlerr.InvalidArgument {
		t.Fatalf("KindOf(err) = %v, want InvalidArgument", odmlerr.KindOf(err))
	}
}

func TestGenerate_ContextCancelStopsStream(t *testing.T) {
	s := newTestSession(t, 100)
	if _, err := s.Append(context.Background(), []inference.InputPiece{{Kind: inference.PieceText, Text: "a b c d e f g h"}}, inference.ExecuteOptions{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // simulate the responder having already disconnected

	var r collectResponder
	err := s.Generate(ctx, inference.ExecuteOptions{}, &r)
	if odmlerr.KindOf(err) != odmlerr.Cancelled {
		t.Fatalf("KindOf(err) = %v, want Cancelled", odmlerr.KindOf(err))
	}
	if s.StateNow() != StateIdle {
		t.Fatal("state should return to Idle even on cancellation")
	}
}

func TestClone_IndependentSession(t *testing.T) {
	s := newTestSession(t, 100)
	if _, err := s.Append(context.Background(), []inference.InputPiece{{Kind: inference.PieceText, Text: "shared"}}, inference.ExecuteOptions{}); err != nil {
		t.Fatal(err)
	}

	clone, err := s.Clone(context.Background())
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if clone.Handle() == s.Handle() {
		t.Fatal("clone should have a distinct session handle")
	}
}

func TestCancelGenerate_NoopWhenIdle(t *testing.T) {
	s := newTestSession(t, 100)
	done := make(chan struct{})
	go func() {
		s.CancelGenerate()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("CancelGenerate should not block when idle")
	}
}
