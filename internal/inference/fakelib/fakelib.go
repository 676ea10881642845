// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fakelib implements inference.Library without any real GPU or
// native dependency, the same role the teacher's services/llm package
// plays for three different real LLM wire protocols (Anthropic, OpenAI,
// Gemini) behind one interface: a deterministic, in-process stand-in good
// enough to drive the whole runtime end to end in tests and in local
// daemon runs where no GPU shim is installed.
//
// Tokenization is whitespace-splitting; "generation" echoes the session's
// whole appended context in reverse word order, which is enough to make streaming,
// cancellation, and truncation observable without needing a real model.
package fakelib

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/odml-runtime/odmld/internal/inference"
	"github.com/odml-runtime/odmld/internal/odmlerr"
)

type modelState struct {
	params      inference.ModelParams
	adaptations map[inference.AdaptationID][]byte
	nextAdaptID uint32
}

type sessionState struct {
	model   inference.ModelHandle
	adapt   inference.AdaptationID
	context []string // appended token-strings, in order
}

// Library is a process-local fake inference backend. It is safe for
// concurrent use; all mutable state is guarded by a single mutex, which is
// acceptable here because the fake does no blocking work — the real
// binding layer is what provides the one-worker-per-handle discipline
// spec.md requires of an actual GPU-bound library.
type Library struct {
	mu       sync.Mutex
	nextID   uint64
	models   map[inference.ModelHandle]*modelState
	sessions map[inference.SessionHandle]*sessionState

	// forceFailNext, if set, makes the next Generate call on any session
	// fail with ModelExecutionFailed. Used by tests exercising
	// spec.md's "library returning kUnknownError" path.
	forceFailNext atomic.Bool
}

// New creates an empty fake library.
func New() *Library {
	return &Library{
		models:   make(map[inference.ModelHandle]*modelState),
		sessions: make(map[inference.SessionHandle]*sessionState),
	}
}

// ForceNextGenerateFailure arranges for the next Generate call against any
// session to fail, simulating the library's kUnknownError path.
func (l *Library) ForceNextGenerateFailure() {
	l.forceFailNext.Store(true)
}

func (l *Library) nextHandle() uint64 {
	return atomic.AddUint64(&l.nextID, 1)
}

func (l *Library) CreateModel(_ context.Context, params inference.ModelParams) (inference.ModelHandle, error) {
	if _, err := os.Stat(params.WeightsPath); err != nil {
		return 0, odmlerr.New(odmlerr.LoadLibraryFailed, "fakelib.CreateModel", fmt.Errorf("stat weights: %w", err))
	}
	h := inference.ModelHandle(l.nextHandle())
	l.mu.Lock()
	l.models[h] = &modelState{params: params, adaptations: make(map[inference.AdaptationID][]byte)}
	l.mu.Unlock()
	return h, nil
}

func (l *Library) DestroyModel(h inference.ModelHandle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.models, h)
	return nil
}

func (l *Library) CreateSession(h inference.ModelHandle, adapt inference.AdaptationID) (inference.SessionHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.models[h]; !ok {
		return 0, odmlerr.New(odmlerr.ModelExecutionFailed, "fakelib.CreateSession", fmt.Errorf("unknown model handle"))
	}
	s := inference.SessionHandle(l.nextHandle())
	l.sessions[s] = &sessionState{model: h, adapt: adapt}
	return s, nil
}

func (l *Library) CloneSession(h inference.SessionHandle) (inference.SessionHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	src, ok := l.sessions[h]
	if !ok {
		return 0, odmlerr.New(odmlerr.ModelExecutionFailed, "fakelib.CloneSession", fmt.Errorf("unknown session handle"))
	}
	clone := inference.SessionHandle(l.nextHandle())
	l.sessions[clone] = &sessionState{
		model:   src.model,
		adapt:   src.adapt,
		context: append([]string(nil), src.context...),
	}
	return clone, nil
}

func (l *Library) DestroySession(h inference.SessionHandle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, h)
	return nil
}

// tokenize splits on whitespace; this is the fake's entire "tokenizer."
func tokenize(pieces []inference.InputPiece) []string {
	var toks []string
	for _, p := range pieces {
		switch p.Kind {
		case inference.PieceText:
			toks = append(toks, strings.Fields(p.Text)...)
		case inference.PieceSystemRole, inference.PieceUserRole, inference.PieceModelRole, inference.PieceEnd:
			toks = append(toks, fmt.Sprintf("<%d>", p.Kind))
		case inference.PieceImage:
			toks = append(toks, fmt.Sprintf("<image:%d>", len(p.Image)))
		case inference.PieceAudio:
			toks = append(toks, fmt.Sprintf("<audio:%d>", len(p.Audio)))
		}
	}
	return toks
}

func (l *Library) Append(_ context.Context, _ inference.ModelHandle, h inference.SessionHandle, pieces []inference.InputPiece, opts inference.ExecuteOptions, cancel *inference.CancelToken) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, ok := l.sessions[h]
	if !ok {
		return 0, odmlerr.New(odmlerr.ModelExecutionFailed, "fakelib.Append", fmt.Errorf("unknown session handle"))
	}
	if cancel != nil && cancel.Cancelled() {
		return 0, odmlerr.New(odmlerr.Cancelled, "fakelib.Append", nil)
	}

	toks := tokenize(pieces)
	if int(opts.TokenOffset) < len(toks) {
		toks = toks[opts.TokenOffset:]
	} else {
		toks = nil
	}
	if opts.MaxTokens > 0 && uint32(len(toks)) > opts.MaxTokens {
		toks = toks[:opts.MaxTokens]
	}

	sess.context = append(sess.context, toks...)
	return uint32(len(toks)), nil
}

func (l *Library) Generate(_ context.Context, _ inference.ModelHandle, h inference.SessionHandle, opts inference.ExecuteOptions, cancel *inference.CancelToken, responder inference.Responder) error {
	l.mu.Lock()
	sess, ok := l.sessions[h]
	forceFail := l.forceFailNext.Swap(false)
	l.mu.Unlock()

	if !ok {
		return odmlerr.New(odmlerr.ModelExecutionFailed, "fakelib.Generate", fmt.Errorf("unknown session handle"))
	}
	if forceFail {
		responder.OnSummary(inference.ResponseSummary{Failed: true})
		if cancel != nil {
			cancel.Cancel()
		}
		return odmlerr.New(odmlerr.ModelExecutionFailed, "fakelib.Generate", fmt.Errorf("forced failure"))
	}

	out := generateWords(sess.context, opts.MaxOutput)
	var emitted uint32
	for _, w := range out {
		if cancel != nil && cancel.Cancelled() {
			return odmlerr.New(odmlerr.Cancelled, "fakelib.Generate", nil)
		}
		responder.OnChunk(inference.ResponseChunk{Text: w + " "})
		emitted++
	}
	responder.OnSummary(inference.ResponseSummary{OutputTokenCount: emitted})
	return nil
}

// generateWords produces a deterministic "response": each context token
// reversed, capped at maxOutput tokens (0 = unbounded).
func generateWords(context []string, maxOutput uint32) []string {
	out := make([]string, 0, len(context))
	for _, w := range context {
		out = append(out, reverseString(w))
		if maxOutput > 0 && uint32(len(out)) >= maxOutput {
			break
		}
	}
	return out
}

func reverseString(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

func (l *Library) Score(_ context.Context, h inference.SessionHandle, text string) (float32, error) {
	l.mu.Lock()
	_, ok := l.sessions[h]
	l.mu.Unlock()
	if !ok {
		return 0, odmlerr.New(odmlerr.ModelExecutionFailed, "fakelib.Score", fmt.Errorf("unknown session handle"))
	}
	if text == "" {
		return 0, nil
	}
	// Deterministic pseudo-probability derived from the first byte.
	return float32(text[0]%100) / 100.0, nil
}

func (l *Library) SizeInTokens(_ context.Context, h inference.SessionHandle, pieces []inference.InputPiece) (uint32, error) {
	l.mu.Lock()
	_, ok := l.sessions[h]
	l.mu.Unlock()
	if !ok {
		return 0, odmlerr.New(odmlerr.ModelExecutionFailed, "fakelib.SizeInTokens", fmt.Errorf("unknown session handle"))
	}
	return uint32(len(tokenize(pieces))), nil
}

func (l *Library) LoadAdaptation(_ context.Context, h inference.ModelHandle, weightsPath string) (inference.AdaptationID, error) {
	data, err := os.ReadFile(weightsPath)
	if err != nil {
		return 0, odmlerr.New(odmlerr.LoadLibraryFailed, "fakelib.LoadAdaptation", fmt.Errorf("read adaptation weights: %w", err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.models[h]
	if !ok {
		return 0, odmlerr.New(odmlerr.ModelExecutionFailed, "fakelib.LoadAdaptation", fmt.Errorf("unknown model handle"))
	}
	m.nextAdaptID++
	id := inference.AdaptationID(m.nextAdaptID)
	m.adaptations[id] = data
	return id, nil
}

func (l *Library) ClassifyTextSafety(_ context.Context, h inference.ModelHandle, text string) ([]float32, bool, error) {
	l.mu.Lock()
	_, ok := l.models[h]
	l.mu.Unlock()
	if !ok {
		return nil, false, odmlerr.New(odmlerr.ModelExecutionFailed, "fakelib.ClassifyTextSafety", fmt.Errorf("unknown model handle"))
	}
	if text == "" {
		return nil, false, nil // "insufficient" signal: nothing to classify
	}
	// Two categories: toxicity-ish, and a length-derived second score.
	return []float32{0.01, float32(len(text)%10) / 10.0}, true, nil
}

// DetectLanguage guesses "en" unless text contains runes outside the
// Latin-1 range, in which case it reports "und" (undetermined) with low
// confidence — enough to make the forwarding path in internal/model
// observable without a real language model.
func (l *Library) DetectLanguage(_ context.Context, h inference.ModelHandle, text string) (inference.LanguageInfo, error) {
	l.mu.Lock()
	_, ok := l.models[h]
	l.mu.Unlock()
	if !ok {
		return inference.LanguageInfo{}, odmlerr.New(odmlerr.ModelExecutionFailed, "fakelib.DetectLanguage", fmt.Errorf("unknown model handle"))
	}
	for _, r := range text {
		if r > 0xFF {
			return inference.LanguageInfo{Language: "und", Confidence: 0.3}, nil
		}
	}
	if text == "" {
		return inference.LanguageInfo{Language: "und", Confidence: 0}, nil
	}
	return inference.LanguageInfo{Language: "en", Confidence: 0.9}, nil
}

func (l *Library) EstimatedPerformance(_ context.Context) (inference.PerformanceInfo, error) {
	return inference.PerformanceInfo{
		InputTokensPerSec:  120,
		OutputTokensPerSec: 18,
		IsIntegratedGPU:    true,
		DeviceHeapBytes:    4 * 1024 * 1024 * 1024,
		MaxBufferBytes:     512 * 1024 * 1024,
	}, nil
}
