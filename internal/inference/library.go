// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package inference

import "context"

// PieceKind discriminates the input-piece union described in spec.md
// §3/GLOSSARY: the smallest unit of model input.
type PieceKind int

const (
	PieceText PieceKind = iota
	PieceSystemRole
	PieceUserRole
	PieceModelRole
	PieceEnd
	PieceImage
	PieceAudio
)

// InputPiece is one element of a context bundle passed to Append.
type InputPiece struct {
	Kind  PieceKind
	Text  string  // valid when Kind == PieceText
	Image []byte  // valid when Kind == PieceImage (opaque tensor bytes)
	Audio []byte  // valid when Kind == PieceAudio (opaque buffer bytes)
}

// ModelParams describes a base model creation request (spec.md §4.2
// create-model).
type ModelParams struct {
	WeightsPath     string
	TSDataPath      string
	TSSPModelPath   string
	TSDimension     int
	MaxTokens       uint32
	AdaptationRanks []uint32
}

// ExecuteOptions bundles the tunables for Append/Generate (spec.md §4.3).
type ExecuteOptions struct {
	MaxTokens    uint32 // Append: truncate tokenized bundle to this many tokens (0 = unbounded)
	TokenOffset  uint32 // Append: skip the first N tokens
	MaxOutput    uint32 // Generate: cap on emitted tokens (0 = library default)
}

// LanguageInfo is a detected-language record optionally attached to a
// ResponseChunk or ResponseSummary's safety info.
type LanguageInfo struct {
	Language   string
	Confidence float32
}

// SafetyInfo is the classification vector attached to generation output,
// per spec.md §4.3.
type SafetyInfo struct {
	Scores   []float32
	Language *LanguageInfo // nil if not computed for this chunk
}

// ResponseChunk is one streamed unit of generated output.
type ResponseChunk struct {
	Text   string
	Safety *SafetyInfo // nil unless the library attached per-chunk safety info
}

// ResponseSummary terminates a generate stream exactly once.
type ResponseSummary struct {
	Safety           *SafetyInfo
	OutputTokenCount uint32
	Failed           bool // true if the library reported execution failure
}

// Responder is the streaming sink Session.Generate feeds. There is no
// separate disconnect callback: a disconnected responder is signalled by
// cancelling the ctx passed to Session.Generate, which fires the
// generation's CancelToken and surfaces as the call returning an error
// with odmlerr.KindOf(err) == odmlerr.Cancelled rather than a further
// OnChunk/OnSummary call (spec.md "Responder disconnection mid-stream").
type Responder interface {
	OnChunk(ResponseChunk)
	OnSummary(ResponseSummary)
}

// Library is the typed façade a ModelWrapper/Session drives. A concrete
// implementation is resolved through the shim loader (spec.md §4.1) or,
// for tests and for running the daemon without real GPU hardware, served
// by inference/fakelib.
//
// # Thread Safety
//
// Every method that takes a ModelHandle or SessionHandle must be called
// from the single worker goroutine that owns that handle (spec.md §4.2,
// §5). Cancel may be called from any goroutine.
type Library interface {
	CreateModel(ctx context.Context, params ModelParams) (ModelHandle, error)
	DestroyModel(handle ModelHandle) error

	CreateSession(handle ModelHandle, adaptation AdaptationID) (SessionHandle, error)
	CloneSession(handle SessionHandle) (SessionHandle, error)
	DestroySession(handle SessionHandle) error

	// Append submits a context bundle to the session. tokenCount reports
	// how many tokens were actually consumed after truncation/offset.
	Append(ctx context.Context, model ModelHandle, session SessionHandle, pieces []InputPiece, opts ExecuteOptions, cancel *CancelToken) (tokenCount uint32, err error)

	// Generate streams output to responder until a terminal summary is
	// delivered or cancel fires. Generate delivers exactly one
	// ResponseSummary unless cancel fires before the summary is sent; a
	// cancelled call returns a Cancelled error and sends no summary.
	Generate(ctx context.Context, model ModelHandle, session SessionHandle, opts ExecuteOptions, cancel *CancelToken, responder Responder) error

	Score(ctx context.Context, session SessionHandle, text string) (float32, error)
	SizeInTokens(ctx context.Context, session SessionHandle, pieces []InputPiece) (uint32, error)

	LoadAdaptation(ctx context.Context, model ModelHandle, weightsPath string) (AdaptationID, error)

	// ClassifyTextSafety returns a score vector, or ok=false if the
	// library reports "insufficient storage" after being given its own
	// requested buffer size (the two-pass protocol is handled inside the
	// implementation; callers never see the retry).
	ClassifyTextSafety(ctx context.Context, model ModelHandle, text string) (scores []float32, ok bool, err error)

	// DetectLanguage identifies the dominant language of text. ModelWrapper
	// forwards to this directly (spec.md §4.4 "detect_language — forwards").
	DetectLanguage(ctx context.Context, model ModelHandle, text string) (LanguageInfo, error)

	// EstimatedPerformance runs the library's tiny hardware benchmark.
	EstimatedPerformance(ctx context.Context) (PerformanceInfo, error)
}

// PerformanceInfo is the raw benchmark output consumed by perfclass.
type PerformanceInfo struct {
	InputTokensPerSec  float64
	OutputTokensPerSec float64
	IsIntegratedGPU    bool
	DeviceHeapBytes    uint64
	MaxBufferBytes     uint64
}
