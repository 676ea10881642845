// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loader resolves a model UUID to a live model.Wrapper, handling
// DLC installation, manifest parsing, and recursive base-model
// resolution for adaptation packages (spec.md §4.5).
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/odml-runtime/odmld/internal/dlc"
	"github.com/odml-runtime/odmld/internal/inference"
	"github.com/odml-runtime/odmld/internal/manifest"
	"github.com/odml-runtime/odmld/internal/model"
	"github.com/odml-runtime/odmld/internal/odmlerr"
)

// State is the coarse install state get_model_state reports.
type State int

const (
	StateUnknown State = iota
	StateNotInstalled
	StateInstalling
	StateInstalled
)

func (s State) String() string {
	switch s {
	case StateNotInstalled:
		return "NotInstalled"
	case StateInstalling:
		return "Installing"
	case StateInstalled:
		return "Installed"
	default:
		return "UnknownState"
	}
}

// ProgressObserver receives every progress tick for a load, including
// the terminal 1.0 (or the point of failure).
type ProgressObserver func(fraction float64)

// Resolved is what a successful load publishes: a live model.Wrapper,
// the AdaptationID to start sessions with (NoAdaptation for a base
// model), and the manifest version that was resolved.
type Resolved struct {
	Wrapper    *model.Wrapper
	Receiver   model.ReceiverID
	Adaptation inference.AdaptationID
	Version    string
}

type pendingLoad struct {
	done func(*Resolved, error)
}

// record is the per-UUID resolution state: spec.md's "records[uuid]".
// The record keeps only a weak reference to its wrapper — when the last
// receiver drops the wrapper, onWrapperGone clears resolved so a future
// load re-resolves from the (still locally installed) package.
type record struct {
	mu         sync.Mutex
	resolved   *Resolved
	pending    []pendingLoad
	installing bool
	progress   float64
	observers  []ProgressObserver
}

// namespace separates the platform-model and text-safety-model UUID
// spaces, which are resolved identically but must never share a record
// or a DLC package id for the same UUID value.
type namespace struct {
	packagePrefix string
}

var (
	nsModel      = namespace{packagePrefix: "ml-dlc-"}
	nsTextSafety = namespace{packagePrefix: "ts-dlc-"}
)

// Loader implements the platform model loader (component E), and its
// text-safety-model counterpart (spec.md §6 LoadPlatformTextSafetyModel),
// which follows the identical algorithm against a distinct package
// namespace.
type Loader struct {
	dlcMgr *dlc.Manager
	lib    inference.Library
	logger *slog.Logger

	mu        sync.Mutex
	records   map[uuid.UUID]*record
	tsRecords map[uuid.UUID]*record
}

// New creates a Loader. dlcMgr installs model packages; lib is the
// inference binding used to create models and load adaptations.
func New(dlcMgr *dlc.Manager, lib inference.Library, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		dlcMgr:    dlcMgr,
		lib:       lib,
		logger:    logger,
		records:   make(map[uuid.UUID]*record),
		tsRecords: make(map[uuid.UUID]*record),
	}
}

func (l *Loader) recordsFor(ns namespace) map[uuid.UUID]*record {
	if ns.packagePrefix == nsTextSafety.packagePrefix {
		return l.tsRecords
	}
	return l.records
}

func (l *Loader) recordFor(ns namespace, id uuid.UUID) *record {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.recordsFor(ns)
	r, ok := m[id]
	if !ok {
		r = &record{}
		m[id] = r
	}
	return r
}

// GetModelState reports the installer's view of a platform model
// package's state (spec.md §4.5: "queries the downloadable-content
// installer for the package's install state").
func (l *Loader) GetModelState(ctx context.Context, id uuid.UUID) State {
	return l.getState(ctx, nsModel, id)
}

// GetTextSafetyModelState is GetModelState's text-safety counterpart.
func (l *Loader) GetTextSafetyModelState(ctx context.Context, id uuid.UUID) State {
	return l.getState(ctx, nsTextSafety, id)
}

// getState defers to the dlc.Manager's own install-state tracking
// rather than re-deriving it from this Loader's records, since the
// installer (not the loader's resolution record) is the source of
// truth spec.md names. It still consults the local record first as a
// fast path once a resolution has actually published a wrapper, since
// a record that resolved locally in this process is unambiguously
// Installed even if the dlc.Manager has since forgotten the package
// (e.g. a test double with no State tracking of its own).
func (l *Loader) getState(ctx context.Context, ns namespace, id uuid.UUID) State {
	l.mu.Lock()
	r, tracked := l.recordsFor(ns)[id]
	l.mu.Unlock()
	if tracked {
		r.mu.Lock()
		resolved := r.resolved != nil
		r.mu.Unlock()
		if resolved {
			return StateInstalled
		}
	}

	packageID := ns.packagePrefix + strings.ToLower(id.String())
	dlcState, err := l.dlcMgr.State(ctx, packageID)
	if err != nil {
		return StateUnknown
	}
	switch dlcState {
	case dlc.StateInstalled:
		return StateInstalled
	case dlc.StateInstalling:
		return StateInstalling
	default:
		return StateNotInstalled
	}
}

// LoadWithUUID resolves id to a live model, installing and parsing its
// package if necessary, recursing into a base model first if id names an
// adaptation. Concurrent callers for the same id share one resolution.
func (l *Loader) LoadWithUUID(ctx context.Context, id uuid.UUID, progress ProgressObserver) (*Resolved, error) {
	return l.loadChain(ctx, nsModel, id, progress, nil)
}

// LoadTextSafetyWithUUID is LoadWithUUID's counterpart for text-safety
// models (spec.md §6 LoadPlatformTextSafetyModel): identical algorithm,
// a distinct package namespace, and no base-model recursion in practice
// since text-safety packages are not shipped as adaptations — but the
// manifest format is shared, so the base_model case is still handled.
func (l *Loader) LoadTextSafetyWithUUID(ctx context.Context, id uuid.UUID, progress ProgressObserver) (*Resolved, error) {
	return l.loadChain(ctx, nsTextSafety, id, progress, nil)
}

func (l *Loader) loadChain(ctx context.Context, ns namespace, id uuid.UUID, progress ProgressObserver, chain map[uuid.UUID]bool) (*Resolved, error) {
	const op = "loader.LoadWithUUID"

	if id == uuid.Nil {
		return nil, odmlerr.New(odmlerr.LoadLibraryFailed, op, fmt.Errorf("invalid uuid"))
	}
	if chain[id] {
		return nil, odmlerr.New(odmlerr.LoadLibraryFailed, op, fmt.Errorf("cycle detected resolving base model chain at %s", id))
	}
	nextChain := make(map[uuid.UUID]bool, len(chain)+1)
	for k := range chain {
		nextChain[k] = true
	}
	nextChain[id] = true

	rec := l.recordFor(ns, id)

	rec.mu.Lock()
	if rec.resolved != nil {
		resolved := *rec.resolved
		rec.mu.Unlock()
		resolved.Receiver = resolved.Wrapper.Acquire()
		if progress != nil {
			progress(1.0)
		}
		return &resolved, nil
	}

	resultCh := make(chan struct {
		r   *Resolved
		err error
	}, 1)
	rec.pending = append(rec.pending, pendingLoad{done: func(r *Resolved, err error) {
		resultCh <- struct {
			r   *Resolved
			err error
		}{r, err}
	}})
	if progress != nil {
		rec.observers = append(rec.observers, progress)
	}
	shouldLaunch := !rec.installing
	if shouldLaunch {
		rec.installing = true
	}
	rec.mu.Unlock()

	if shouldLaunch {
		go l.resolveRecord(ctx, ns, id, rec, nextChain)
	}

	select {
	case res := <-resultCh:
		return res.r, res.err
	case <-ctx.Done():
		return nil, odmlerr.New(odmlerr.LoadLibraryFailed, op, ctx.Err())
	}
}

// updateProgress clamps fraction to be non-decreasing (spec.md §4.5's
// "progress must be monotone; regressions are clamped") and forwards to
// every observer attached so far.
func (l *Loader) updateProgress(rec *record, fraction float64) {
	rec.mu.Lock()
	if fraction < rec.progress {
		fraction = rec.progress
	}
	rec.progress = fraction
	observers := append([]ProgressObserver(nil), rec.observers...)
	rec.mu.Unlock()

	for _, obs := range observers {
		obs(fraction)
	}
}

// finishRecord publishes result to every caller waiting on this record.
// Each pending caller is a distinct logical owner, so each gets its own
// freshly Acquire()d receiver against the shared Wrapper rather than all
// sharing the one receiver result.Receiver was resolved with — otherwise
// any one caller's eventual Release would tear the wrapper down under
// every other caller still holding it (spec.md §4.4/§4.5).
func (l *Loader) finishRecord(rec *record, result *Resolved, err error) {
	rec.mu.Lock()
	rec.installing = false
	if err == nil {
		rec.resolved = result
	}
	pending := rec.pending
	rec.pending = nil
	rec.mu.Unlock()

	for i, p := range pending {
		if err != nil {
			p.done(nil, err)
			continue
		}
		out := *result
		if i > 0 {
			out.Receiver = result.Wrapper.Acquire()
		}
		p.done(&out, nil)
	}
}

func (l *Loader) resolveRecord(ctx context.Context, ns namespace, id uuid.UUID, rec *record, chain map[uuid.UUID]bool) {
	packageID := ns.packagePrefix + strings.ToLower(id.String())

	root, err := l.dlcMgr.Install(ctx, packageID)
	if err != nil {
		l.updateProgress(rec, 1.0)
		l.logger.Error("dlc install failed", slog.String("uuid", id.String()), slog.Any("error", err))
		l.finishRecord(rec, nil, odmlerr.New(odmlerr.LoadLibraryFailed, "loader.resolveRecord", err))
		return
	}
	l.updateProgress(rec, 0.5)

	man, err := manifest.Load(root)
	if err != nil {
		l.updateProgress(rec, 1.0)
		l.finishRecord(rec, nil, err)
		return
	}

	var result *Resolved
	if man.IsAdaptation() {
		result, err = l.resolveAdaptation(ctx, ns, man, chain)
	} else {
		result, err = l.resolveBaseModel(ctx, man)
	}
	l.updateProgress(rec, 1.0)
	l.finishRecord(rec, result, err)
}

func (l *Loader) resolveBaseModel(ctx context.Context, man *manifest.Manifest) (*Resolved, error) {
	const op = "loader.resolveBaseModel"

	params := inference.ModelParams{
		WeightsPath:     man.WeightPath,
		TSDataPath:      man.TSDataPath,
		TSSPModelPath:   man.TSSPModelPath,
		TSDimension:     man.TSDimension,
		MaxTokens:       man.MaxTokens,
		AdaptationRanks: man.AdaptationRanks,
	}

	handle, err := l.lib.CreateModel(ctx, params)
	if err != nil {
		return nil, odmlerr.New(odmlerr.LoadLibraryFailed, op, err)
	}

	w, receiver := model.New(l.lib, handle, false, nil)
	return &Resolved{Wrapper: w, Receiver: receiver, Adaptation: inference.NoAdaptation, Version: man.Version}, nil
}

func (l *Loader) resolveAdaptation(ctx context.Context, ns namespace, man *manifest.Manifest, chain map[uuid.UUID]bool) (*Resolved, error) {
	const op = "loader.resolveAdaptation"

	base, err := l.loadChain(ctx, ns, man.BaseModel.UUID, nil, chain)
	if err != nil {
		return nil, err
	}
	if base.Version != man.BaseModel.Version {
		return nil, odmlerr.New(odmlerr.LoadLibraryFailed, op, fmt.Errorf(
			"base model version mismatch: manifest wants %q, resolved %q", man.BaseModel.Version, base.Version))
	}

	receiver := base.Wrapper.Acquire()
	adaptID, err := base.Wrapper.LoadAdaptation(ctx, receiver, man.WeightPath)
	if err != nil {
		base.Wrapper.Release(receiver)
		return nil, err
	}

	return &Resolved{Wrapper: base.Wrapper, Receiver: receiver, Adaptation: adaptID, Version: man.Version}, nil
}
