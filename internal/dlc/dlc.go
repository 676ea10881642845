// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dlc manages installation of downloadable content (DLC)
// packages: model weights, the native shim, and text-safety/i18n
// resources, each identified by a package id. It dedups concurrent
// requests for the same package id the way the original's
// DlcModelLoader deduped concurrent LoadDlcWithUuid calls for the same
// model UUID.
package dlc

import (
	"context"
	"fmt"
	"sync"
)

// Result is the outcome of one install attempt: either a filesystem root
// the package was installed to, or an error.
type Result struct {
	Root string
	Err  error
}

// State is a package id's coarse install state, as SPEC_FULL.md §4.11's
// installer interface exposes it.
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
		return "Unknown"
	}
}

// Backend performs the actual installation of a single package id. A
// production backend talks to the platform's DLC service; Fake (below)
// is a local filesystem stand-in good enough to drive the rest of the
// runtime without one.
type Backend interface {
	Install(ctx context.Context, packageID string) (root string, err error)
}

// loadingState tracks one package id's in-flight or completed install,
// mirroring the original's DlcLoadingState: a result cache plus a queue
// of callbacks waiting on the in-flight attempt.
type loadingState struct {
	result    *Result
	launched  bool
	callbacks []func(Result)
}

// Manager is the process-wide dedup layer over a Backend.
//
// # Description
//
// The first caller for a given package id launches Backend.Install; every
// concurrent caller for the same id queues behind it instead of starting
// a second install. Install launched-state is cleared before the queued
// callbacks run, so a callback that itself requests a retry starts a
// fresh install rather than silently joining the one that just finished
// (this mirrors the original's explicit comment about the same
// consideration in OnInstallDlcComplete).
type Manager struct {
	backend Backend

	mu    sync.Mutex
	state map[string]*loadingState
}

// NewManager creates a Manager around backend.
func NewManager(backend Backend) *Manager {
	return &Manager{backend: backend, state: make(map[string]*loadingState)}
}

// InstallAsync requests packageID and invokes onDone with the result
// exactly once, either immediately (if already installed), or once the
// in-flight or newly launched install completes.
func (m *Manager) InstallAsync(ctx context.Context, packageID string, onDone func(Result)) {
	m.mu.Lock()
	st, ok := m.state[packageID]
	if !ok {
		st = &loadingState{}
		m.state[packageID] = st
	}

	if st.result != nil {
		result := *st.result
		m.mu.Unlock()
		onDone(result)
		return
	}

	st.callbacks = append(st.callbacks, onDone)
	if st.launched {
		m.mu.Unlock()
		return
	}
	st.launched = true
	m.mu.Unlock()

	go m.runInstall(ctx, packageID)
}

func (m *Manager) runInstall(ctx context.Context, packageID string) {
	root, err := m.backend.Install(ctx, packageID)

	m.mu.Lock()
	st := m.state[packageID]
	st.launched = false
	if err == nil {
		st.result = &Result{Root: root}
	}
	callbacks := st.callbacks
	st.callbacks = nil
	m.mu.Unlock()

	result := Result{Root: root, Err: err}
	for _, cb := range callbacks {
		cb(result)
	}
}

// Install is the blocking form of InstallAsync, for callers that don't
// need the async fan-out (e.g. the shim loader's single install path).
func (m *Manager) Install(ctx context.Context, packageID string) (string, error) {
	done := make(chan Result, 1)
	m.InstallAsync(ctx, packageID, func(r Result) { done <- r })
	select {
	case r := <-done:
		return r.Root, r.Err
	case <-ctx.Done():
		return "", fmt.Errorf("install %s: %w", packageID, ctx.Err())
	}
}

// State reports packageID's install state as tracked by this Manager:
// Installed once a result is cached, Installing while a Backend.Install
// call is in flight, NotInstalled otherwise.
func (m *Manager) State(ctx context.Context, packageID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, tracked := m.state[packageID]
	if !tracked {
		return StateNotInstalled, nil
	}
	if st.result != nil {
		if st.result.Err != nil {
			return StateNotInstalled, nil
		}
		return StateInstalled, nil
	}
	if st.launched {
		return StateInstalling, nil
	}
	return StateNotInstalled, nil
}
