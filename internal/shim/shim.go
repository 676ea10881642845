// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package shim owns the process-global handle to the deferred-capability
// dynamic library that provides inference, tokenizer, formatting, and
// safety entry points (spec.md §4.1).
//
// # Description
//
// The shim is installed lazily: the first caller to need it pays the
// installation cost, every concurrent caller waiting behind it shares that
// one installation, and every caller after it is ready gets an immediate
// answer. This mirrors the teacher's ToolEmbeddingCache.Warm() single-
// flight pattern (services/trace/agent/routing/embedder.go), generalized
// from "warm a cache once" to "install a shared dependency once."
package shim

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"plugin"
	"sync"
	"time"

	"github.com/odml-runtime/odmld/internal/odmlerr"
)

// DefaultInstallTimeout is the fixed installer timeout spec.md §5 assigns
// the shim (5 minutes).
const DefaultInstallTimeout = 5 * time.Minute

// Installer installs the package containing the shim library and reports
// the filesystem path it was installed to. It is the out-of-scope DLC
// installer collaborator, narrowed to exactly what the shim loader needs.
type Installer interface {
	Install(ctx context.Context, packageID string) (root string, err error)
}

// Library is anything that can be looked up from the installed shim by
// symbol name. A concrete binding implementation type-asserts the
// returned value to the function signature it expects.
type Library interface {
	// Lookup resolves a named entry point. ok is false if the symbol is
	// absent (a valid outcome per spec.md §4.1, not an error).
	Lookup(name string) (sym any, ok bool)
}

// pendingCallback is one caller's half of an in-flight EnsureReady call.
type pendingCallback func(ready bool)

// Loader is the process-global shim state machine (spec.md §4.1).
//
// # Thread Safety
//
// Safe for concurrent use. IsReady, Lookup and EnsureReady all take the
// Loader's mutex.
type Loader struct {
	installer   Installer
	packageID   string
	libraryPath string // path beneath the installed package root, e.g. "libodml_shim.so"
	logger      *slog.Logger

	mu        sync.Mutex
	installed Library
	pending   []pendingCallback
	installing bool
}

// New creates a Loader. packageID is the installer package id (e.g.
// "odml-shim"); libraryPath is the relative path to the native library
// file inside that package's installed root.
func New(installer Installer, packageID, libraryPath string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{installer: installer, packageID: packageID, libraryPath: libraryPath, logger: logger}
}

// NewReady wraps an already-resolved Library as a Loader that is ready
// from construction, skipping installation entirely. Exported for
// callers that obtain a Library some other way (a statically linked
// build, a test double) and still want to go through the shared
// Lookup/WithShimReady machinery.
func NewReady(lib Library) *Loader {
	return &Loader{installed: lib}
}

// IsReady reports whether the shim library is already loaded.
func (l *Loader) IsReady() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.installed != nil
}

// EnsureReady invokes onDone(true) synchronously if the shim is already
// loaded. Otherwise it kicks off installation (sharing one installation
// across every concurrent caller) and resolves every queued onDone in
// FIFO order once the attempt completes.
func (l *Loader) EnsureReady(ctx context.Context, onDone func(ready bool)) {
	l.mu.Lock()
	if l.installed != nil {
		l.mu.Unlock()
		onDone(true)
		return
	}

	l.pending = append(l.pending, onDone)
	if l.installing {
		l.mu.Unlock()
		return
	}
	l.installing = true
	l.mu.Unlock()

	go l.install(ctx)
}

func (l *Loader) install(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, DefaultInstallTimeout)
	defer cancel()

	root, err := l.installer.Install(ctx, l.packageID)
	if err != nil {
		l.logger.Error("shim install failed", slog.String("package", l.packageID), slog.Any("error", err))
		l.resolve(nil)
		return
	}

	lib, err := loadNativeLibrary(root, l.libraryPath)
	if err != nil {
		l.logger.Error("shim load failed", slog.String("path", l.libraryPath), slog.Any("error", err))
		l.resolve(nil)
		return
	}

	l.logger.Info("shim ready", slog.String("package", l.packageID))
	l.resolve(lib)
}

func (l *Loader) resolve(lib Library) {
	l.mu.Lock()
	l.installed = lib
	l.installing = false
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, cb := range pending {
		cb(lib != nil)
	}
}

// Lookup resolves a named entry point from the loader's installed shim
// and type-asserts it to F. It returns (zero, false) if the shim isn't
// loaded, the symbol is absent, or its type doesn't match F — none of
// these are themselves errors (spec.md §4.1); callers combine Lookup
// with WithShimReady to get the retry-once-ready behavior.
func Lookup[F any](l *Loader, name string) (F, bool) {
	var zero F
	l.mu.Lock()
	lib := l.installed
	l.mu.Unlock()
	if lib == nil {
		return zero, false
	}
	sym, ok := lib.Lookup(name)
	if !ok {
		return zero, false
	}
	f, ok := sym.(F)
	if !ok {
		return zero, false
	}
	return f, true
}

// loadNativeLibrary opens the shim's compiled plugin and wraps it as a
// Library. Go's plugin package is the only stdlib-native way to dlopen a
// .so at a runtime-chosen path and resolve symbols by name; none of the
// example repos load native code this way, so there is no ecosystem
// library to prefer over it here.
func loadNativeLibrary(root, relPath string) (Library, error) {
	p, err := plugin.Open(filepath.Join(root, relPath))
	if err != nil {
		return nil, fmt.Errorf("open plugin: %w", err)
	}
	return pluginLibrary{p}, nil
}

type pluginLibrary struct {
	p *plugin.Plugin
}

func (pl pluginLibrary) Lookup(name string) (any, bool) {
	sym, err := pl.p.Lookup(name)
	if err != nil {
		return nil, false
	}
	return sym, true
}

// WithShimReady centralizes the "split the callback in two halves around
// EnsureReady" retry combinator spec.md §9 calls out: op is attempted once
// immediately if the shim is ready; otherwise the loader installs it and
// op is retried exactly once. If installation fails, op is not run and
// WithShimReady returns a LoadLibraryFailed error instead of retrying
// forever.
func WithShimReady(ctx context.Context, l *Loader, op func() error) error {
	if l.IsReady() {
		return op()
	}

	done := make(chan error, 1)
	l.EnsureReady(ctx, func(ready bool) {
		if !ready {
			done <- odmlerr.New(odmlerr.LoadLibraryFailed, "shim.WithShimReady", fmt.Errorf("shim install failed"))
			return
		}
		done <- op()
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return odmlerr.New(odmlerr.LoadLibraryFailed, "shim.WithShimReady", ctx.Err())
	}
}
