// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/odml-runtime/odmld/internal/inference"
	"github.com/odml-runtime/odmld/internal/odmlerr"
)

// ReceiverID names whoever is holding a reference to a Wrapper or to one
// of its adaptation sub-receivers. It plays the role the original's mojo
// receiver/remote pair plays for reference counting and disconnect
// notification: an opaque identity a caller Acquire()s and Release()s.
type ReceiverID uint64

// DisconnectFunc is invoked once, on the goroutine that made the final
// Release, when a Wrapper has no remaining receivers and has finished
// tearing itself down. The platform model loader (component E) uses this to drop its
// weak reference to the record's model.
type DisconnectFunc func()

// Wrapper owns one loaded model: its ModelHandle, its live Sessions, and
// a small set of adaptation sub-receivers (one per AdaptationId handed
// out by load_adaptation), all funneled through a single worker so the
// underlying library never sees two in-flight calls for this handle
// (spec.md §4.4).
type Wrapper struct {
	lib    inference.Library
	handle inference.ModelHandle
	worker *worker

	mu              sync.Mutex
	receivers       map[ReceiverID]struct{}
	nextReceiver    uint64
	adaptationOf    map[ReceiverID]inference.AdaptationID // pinned adaptation per receiver
	sessions        map[inference.SessionHandle]struct{}
	onDisconnect    DisconnectFunc
	singleSessionAt bool
	closed          bool
}

// New creates a Wrapper around an already-created ModelHandle, owned by
// the caller named by the first receiver id returned.
func New(lib inference.Library, handle inference.ModelHandle, singleSessionAtATime bool, onDisconnect DisconnectFunc) (*Wrapper, ReceiverID) {
	w := &Wrapper{
		lib:             lib,
		handle:          handle,
		worker:          newWorker(0),
		receivers:       make(map[ReceiverID]struct{}),
		adaptationOf:    make(map[ReceiverID]inference.AdaptationID),
		sessions:        make(map[inference.SessionHandle]struct{}),
		onDisconnect:    onDisconnect,
		singleSessionAt: singleSessionAtATime,
	}
	id := w.acquireLocked()
	return w, id
}

func (w *Wrapper) acquireLocked() ReceiverID {
	w.nextReceiver++
	id := ReceiverID(w.nextReceiver)
	w.receivers[id] = struct{}{}
	return id
}

// Acquire registers a new receiver against this wrapper, keeping it
// alive for at least as long as that receiver holds on.
func (w *Wrapper) Acquire() ReceiverID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acquireLocked()
}

// Release drops a receiver. When the last receiver is dropped, the
// wrapper destroys its sessions and its ModelHandle, then invokes
// onDisconnect (spec.md §4.4 "Wrapper disconnect").
func (w *Wrapper) Release(id ReceiverID) {
	w.mu.Lock()
	delete(w.receivers, id)
	delete(w.adaptationOf, id)
	empty := len(w.receivers) == 0 && !w.closed
	if empty {
		w.closed = true
	}
	w.mu.Unlock()

	if !empty {
		return
	}
	w.worker.postSync(func() {
		w.mu.Lock()
		sessions := make([]inference.SessionHandle, 0, len(w.sessions))
		for s := range w.sessions {
			sessions = append(sessions, s)
		}
		w.sessions = make(map[inference.SessionHandle]struct{})
		w.mu.Unlock()

		for _, s := range sessions {
			_ = w.lib.DestroySession(s)
		}
		_ = w.lib.DestroyModel(w.handle)
	})
	w.worker.close()
	if w.onDisconnect != nil {
		w.onDisconnect()
	}
}

// Handle returns the underlying ModelHandle.
func (w *Wrapper) Handle() inference.ModelHandle { return w.handle }

// AdaptationFor returns the AdaptationID pinned to receiver, if any, per
// the §4.4 contract that a successful load_adaptation binds its id to
// the receiver's context for future start_session calls.
func (w *Wrapper) AdaptationFor(id ReceiverID) inference.AdaptationID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.adaptationOf[id]
}

// StartSession creates a SessionHandle against the base handle, or an
// adapted variant if adaptation is non-zero.
func (w *Wrapper) StartSession(ctx context.Context, adaptation inference.AdaptationID) (inference.SessionHandle, error) {
	var sess inference.SessionHandle
	var err error
	w.worker.postSync(func() {
		sess, err = w.lib.CreateSession(w.handle, adaptation)
		if err == nil {
			w.mu.Lock()
			w.sessions[sess] = struct{}{}
			w.mu.Unlock()
		}
	})
	if err != nil {
		return 0, odmlerr.New(odmlerr.ModelExecutionFailed, "model.StartSession", err)
	}
	return sess, nil
}

// ForgetSession drops bookkeeping for a session the caller has already
// destroyed through the library directly (used by internal/session on
// DestroySession so Release doesn't try to double-destroy it).
func (w *Wrapper) ForgetSession(h inference.SessionHandle) {
	w.mu.Lock()
	delete(w.sessions, h)
	w.mu.Unlock()
}

// TrackSession registers a SessionHandle created outside StartSession
// (e.g. via the library's CloneSession) so Release tears it down too.
func (w *Wrapper) TrackSession(h inference.SessionHandle) {
	w.mu.Lock()
	w.sessions[h] = struct{}{}
	w.mu.Unlock()
}

// LoadAdaptation loads a LoRA adaptation's weights against this model.
// If the wrapper runs in single-session-at-a-time mode, every existing
// session is torn down first (spec.md §4.4). On success the returned id
// is pinned to receiver.
func (w *Wrapper) LoadAdaptation(ctx context.Context, receiver ReceiverID, weightsPath string) (inference.AdaptationID, error) {
	var id inference.AdaptationID
	var err error
	w.worker.postSync(func() {
		if w.singleSessionAt {
			w.mu.Lock()
			sessions := make([]inference.SessionHandle, 0, len(w.sessions))
			for s := range w.sessions {
				sessions = append(sessions, s)
			}
			w.sessions = make(map[inference.SessionHandle]struct{})
			w.mu.Unlock()
			for _, s := range sessions {
				_ = w.lib.DestroySession(s)
			}
		}
		id, err = w.lib.LoadAdaptation(ctx, w.handle, weightsPath)
	})
	if err != nil {
		return 0, odmlerr.New(odmlerr.LoadLibraryFailed, "model.LoadAdaptation", err)
	}
	w.mu.Lock()
	w.adaptationOf[receiver] = id
	w.mu.Unlock()
	return id, nil
}

// ClassifyTextSafety forwards to the library.
func (w *Wrapper) ClassifyTextSafety(ctx context.Context, text string) ([]float32, bool, error) {
	var scores []float32
	var ok bool
	var err error
	w.worker.postSync(func() {
		scores, ok, err = w.lib.ClassifyTextSafety(ctx, w.handle, text)
	})
	if err != nil {
		return nil, false, odmlerr.New(odmlerr.ModelExecutionFailed, "model.ClassifyTextSafety", err)
	}
	return scores, ok, nil
}

// DetectLanguage forwards to the library.
func (w *Wrapper) DetectLanguage(ctx context.Context, text string) (inference.LanguageInfo, error) {
	var info inference.LanguageInfo
	var err error
	w.worker.postSync(func() {
		info, err = w.lib.DetectLanguage(ctx, w.handle, text)
	})
	if err != nil {
		return inference.LanguageInfo{}, odmlerr.New(odmlerr.ModelExecutionFailed, "model.DetectLanguage", err)
	}
	return info, nil
}

// Post runs an arbitrary task against this wrapper's worker, preserving
// FIFO ordering with every other operation on this handle. internal/session
// uses this to serialize Append/Generate/Score/SizeInTokens/Clone.
func (w *Wrapper) Post(task func()) {
	w.worker.postSync(task)
}

// PostAsync runs task on this wrapper's worker without waiting, for
// long-running calls like Generate that stream results back themselves.
func (w *Wrapper) PostAsync(task func()) {
	w.worker.post(task)
}

// Library exposes the underlying inference.Library so Session operations
// posted via Post/PostAsync can call it directly while still running on
// the correct worker goroutine.
func (w *Wrapper) Library() inference.Library { return w.lib }

// String is used in log fields; deliberately terse.
func (w *Wrapper) String() string {
	return fmt.Sprintf("model(%d)", w.handle)
}
