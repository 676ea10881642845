// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sessionstate implements the session-state (user login)
// collaborator (spec.md §6, promoted to component I): it watches a
// platform session signal stream, resolves the primary user on login,
// and fans login/logout transitions out to observers.
package sessionstate

import (
	"context"
	"log/slog"
	"sync"
)

// Session signal states, matching the platform's "started"/"stopped"
// vocabulary verbatim.
const (
	StateStarted = "started"
	StateStopped = "stopped"
)

// User identifies the primary user: a clear-text name and its
// sanitized-hash form.
type User struct {
	Name string
	Hash string
}

// Observer is notified of primary-user login/logout transitions.
type Observer interface {
	OnUserLoggedIn(user User)
	OnUserLoggedOut()
}

// SignalSource yields "started"/"stopped" session transitions. A
// production build wires this to the platform's session-manager signal
// bus; Fake is the in-process stand-in used by tests and local runs.
type SignalSource interface {
	Signals() <-chan string
}

// PrimaryUserResolver queries the platform for the current primary
// user. A returned zero User (empty Name and Hash) means no primary
// user is logged in, matching the original's empty-string sentinel.
type PrimaryUserResolver interface {
	RetrievePrimaryUser(ctx context.Context) (User, error)
}

// Fake is a channel-backed SignalSource for tests and local runs.
type Fake struct {
	ch chan string
}

// NewFake creates a Fake with a buffered channel, so Emit never blocks
// a test on a slow consumer.
func NewFake() *Fake {
	return &Fake{ch: make(chan string, 16)}
}

func (f *Fake) Signals() <-chan string { return f.ch }

// Emit pushes a state transition onto the fake signal stream.
func (f *Fake) Emit(state string) { f.ch <- state }

// Close stops the fake's signal stream; Manager.Run returns once it
// drains the channel.
func (f *Fake) Close() { close(f.ch) }

// Manager is the session-state collaborator (spec.md §6/§4.9). Exactly
// one primary user is tracked at a time.
type Manager struct {
	source   SignalSource
	resolver PrimaryUserResolver
	logger   *slog.Logger

	mu          sync.Mutex
	observers   []Observer
	primaryUser *User
}

// New creates a Manager. It does not start consuming signals until Run
// is called.
func New(source SignalSource, resolver PrimaryUserResolver, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{source: source, resolver: resolver, logger: logger}
}

// AddObserver registers an observer for login/logout notifications.
func (m *Manager) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// RemoveObserver deregisters a previously added observer. Observer
// implementations should be pointer types so identity comparison works
// as expected.
func (m *Manager) RemoveObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.observers {
		if existing == o {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			return
		}
	}
}

// Run consumes source.Signals() until ctx is cancelled or the source's
// channel is closed. Intended to run as one goroutine in the daemon's
// errgroup.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case state, ok := <-m.source.Signals():
			if !ok {
				return nil
			}
			m.onSessionStateChanged(ctx, state)
		}
	}
}

func (m *Manager) onSessionStateChanged(ctx context.Context, state string) {
	m.logger.Info("session state changed", slog.String("state", state))

	switch state {
	case StateStarted:
		if _, err := m.RefreshPrimaryUser(ctx); err != nil {
			m.logger.Warn("unable to update primary user", slog.Any("error", err))
		}
	case StateStopped:
		m.mu.Lock()
		hadUser := m.primaryUser != nil
		m.primaryUser = nil
		observers := append([]Observer(nil), m.observers...)
		m.mu.Unlock()
		if hadUser {
			for _, o := range observers {
				o.OnUserLoggedOut()
			}
		}
	default:
		m.logger.Warn("unknown session state", slog.String("state", state))
	}
}

// RefreshPrimaryUser queries the resolver and fires the appropriate
// observer notifications for whatever transition results: nobody to
// somebody fires OnUserLoggedIn; somebody to nobody fires
// OnUserLoggedOut; somebody to a different somebody fires
// OnUserLoggedOut then OnUserLoggedIn (spec.md §6: "on transition to a
// different user, observers receive OnUserLoggedIn(user) after
// OnUserLoggedOut() if any prior user was present").
func (m *Manager) RefreshPrimaryUser(ctx context.Context) (bool, error) {
	user, err := m.resolver.RetrievePrimaryUser(ctx)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	oldUser := m.primaryUser
	var newUser *User
	if user.Name != "" && user.Hash != "" {
		u := user
		newUser = &u
	}
	m.primaryUser = newUser
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	switch {
	case oldUser == nil && newUser != nil:
		for _, o := range observers {
			o.OnUserLoggedIn(*newUser)
		}
	case oldUser != nil && newUser == nil:
		for _, o := range observers {
			o.OnUserLoggedOut()
		}
	case oldUser != nil && newUser != nil && *oldUser != *newUser:
		for _, o := range observers {
			o.OnUserLoggedOut()
		}
		for _, o := range observers {
			o.OnUserLoggedIn(*newUser)
		}
	}
	return true, nil
}

// PrimaryUser returns the currently tracked primary user, if any.
func (m *Manager) PrimaryUser() (User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.primaryUser == nil {
		return User{}, false
	}
	return *m.primaryUser, true
}
