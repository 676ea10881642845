// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embedcache implements the embedding cache (spec.md §4.8): a
// file-backed string-to-embedding map with a TTL enforced only at
// Sync, a dirty flag driving write-back, and a soft entry-count cap
// with bulk eviction of the oldest entries.
package embedcache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

// maxEntries and evictBatch are the spec's addition over the original
// (spec.md §4.8 extension): once the map would exceed maxEntries after
// a Put, the evictBatch oldest-by-updated-time entries are dropped so
// the cache doesn't grow unbounded between Syncs.
const (
	maxEntries = 1000
	evictBatch = 100
)

// Clock abstracts "now" so tests can drive the exact TTL-sweep timeline
// spec.md §8 scenario 6 specifies instead of racing the wall clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// record is one cache entry as persisted to and loaded from disk.
type record struct {
	Values      []float32
	UpdatedAtMs int64
}

// Cache is a file-backed embedding cache (component H). Safe for
// concurrent use.
type Cache struct {
	path   string
	ttl    time.Duration
	clock  Clock
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]record
	dirty   bool
}

// New opens (or initializes) a Cache backed by path, with the given
// TTL. A TTL of 0 disables expiry. If path exists but its content
// can't be decoded, it is logged and deleted — a corrupt cache is
// treated as an absent one, never a fatal error (spec.md §4.8).
func New(path string, ttl time.Duration, logger *slog.Logger) *Cache {
	return newWithClock(path, ttl, systemClock{}, logger)
}

func newWithClock(path string, ttl time.Duration, clock Clock, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{path: path, ttl: ttl, clock: clock, logger: logger, entries: make(map[string]record)}
	c.loadFromFile()
	return c
}

func (c *Cache) loadFromFile() {
	buf, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("embedcache: failed to read backing file", slog.String("path", c.path), slog.Any("error", err))
		}
		return
	}

	var loaded map[string]record
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&loaded); err != nil {
		c.logger.Error("embedcache: corrupt backing file, removing", slog.String("path", c.path), slog.Any("error", err))
		if rmErr := os.Remove(c.path); rmErr != nil {
			c.logger.Error("embedcache: failed to remove corrupt file", slog.String("path", c.path), slog.Any("error", rmErr))
		}
		return
	}
	c.entries = loaded
}

// Put inserts or replaces key's embedding, stamping updated_time_ms to
// now and marking the cache dirty. If this Put pushes the cache over
// maxEntries, the oldest evictBatch entries (by updated_time_ms) are
// dropped first.
func (c *Cache) Put(key string, embedding []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= maxEntries {
		c.evictOldestLocked(evictBatch)
	}

	c.entries[key] = record{
		Values:      append([]float32(nil), embedding...),
		UpdatedAtMs: c.clock.Now().UnixMilli(),
	}
	c.dirty = true
}

func (c *Cache) evictOldestLocked(n int) {
	if n <= 0 || len(c.entries) == 0 {
		return
	}
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].UpdatedAtMs < c.entries[keys[j]].UpdatedAtMs
	})
	if n > len(keys) {
		n = len(keys)
	}
	for _, k := range keys[:n] {
		delete(c.entries, k)
	}
	c.dirty = true
}

// Get returns key's embedding and refreshes its updated_time_ms on
// hit, marking the cache dirty. Returns (nil, false) on miss.
func (c *Cache) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	rec.UpdatedAtMs = c.clock.Now().UnixMilli()
	c.entries[key] = rec
	c.dirty = true
	return append([]float32(nil), rec.Values...), true
}

// Sync removes entries that are stale under the configured TTL (a TTL
// of 0 disables expiry), then rewrites the backing file if the cache
// is dirty or any entries were removed. Returns false on any
// write/serialization error. Expired entries are dropped from memory
// even when the write fails; the cache then stays dirty, so the next
// Sync retries the write.
func (c *Cache) Sync() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	if c.ttl > 0 {
		for k, rec := range c.entries {
			if c.isExpiredLocked(now, rec) {
				delete(c.entries, k)
				removed++
			}
		}
	}

	if removed > 0 {
		c.dirty = true
	}
	if !c.dirty {
		return true
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c.entries); err != nil {
		c.logger.Error("embedcache: failed to encode", slog.Any("error", err))
		return false
	}
	if err := os.WriteFile(c.path, buf.Bytes(), 0o644); err != nil {
		c.logger.Error("embedcache: failed to write backing file", slog.String("path", c.path), slog.Any("error", err))
		return false
	}

	c.dirty = false
	c.logger.Info("embedcache: synced",
		slog.Int("removed", removed),
		slog.Int("size", len(c.entries)),
	)
	return true
}

func (c *Cache) isExpiredLocked(now time.Time, rec record) bool {
	lastUsed := time.UnixMilli(rec.UpdatedAtMs)
	return now.Sub(lastUsed) > c.ttl
}

// Len reports the current in-memory entry count, for diagnostics and
// tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
