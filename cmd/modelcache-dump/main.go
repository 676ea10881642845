// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// modelcache-dump inspects odmld's on-disk embedding cache.
//
// The embedding cache (internal/embedcache) persists string-to-embedding
// entries between daemon restarts as a single gob-encoded file. This tool
// opens that file read-only and prints a human-readable summary: keys,
// vector dimensions, age since last update, and TTL remaining.
//
// Usage:
//
//	modelcache-dump [--path /path/to/embedcache.gob] [--ttl-seconds N]
//
// If --path is not given, reads ODMLD_EMBED_CACHE_PATH from the
// environment, falling back to /var/lib/odmld/embedcache.gob. If
// --ttl-seconds is not given, reads ODMLD_EMBED_CACHE_TTL_SECONDS,
// falling back to 0 (no expiry) — the file itself carries no TTL
// metadata, so this must be supplied out of band to match the daemon's
// configured TTL.
//
// Exit codes:
//
//	0 — success (including "cache file does not exist", which prints a
//	    message and exits 0)
//	1 — error opening or decoding the file
package main

import (
	"bytes"
	"encoding/gob"
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// record mirrors internal/embedcache's unexported on-disk record type
// field-for-field; gob decodes by exported field name, not by the
// encoding side's type identity, so this local copy is sufficient to
// read the same file.
type record struct {
	Values      []float32
	UpdatedAtMs int64
}

func main() {
	pathFlag := flag.String("path", "", "Path to embedcache gob file (overrides ODMLD_EMBED_CACHE_PATH env var)")
	ttlFlag := flag.Int("ttl-seconds", -1, "TTL in seconds to report remaining-life against (overrides ODMLD_EMBED_CACHE_TTL_SECONDS env var; 0 = no expiry)")
	flag.Parse()

	cachePath := *pathFlag
	if cachePath == "" {
		cachePath = os.Getenv("ODMLD_EMBED_CACHE_PATH")
	}
	if cachePath == "" {
		cachePath = "/var/lib/odmld/embedcache.gob"
	}

	ttlSeconds := *ttlFlag
	if ttlSeconds < 0 {
		ttlSeconds = envInt("ODMLD_EMBED_CACHE_TTL_SECONDS", 0)
	}

	dump(cachePath, time.Duration(ttlSeconds)*time.Second)
}

// dump reads the embedding cache file at cachePath and prints its contents.
// It calls os.Exit(1) on decode/read errors and os.Exit(0) on the
// no-data-to-show paths, matching the teacher's routing_cache_dump shape.
func dump(cachePath string, ttl time.Duration) {
	fmt.Printf("Embedding cache path: %s\n", cachePath)

	if _, err := os.Stat(cachePath); os.IsNotExist(err) {
		fmt.Println("Cache file does not exist. The daemon has not yet synced any embeddings.")
		os.Exit(0)
	}

	raw, err := os.ReadFile(cachePath)
	if err != nil {
		fatalf("read %s: %v", cachePath, err)
	}
	if len(raw) == 0 {
		fmt.Println("\nCache file is empty.")
		os.Exit(0)
	}

	var entries map[string]record
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&entries); err != nil {
		fatalf("gob decode %s: %v", cachePath, err)
	}

	if len(entries) == 0 {
		fmt.Println("\nNo entries in the embedding cache.")
		os.Exit(0)
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	maxKeyLen := 0
	for _, k := range keys {
		if len(k) > maxKeyLen {
			maxKeyLen = len(k)
		}
	}
	colWidth := maxKeyLen + 2

	fmt.Printf("\nFound %d cache entr%s:\n", len(keys), plural(len(keys), "y", "ies"))
	fmt.Println(strings.Repeat("─", 80))
	fmt.Printf("\n%-*s  %5s  %7s  %10s  %s\n", colWidth, "Key", "Dims", "L2Norm", "Age", "TTL")
	fmt.Printf("%s  %s  %s  %s  %s\n",
		strings.Repeat("─", colWidth),
		strings.Repeat("─", 5),
		strings.Repeat("─", 7),
		strings.Repeat("─", 10),
		strings.Repeat("─", 20),
	)

	for _, k := range keys {
		rec := entries[k]
		updated := time.UnixMilli(rec.UpdatedAtMs)
		age := time.Since(updated).Round(time.Second)

		ttlStr := "no expiry set"
		if ttl > 0 {
			remaining := ttl - time.Since(updated)
			if remaining < 0 {
				ttlStr = fmt.Sprintf("EXPIRED (%s ago)", (-remaining).Round(time.Second))
			} else {
				ttlStr = fmt.Sprintf("%s remaining", remaining.Round(time.Second))
			}
		}

		fmt.Printf("%-*s  %5d  %7.4f  %10s  %s\n",
			colWidth, k, len(rec.Values), l2Norm(rec.Values), age, ttlStr)
	}

	fmt.Printf("\n%s\n", strings.Repeat("─", 80))
	fmt.Printf("Summary: %d entr%s, cache path: %s\n", len(keys), plural(len(keys), "y", "ies"), cachePath)
}

// l2Norm computes the L2 norm of a float32 vector.
func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// plural returns singular or plural suffix based on count.
func plural(n int, singular, pluralSuffix string) string {
	if n == 1 {
		return singular
	}
	return pluralSuffix
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// fatalf prints to stderr and exits 1.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "modelcache-dump: "+format+"\n", args...)
	os.Exit(1)
}
