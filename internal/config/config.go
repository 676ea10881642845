// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads odmld's daemon configuration from environment
// variables with defaults, optionally overridden by an odmld.yaml file
// (spec.md §4.12).
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's full runtime configuration.
type Config struct {
	// ShimPath names a native inference/safety shim library. daemon.New
	// does not read it: the daemon always uses the in-process fakes.
	ShimPath string `yaml:"shim_path"`

	// DLCStagingRoot is the local filesystem root the fake DLC installer
	// watches for package arrival.
	DLCStagingRoot string `yaml:"dlc_staging_root"`

	// EmbedCachePath is the on-disk file backing internal/embedcache.
	EmbedCachePath string `yaml:"embed_cache_path"`

	// EmbedCacheTTLSeconds is the embedding cache's eviction TTL; 0
	// disables TTL-based eviction entirely.
	EmbedCacheTTLSeconds int `yaml:"embed_cache_ttl_seconds"`

	// MetricsAddr is the loopback address /metrics is served on. Empty
	// disables the metrics server.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// defaults mirrors the teacher's envBool/envInt-with-fallback style
// (services/trace/agent/providers/egress/config.go), adapted here to a
// single struct instead of per-field free functions.
func defaults() Config {
	return Config{
		ShimPath:             "",
		DLCStagingRoot:       "/var/lib/odmld/dlc",
		EmbedCachePath:       "/var/lib/odmld/embedcache.gob",
		EmbedCacheTTLSeconds: 0,
		MetricsAddr:          "127.0.0.1:9090",
		LogLevel:             "info",
	}
}

// Load builds a Config from ODMLD_* environment variables, then applies
// an optional YAML override file at yamlPath (ignored if yamlPath is
// empty or does not exist).
func Load(yamlPath string) (Config, error) {
	cfg := defaults()

	cfg.ShimPath = envString("ODMLD_SHIM_PATH", cfg.ShimPath)
	cfg.DLCStagingRoot = envString("ODMLD_DLC_STAGING_ROOT", cfg.DLCStagingRoot)
	cfg.EmbedCachePath = envString("ODMLD_EMBED_CACHE_PATH", cfg.EmbedCachePath)
	cfg.EmbedCacheTTLSeconds = envInt("ODMLD_EMBED_CACHE_TTL_SECONDS", cfg.EmbedCacheTTLSeconds)
	cfg.MetricsAddr = envString("ODMLD_METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = envString("ODMLD_LOG_LEVEL", cfg.LogLevel)

	if yamlPath == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(yamlPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", yamlPath, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", yamlPath, err)
	}
	return cfg, nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
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
