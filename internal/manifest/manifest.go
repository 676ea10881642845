// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manifest parses and validates model.json, the descriptor shipped
// inside every downloadable model package.
//
// # Description
//
// The parser is strict about the fields it understands but tolerant of
// fields it doesn't: unknown top-level keys are ignored (forward
// compatibility with newer manifests), but every field this package does
// recognize is validated. Asset paths are resolved beneath the package
// root and rejected if they would escape it.
//
// Thread Safety: Manifest values are immutable after Load returns. Safe
// for concurrent reads.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odml-runtime/odmld/internal/odmlerr"
)

// defaultMaxTokens is used when a manifest omits max_tokens.
const defaultMaxTokens = 1024

// BaseModelRef identifies the base model an adaptation manifest is layered
// on top of.
type BaseModelRef struct {
	UUID    uuid.UUID `json:"uuid" validate:"required"`
	Version string    `json:"version" validate:"required"`
}

// Manifest is the parsed, validated, and path-resolved form of model.json.
//
// # Description
//
// A Manifest is a *base manifest* iff BaseModel is nil, else an
// *adaptation manifest* (spec.md §3). All path fields
// (WeightPath/TSDataPath/TSSPModelPath) are already joined beneath the
// package root by the time a Manifest is returned from Load — callers
// never need to call filepath.Join against the root again.
type Manifest struct {
	Name             string
	Version          string
	MaxTokens        uint32
	AdaptationRanks  []uint32
	WeightPath       string
	TSDataPath       string // empty if absent
	TSSPModelPath    string // empty if absent
	TSDimension      int    // 0 if absent
	BaseModel        *BaseModelRef
	PackageRoot      string
}

// IsAdaptation reports whether this manifest describes a LoRA-style
// adaptation layer rather than a full base model.
func (m *Manifest) IsAdaptation() bool { return m.BaseModel != nil }

// wireManifest is the on-disk JSON shape. Field names match model.json
// exactly; Go-side validation and defaulting happens after decode.
type wireManifest struct {
	Name            string         `json:"name"`
	Version         string         `json:"version" validate:"required"`
	MaxTokens       *uint32        `json:"max_tokens"`
	AdaptationRanks []uint32       `json:"adaptation_ranks"`
	WeightPath      string         `json:"weight_path" validate:"required"`
	TSDataPath      string         `json:"ts_data_path"`
	TSSPModelPath   string         `json:"ts_sp_model_path"`
	TSDimension     int            `json:"ts_dimension"`
	BaseModel       *BaseModelRef  `json:"base_model"`
}

var fieldValidator = validator.New()

// Load reads and parses model.json from packageRoot/model.json.
//
// # Inputs
//
//   - packageRoot: Absolute path to the installed package directory.
//
// # Outputs
//
//   - *Manifest: Never nil on success.
//   - error: An *odmlerr.Error of kind LoadLibraryFailed on any read,
//     parse, validation, or path-escape failure.
func Load(packageRoot string) (*Manifest, error) {
	const op = "manifest.Load"

	descriptor := filepath.Join(packageRoot, "model.json")
	raw, err := os.ReadFile(descriptor)
	if err != nil {
		return nil, odmlerr.New(odmlerr.LoadLibraryFailed, op, fmt.Errorf("read model descriptor: %w", err))
	}
	return Parse(raw, packageRoot)
}

// Parse decodes and validates manifest bytes already read from disk,
// resolving asset paths beneath packageRoot. Exposed separately from Load
// so tests can exercise parsing without touching the filesystem.
func Parse(raw []byte, packageRoot string) (*Manifest, error) {
	const op = "manifest.Parse"

	var wire wireManifest
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	if err := dec.Decode(&wire); err != nil {
		return nil, odmlerr.New(odmlerr.LoadLibraryFailed, op, fmt.Errorf("parse model descriptor: %w", err))
	}

	if err := fieldValidator.Struct(&wire); err != nil {
		return nil, odmlerr.New(odmlerr.LoadLibraryFailed, op, fmt.Errorf("invalid model descriptor: %w", err))
	}

	weightPath, err := resolveAsset(packageRoot, wire.WeightPath)
	if err != nil {
		return nil, odmlerr.New(odmlerr.LoadLibraryFailed, op, err)
	}

	m := &Manifest{
		Name:            wire.Name,
		Version:         wire.Version,
		MaxTokens:       defaultMaxTokens,
		AdaptationRanks: append([]uint32(nil), wire.AdaptationRanks...),
		WeightPath:      weightPath,
		TSDimension:     wire.TSDimension,
		BaseModel:       wire.BaseModel,
		PackageRoot:     packageRoot,
	}
	if wire.MaxTokens != nil {
		m.MaxTokens = *wire.MaxTokens
	}

	if wire.TSDataPath != "" {
		p, err := resolveAsset(packageRoot, wire.TSDataPath)
		if err != nil {
			return nil, odmlerr.New(odmlerr.LoadLibraryFailed, op, err)
		}
		m.TSDataPath = p
	}
	if wire.TSSPModelPath != "" {
		p, err := resolveAsset(packageRoot, wire.TSSPModelPath)
		if err != nil {
			return nil, odmlerr.New(odmlerr.LoadLibraryFailed, op, err)
		}
		m.TSSPModelPath = p
	}

	return m, nil
}

// resolveAsset joins rel beneath root and rejects the result if it would
// escape root, closing the path-traversal open item noted in spec.md §9.
func resolveAsset(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("asset path %q must be relative", rel)
	}
	joined := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root)
	rel2, err := filepath.Rel(cleanRoot, joined)
	if err != nil || rel2 == ".." || strings.HasPrefix(rel2, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("asset path %q escapes package root", rel)
	}
	return joined, nil
}
