// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// mantis-console is a thin CLI over the runtime's image-edit feature: it
// resolves a model package, opens a session, and runs a single
// append+generate round trip carrying the edit instruction as text. Real
// image codec work is out of scope; this exercises the loader/session
// stack end to end from a command line.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/odml-runtime/odmld/internal/config"
	"github.com/odml-runtime/odmld/internal/daemon"
	"github.com/odml-runtime/odmld/internal/inference"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func buildRoot() *cobra.Command {
	var (
		modelUUID string
		stageRoot string
		instr     string
	)

	cmd := &cobra.Command{
		Use:   "mantis-console",
		Short: "Run a single image-edit round trip against a loaded model",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runEdit(modelUUID, stageRoot, instr)
		},
	}
	cmd.Flags().StringVar(&modelUUID, "model", "", "model package UUID (required)")
	cmd.Flags().StringVar(&stageRoot, "dlc-staging-root", "", "DLC staging root; defaults to ODMLD_DLC_STAGING_ROOT")
	cmd.Flags().StringVar(&instr, "instruction", "", "edit instruction text (required)")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("instruction")
	return cmd
}

func runEdit(modelUUID, stageRoot, instr string) error {
	id, err := uuid.Parse(modelUUID)
	if err != nil {
		return fmt.Errorf("mantis-console: --model: %w", err)
	}

	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("mantis-console: load config: %w", err)
	}
	if stageRoot != "" {
		cfg.DLCStagingRoot = stageRoot
	}
	cfg.MetricsAddr = ""

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	d, err := daemon.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("mantis-console: init daemon: %w", err)
	}

	ctx := context.Background()
	resolved, err := d.LoadModel(ctx, id)
	if err != nil {
		return fmt.Errorf("mantis-console: load model: %w", err)
	}

	sess, err := d.OpenSession(ctx, resolved, 0, false)
	if err != nil {
		return fmt.Errorf("mantis-console: open session: %w", err)
	}

	pieces := []inference.InputPiece{
		{Kind: inference.PieceSystemRole, Text: "image-edit"},
		{Kind: inference.PieceText, Text: instr},
	}
	if _, err := sess.Append(ctx, pieces, inference.ExecuteOptions{}); err != nil {
		return fmt.Errorf("mantis-console: append: %w", err)
	}

	out := &printingResponder{}
	if err := d.Generate(ctx, sess, inference.ExecuteOptions{}, out); err != nil {
		return fmt.Errorf("mantis-console: generate: %w", err)
	}

	fmt.Printf("\n[%d output tokens]\n", out.tokens)
	return nil
}

type printingResponder struct {
	tokens uint32
}

func (r *printingResponder) OnChunk(c inference.ResponseChunk) {
	fmt.Print(c.Text)
}

func (r *printingResponder) OnSummary(s inference.ResponseSummary) {
	r.tokens = s.OutputTokenCount
}
