// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// odmld is the on-device-model runtime daemon: it loads model packages,
// serves inference sessions, and exposes internal self-observability on
// a loopback /metrics endpoint.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/odml-runtime/odmld/internal/config"
	"github.com/odml-runtime/odmld/internal/daemon"
)

// version is set at build time via -ldflags; "dev" otherwise.
var version = "dev"

var configPath string

func main() {
	if err := buildRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "odmld",
		Short: "On-device-model runtime daemon",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to odmld.yaml (optional)")

	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the odmld version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version)
		},
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon loop until interrupted",
		Run: func(_ *cobra.Command, _ []string) {
			runServe()
		},
	}
}

func runServe() {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("odmld: load config: %v", err)
	}

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	d, err := daemon.New(cfg, logger)
	if err != nil {
		log.Fatalf("odmld: init daemon: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("odmld: shutdown signal received")
		cancel()
	}()

	logger.Info("odmld: starting", slog.String("version", version), slog.String("metrics_addr", cfg.MetricsAddr))
	if err := d.Run(ctx); err != nil {
		logger.Error("odmld: daemon exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}
