// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package daemon wires the runtime's components (loader, sessions, DLC
// installer, session-state collaborator, embedding cache, safety bridge)
// into one process and drives its goroutines under a shared
// golang.org/x/sync/errgroup, exactly the fan-in shape the teacher uses
// for ToolEmbeddingCache's warm-up (spec.md §4.12).
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"

	"github.com/odml-runtime/odmld/internal/config"
	"github.com/odml-runtime/odmld/internal/dlc"
	"github.com/odml-runtime/odmld/internal/embedcache"
	"github.com/odml-runtime/odmld/internal/inference"
	"github.com/odml-runtime/odmld/internal/inference/fakelib"
	"github.com/odml-runtime/odmld/internal/loader"
	"github.com/odml-runtime/odmld/internal/model"
	"github.com/odml-runtime/odmld/internal/safety"
	"github.com/odml-runtime/odmld/internal/session"
	"github.com/odml-runtime/odmld/internal/sessionstate"
	"github.com/odml-runtime/odmld/internal/shim"
)

var tracer = otel.Tracer("odmld.daemon")

var (
	loadLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "odmld",
		Subsystem: "loader",
		Name:      "load_latency_seconds",
		Help:      "LoadWithUUID/LoadTextSafetyWithUUID latency by outcome",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"namespace", "outcome"})

	generateLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "odmld",
		Subsystem: "session",
		Name:      "generate_latency_seconds",
		Help:      "Session.Generate latency",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})

	embedCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "odmld",
		Subsystem: "embedcache",
		Name:      "lookups_total",
		Help:      "Embedding cache lookups by hit/miss",
	}, []string{"result"})
)

// Daemon owns one process's worth of runtime components. Exactly one
// Daemon is constructed per cmd/odmld invocation.
type Daemon struct {
	cfg    config.Config
	logger *slog.Logger

	lib         inference.Library
	dlcMgr      *dlc.Manager
	dlcFake     *dlc.Fake
	modelLoader *loader.Loader
	safety      *safety.Bridge
	embedCache  *embedcache.Cache
	sessionMgr  *sessionstate.Manager

	httpServer *http.Server
}

// New builds a Daemon from cfg. The inference library and native shim are
// always the in-process fakes from internal/inference/fakelib and
// internal/safety (NewFakeLibrary), since internal/inference ships no real cgo binding
// (non-goal, see SPEC_FULL.md §9 "a real cgo binding to any actual GPU
// inference library").
func New(cfg config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.DLCStagingRoot, 0o755); err != nil {
		return nil, fmt.Errorf("daemon: create dlc staging root: %w", err)
	}

	lib := fakelib.New()

	dlcFake := dlc.NewFake(cfg.DLCStagingRoot)
	dlcMgr := dlc.NewManager(dlcFake)

	modelLoader := loader.New(dlcMgr, lib, logger)

	shimLoader := shim.NewReady(safety.NewFakeLibrary())
	safetyBridge := safety.New(shimLoader)

	embedCache := embedcache.New(cfg.EmbedCachePath, time.Duration(cfg.EmbedCacheTTLSeconds)*time.Second, logger)

	sessionMgr := sessionstate.New(sessionstate.NewFake(), noopResolver{}, logger)

	return &Daemon{
		cfg:         cfg,
		logger:      logger,
		lib:         lib,
		dlcMgr:      dlcMgr,
		dlcFake:     dlcFake,
		modelLoader: modelLoader,
		safety:      safetyBridge,
		embedCache:  embedCache,
		sessionMgr:  sessionMgr,
	}, nil
}

// noopResolver reports nobody logged in; a real build wires this to the
// platform session manager's D-Bus surface, which is out of scope here
// (spec.md places session-manager IPC transport out of scope, only the
// collaborator's own logic is implemented).
type noopResolver struct{}

func (noopResolver) RetrievePrimaryUser(context.Context) (sessionstate.User, error) {
	return sessionstate.User{}, nil
}

// Loader exposes the platform model loader for CLI/console callers.
func (d *Daemon) Loader() *loader.Loader { return d.modelLoader }

// Library exposes the inference library backing this daemon.
func (d *Daemon) Library() inference.Library { return d.lib }

// DLCFake exposes the fake DLC installer so callers (consoles, tests) can
// pre-stage packages with Stage.
func (d *Daemon) DLCFake() *dlc.Fake { return d.dlcFake }

// SafetyBridge exposes the formatting/safety-validation bridge.
func (d *Daemon) SafetyBridge() *safety.Bridge { return d.safety }

// EmbedCache exposes the embedding cache.
func (d *Daemon) EmbedCache() *embedcache.Cache { return d.embedCache }

// LoadModel resolves id through the platform loader, recording latency
// and tracing the resolve path (spec.md §4.12's "wraps the loader's
// resolve path ... with spans").
func (d *Daemon) LoadModel(ctx context.Context, id uuid.UUID) (*loader.Resolved, error) {
	ctx, span := tracer.Start(ctx, "daemon.LoadModel")
	defer span.End()
	span.SetAttributes(attribute.String("model.uuid", id.String()))

	start := time.Now()
	res, err := d.modelLoader.LoadWithUUID(ctx, id, nil)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	loadLatency.WithLabelValues("model", outcome).Observe(time.Since(start).Seconds())
	return res, err
}

// OpenSession starts a session against resolved's wrapper, using the
// AdaptationID resolved carries.
func (d *Daemon) OpenSession(ctx context.Context, resolved *loader.Resolved, maxTokens uint32, captureContext bool) (*session.Session, error) {
	handle, err := resolved.Wrapper.StartSession(ctx, resolved.Adaptation)
	if err != nil {
		return nil, err
	}
	return session.New(resolved.Wrapper, handle, maxTokens, captureContext), nil
}

// Generate runs sess.Generate, instrumenting latency for internal
// self-observability (spec.md §4.12's internal-only metrics, distinct
// from the external metrics service placed out of scope).
func (d *Daemon) Generate(ctx context.Context, sess *session.Session, opts inference.ExecuteOptions, responder inference.Responder) error {
	ctx, span := tracer.Start(ctx, "daemon.Generate")
	defer span.End()

	start := time.Now()
	err := sess.Generate(ctx, opts, responder)
	generateLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// GetCachedEmbedding is a thin observability wrapper over the embedding
// cache's Get, recording hit/miss counts.
func (d *Daemon) GetCachedEmbedding(key string) ([]float32, bool) {
	v, ok := d.embedCache.Get(key)
	if ok {
		embedCacheHits.WithLabelValues("hit").Inc()
	} else {
		embedCacheHits.WithLabelValues("miss").Inc()
	}
	return v, ok
}

// NewWrapper re-exports model.New's signature for callers that need to
// build a model.Wrapper directly against this daemon's Library.
func (d *Daemon) NewWrapper(handle inference.ModelHandle, singleSessionAtATime bool, onDisconnect model.DisconnectFunc) (*model.Wrapper, model.ReceiverID) {
	return model.New(d.lib, handle, singleSessionAtATime, onDisconnect)
}

// Run starts the daemon's background goroutines (session-state
// subscriber, periodic embedding-cache sync, metrics HTTP server) and
// blocks until ctx is cancelled or one of them fails, then tears all of
// them down before returning — the same errgroup fan-in/fan-out shape
// the teacher's ToolEmbeddingCache warm-up uses.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.sessionMgr.Run(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return d.syncEmbedCacheLoop(gctx)
	})

	if d.cfg.MetricsAddr != "" {
		g.Go(func() error {
			return d.serveMetrics(gctx)
		})
	}

	err := g.Wait()
	if d.embedCache.Sync() {
		d.logger.Info("embedding cache flushed on shutdown")
	}
	return err
}

func (d *Daemon) syncEmbedCacheLoop(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !d.embedCache.Sync() {
				d.logger.Warn("embedding cache sync failed")
			}
		}
	}
}

func (d *Daemon) serveMetrics(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	d.httpServer = &http.Server{Addr: d.cfg.MetricsAddr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("metrics server listening", slog.String("addr", d.cfg.MetricsAddr))
		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.httpServer.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
