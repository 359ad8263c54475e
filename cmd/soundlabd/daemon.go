// Copyright (C) 2025 SoundLab Audio (dev@soundlab-audio.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/soundlab-audio/soundlab/pkg/logging"
	"github.com/soundlab-audio/soundlab/services/soundcore/adapters/wsfeed"
	"github.com/soundlab-audio/soundlab/services/soundcore/balancer"
	"github.com/soundlab-audio/soundlab/services/soundcore/config"
	"github.com/soundlab-audio/soundlab/services/soundcore/frame"
	"github.com/soundlab-audio/soundlab/services/soundcore/presets"
	"github.com/soundlab-audio/soundlab/services/soundcore/recorder"
	"github.com/soundlab-audio/soundlab/services/soundcore/router"
	"github.com/soundlab-audio/soundlab/services/soundcore/telemetry"
)

const httpShutdownTimeout = 10 * time.Second

// runDaemon wires the control plane together and blocks until SIGINT or
// SIGTERM.
func runDaemon(cfgPath, logLevel string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel(),
		LogDir:  cfg.Logging.Dir,
		Service: "soundlabd",
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()
	log := logger.Slog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry first so every component can register instruments.
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	meter := otel.Meter("soundcore")
	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	// Core components.
	rtr := router.New(cfg.Router, log, metrics)
	bal := balancer.New(cfg.Balancer, log, metrics)
	rec := recorder.New(cfg.Recorder, log, metrics)

	if _, err := metrics.RegisterCriticality(meter, func() float64 {
		return bal.State().Criticality
	}); err != nil {
		return fmt.Errorf("register criticality gauge: %w", err)
	}

	var store *presets.Store
	if cfg.Presets.Path != "" || cfg.Presets.InMemory {
		store, err = presets.Open(cfg.Presets, log)
		if err != nil {
			return fmt.Errorf("open preset store: %w", err)
		}
		defer store.Close()
	}

	// Stream taps: router values become phi frames, balancer updates
	// become control events.
	tap := &phiTap{rec: rec}
	rtr.Subscribe(tap)
	rtr.SubscribeStatus(tap)
	bal.Subscribe(&balanceTap{rec: rec})

	rtr.Start()
	defer rtr.Stop()

	if cfg.BalancerEnabled {
		bal.SetEnabled(true)
	}

	if err := rec.Start(); err != nil {
		return fmt.Errorf("start recorder: %w", err)
	}
	defer func() {
		if err := rec.Stop(); err != nil && !errors.Is(err, recorder.ErrNotRecording) {
			log.Error("recorder stop failed", slog.String("error", err.Error()))
		}
	}()

	feeds := make([]*wsfeed.Feed, 0, len(cfg.Feeds))
	for _, fc := range cfg.Feeds {
		f := wsfeed.New(fc, rtr, log)
		f.Start()
		feeds = append(feeds, f)
	}
	defer func() {
		for _, f := range feeds {
			f.Stop()
		}
	}()

	// Hot-reload the tunables when the config file changes.
	if cfgPath != "" {
		watcher, err := config.NewWatcher(cfgPath, func(next config.File) {
			rtr.SetFallback(next.Router.FallbackPhi, next.Router.FallbackTimeout)
			bal.SetGains(next.Balancer.Beta, next.Balancer.DeltaAmplitude, next.Balancer.Target)
			bal.SetEnabled(next.BalancerEnabled)
		}, log)
		if err != nil {
			return fmt.Errorf("create config watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("start config watcher: %w", err)
		}
		defer watcher.Stop()
	}

	srv := newHTTPServer(cfg, rtr, bal, rec, store)

	log.Info("soundlabd started",
		slog.String("version", version),
		slog.Int("http_port", cfg.Telemetry.PrometheusPort),
		slog.Int("feeds", len(feeds)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	log.Info("soundlabd stopped")
	return err
}

func newHTTPServer(cfg config.File, rtr *router.Router, bal *balancer.Balancer, rec *recorder.Recorder, store *presets.Store) *http.Server {
	mux := http.NewServeMux()

	if h := telemetry.MetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"router":   rtr.Status(),
			"balancer": bal.Statistics(),
			"recorder": rec.Status(),
		})
	})

	if store != nil {
		mux.HandleFunc("/presets", func(w http.ResponseWriter, r *http.Request) {
			list, err := store.Search(r.Context(), r.URL.Query().Get("q"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(list)
		})
	}

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Telemetry.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// -----------------------------------------------------------------------------
// Stream taps
// -----------------------------------------------------------------------------

// phiTap bridges router notifications into the recorder's phi stream.
type phiTap struct {
	rec *recorder.Recorder

	mu       sync.Mutex
	source   string
	fallback bool
}

func (t *phiTap) OnStatusChange(st router.Status) {
	t.mu.Lock()
	t.source = st.ActiveSource
	t.fallback = st.FallbackActive
	t.mu.Unlock()
}

func (t *phiTap) OnPhiUpdate(value, phase float64) {
	t.mu.Lock()
	source, fallback := t.source, t.fallback
	t.mu.Unlock()

	t.rec.RecordPhi(frame.PhiFrame{
		Value:    value,
		Phase:    phase,
		Source:   source,
		Fallback: fallback,
	})
}

// balanceTap bridges balancer updates into the recorder's control
// stream as discrete events.
type balanceTap struct {
	rec *recorder.Recorder
}

func (t *balanceTap) OnBalanceUpdate(u balancer.Update) {
	sum := 0.0
	for i := 0; i < balancer.NumChannels; i++ {
		for j := 0; j < balancer.NumChannels; j++ {
			sum += u.Coupling[i][j]
		}
	}
	mean := sum / (balancer.NumChannels * (balancer.NumChannels - 1))

	t.rec.RecordControl(frame.ControlEvent{
		Type:  "balance_update",
		Param: "mean_coupling",
		Value: mean,
	})
}
