// Copyright (C) 2025 SoundLab Audio (dev@soundlab-audio.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package router selects one active control-parameter source among any
// number of registered sensor sources, normalizes its value into the
// golden-ratio control band, and degrades to a fixed fallback value when
// every source goes silent.
//
// The router is the first stage of the control plane: sensor adapters
// call Register/Ingest/Unregister, and downstream consumers (audio
// engine, recorder) subscribe to value and status notifications.
//
// # Concurrency
//
// All state is guarded by a single mutex. The ingest path is O(1) under
// a short-held lock and never blocks. Observer callbacks are invoked
// strictly after the lock is released, so an observer may re-enter the
// router without deadlocking. A watchdog goroutine enforces the fallback
// guarantee independently of ingest traffic.
package router

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/soundlab-audio/soundlab/services/soundcore/frame"
	"github.com/soundlab-audio/soundlab/services/soundcore/telemetry"
)

// Control band bounds. The band spans the reciprocal golden ratio to the
// golden ratio; every accepted value is clamped into it.
const (
	PhiMin = 0.618033988749895
	PhiMax = 1.618033988749895
)

// ManualSource is the reserved source name installed by SetManual.
const ManualSource = "manual"

const twoPi = 2 * math.Pi

// -----------------------------------------------------------------------------
// Priorities
// -----------------------------------------------------------------------------

// SourcePriority orders sources for automatic selection. Higher wins.
// The eight levels are distinct by construction, so selection never ties.
type SourcePriority int

const (
	PriorityInternal SourcePriority = iota + 1
	PriorityMicrophone
	PriorityAudioBeat
	PriorityMIDI
	PrioritySerial
	PriorityBiometric
	PriorityWebSocket
	PriorityManual
)

// String returns the lowercase priority name.
func (p SourcePriority) String() string {
	switch p {
	case PriorityInternal:
		return "internal"
	case PriorityMicrophone:
		return "microphone"
	case PriorityAudioBeat:
		return "audio_beat"
	case PriorityMIDI:
		return "midi"
	case PrioritySerial:
		return "serial"
	case PriorityBiometric:
		return "biometric"
	case PriorityWebSocket:
		return "websocket"
	case PriorityManual:
		return "manual"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config controls router behavior. Use DefaultConfig() for production
// defaults.
type Config struct {
	// FallbackTimeout is the liveness window: a source whose last sample
	// is older than this is ignored by selection, and the watchdog
	// engages fallback when the active source exceeds it.
	FallbackTimeout time.Duration `yaml:"fallback_timeout" validate:"gt=0"`

	// FallbackPhi is the control value forced while in fallback mode.
	FallbackPhi float64 `yaml:"fallback_phi" validate:"gte=0.618033988749895,lte=1.618033988749895"`

	// WatchdogInterval is the cadence of the liveness check.
	WatchdogInterval time.Duration `yaml:"watchdog_interval" validate:"gt=0"`

	// PhaseGain scales phase advancement per accepted sample.
	PhaseGain float64 `yaml:"phase_gain" validate:"gte=0"`

	// EnableAutoSwitch runs source selection on every ingest. When false,
	// only the watchdog's selection pass can switch sources.
	EnableAutoSwitch bool `yaml:"enable_auto_switch"`
}

// DefaultConfig returns production defaults: 2 s liveness window, 500 ms
// watchdog cadence, neutral fallback value.
func DefaultConfig() Config {
	return Config{
		FallbackTimeout:  2 * time.Second,
		FallbackPhi:      1.0,
		WatchdogInterval: 500 * time.Millisecond,
		PhaseGain:        0.1,
		EnableAutoSwitch: true,
	}
}

// -----------------------------------------------------------------------------
// Observers
// -----------------------------------------------------------------------------

// ValueObserver receives control-parameter updates. Implementations may
// re-enter the router; callbacks run outside the router lock. A panic in
// one observer is recovered and logged without affecting the others.
type ValueObserver interface {
	OnPhiUpdate(value, phase float64)
}

// StatusObserver receives status changes (source switch, fallback).
type StatusObserver interface {
	OnStatusChange(status Status)
}

// Status is a point-in-time snapshot of the router.
type Status struct {
	Timestamp      time.Time `json:"timestamp"`
	ActiveSource   string    `json:"active_source"`
	PhiValue       float64   `json:"phi_value"`
	PhiPhase       float64   `json:"phi_phase"`
	FallbackActive bool      `json:"fallback_active"`
	LastUpdate     time.Time `json:"last_update"`
	SourceCount    int       `json:"source_count"`
	UpdateRateHz   float64   `json:"update_rate_hz"`
}

// -----------------------------------------------------------------------------
// Router
// -----------------------------------------------------------------------------

// sourceEntry tracks one registered source. lastUpdate stays zero until
// the first ingest, which counts as stale for selection purposes.
type sourceEntry struct {
	priority   SourcePriority
	last       frame.Sample
	lastUpdate time.Time
}

// Router manages multiple control-parameter sources with automatic
// priority selection and watchdog-driven fallback.
//
// Thread Safety: safe for concurrent use from any number of goroutines.
type Router struct {
	cfg     Config
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu             sync.Mutex
	sources        map[string]*sourceEntry
	activeSource   string
	currentPhi     float64
	currentPhase   float64
	fallbackActive bool

	valueObservers  []ValueObserver
	statusObservers []StatusObserver

	ingestCount  int
	lastRateRead time.Time
	updateRateHz float64

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Router. logger may be nil (falls back to slog.Default),
// metrics may be nil (telemetry disabled).
func New(cfg Config, logger *slog.Logger, metrics *telemetry.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:          cfg,
		logger:       logger.With(slog.String("subsystem", "phi_router")),
		metrics:      metrics,
		sources:      make(map[string]*sourceEntry),
		currentPhi:   1.0,
		now:          time.Now,
		lastRateRead: time.Now(),
	}
}

// Start launches the watchdog. Idempotent.
func (r *Router) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	r.wg.Add(1)
	go r.watchdogLoop(stopCh)

	r.logger.Info("router started",
		slog.Duration("fallback_timeout", r.cfg.FallbackTimeout),
		slog.Duration("watchdog_interval", r.cfg.WatchdogInterval),
	)
}

// Stop signals the watchdog and waits for it to exit. Idempotent.
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stopCh := r.stopCh
	r.mu.Unlock()

	close(stopCh)
	r.wg.Wait()
	r.logger.Info("router stopped")
}

// Subscribe adds a value observer.
func (r *Router) Subscribe(o ValueObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.valueObservers = append(r.valueObservers, o)
}

// SubscribeStatus adds a status observer.
func (r *Router) SubscribeStatus(o StatusObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusObservers = append(r.statusObservers, o)
}

// Register adds a source at the given priority. Idempotent: registering
// an existing source is a no-op. The new entry starts with a neutral
// placeholder sample and a zero last-update time, so it counts as stale
// until its first ingest.
func (r *Router) Register(sourceID string, priority SourcePriority) {
	r.mu.Lock()
	if _, ok := r.sources[sourceID]; ok {
		r.mu.Unlock()
		return
	}
	r.sources[sourceID] = &sourceEntry{
		priority: priority,
		last: frame.Sample{
			SourceID:        sourceID,
			NormalizedValue: 1.0,
			Timestamp:       r.now(),
		},
	}
	r.mu.Unlock()

	r.logger.Info("source registered",
		slog.String("source_id", sourceID),
		slog.String("priority", priority.String()),
	)
}

// Unregister removes a source. If it was active, a selection pass runs
// immediately; if no live source remains, the watchdog's next liveness
// check decides fallback.
func (r *Router) Unregister(sourceID string) {
	var (
		switched bool
		status   Status
		obs      []StatusObserver
	)

	r.mu.Lock()
	if _, ok := r.sources[sourceID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sources, sourceID)
	if r.activeSource == sourceID {
		switched = r.selectActiveLocked(r.now())
		if switched {
			status = r.statusLocked()
			obs = append(obs, r.statusObservers...)
		}
	}
	r.mu.Unlock()

	r.logger.Info("source unregistered", slog.String("source_id", sourceID))
	if switched {
		r.notifyStatus(obs, status)
	}
}

// Ingest accepts a sample from a registered source. Unknown sources are
// logged and ignored. When the sample's source is (or becomes) the
// active source, the value is clamped into [PhiMin, PhiMax], the phase
// advances proportionally to the value's distance from 1.0, and
// fallback mode is cleared.
func (r *Router) Ingest(sourceID string, s frame.Sample) {
	var (
		notifyValue  bool
		value, phase float64
		switched     bool
		status       Status
		valueObs     []ValueObserver
		statusObs    []StatusObserver
	)

	r.mu.Lock()
	entry, ok := r.sources[sourceID]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("ingest from unknown source", slog.String("source_id", sourceID))
		return
	}

	now := r.now()
	entry.last = s
	entry.lastUpdate = now
	r.ingestCount++

	if r.cfg.EnableAutoSwitch {
		switched = r.selectActiveLocked(now)
	}

	if r.activeSource == sourceID {
		value = clamp(s.NormalizedValue, PhiMin, PhiMax)
		r.currentPhi = value
		r.currentPhase = wrapPhase(r.currentPhase + (value-1.0)*r.cfg.PhaseGain)
		r.fallbackActive = false
		phase = r.currentPhase
		notifyValue = true
	}

	if switched {
		status = r.statusLocked()
		statusObs = append(statusObs, r.statusObservers...)
	}
	if notifyValue {
		valueObs = append(valueObs, r.valueObservers...)
	}
	r.mu.Unlock()

	r.metrics.AddIngested(sourceID)
	if switched {
		r.notifyStatus(statusObs, status)
	}
	if notifyValue {
		r.notifyValue(valueObs, value, phase)
	}
}

// SetManual bypasses selection entirely: the value is clamped into the
// control band, the phase is set directly (wrapped), the active source
// becomes "manual", and fallback is cleared. Other sources keep updating
// the registry and may win future selection passes.
func (r *Router) SetManual(value, phase float64) {
	r.mu.Lock()
	r.currentPhi = clamp(value, PhiMin, PhiMax)
	r.currentPhase = wrapPhase(phase)
	r.activeSource = ManualSource
	r.fallbackActive = false
	v, p := r.currentPhi, r.currentPhase
	obs := append([]ValueObserver(nil), r.valueObservers...)
	r.mu.Unlock()

	r.notifyValue(obs, v, p)
}

// SetFallback retunes the fallback value and liveness window at
// runtime. The fallback value is clamped into the control band. Used by
// config hot-reload.
func (r *Router) SetFallback(phi float64, timeout time.Duration) {
	r.mu.Lock()
	r.cfg.FallbackPhi = clamp(phi, PhiMin, PhiMax)
	if timeout > 0 {
		r.cfg.FallbackTimeout = timeout
	}
	phi = r.cfg.FallbackPhi
	timeout = r.cfg.FallbackTimeout
	r.mu.Unlock()

	r.logger.Info("fallback settings updated",
		slog.Float64("fallback_phi", phi),
		slog.Duration("fallback_timeout", timeout),
	)
}

// CurrentPhi returns the current control value and phase.
func (r *Router) CurrentPhi() (value, phase float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentPhi, r.currentPhase
}

// Status returns a snapshot of the router. Reading the status also
// samples the ingest rate since the previous read.
func (r *Router) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if elapsed := now.Sub(r.lastRateRead); elapsed > 0 {
		r.updateRateHz = float64(r.ingestCount) / elapsed.Seconds()
		r.ingestCount = 0
		r.lastRateRead = now
	}
	return r.statusLocked()
}

// -----------------------------------------------------------------------------
// Selection & Watchdog
// -----------------------------------------------------------------------------

// selectActiveLocked picks the highest-priority source whose last update
// is within the liveness window. Returns true if the active source
// changed. If no source qualifies the active source is left unchanged;
// the watchdog's liveness check decides fallback.
//
// Caller must hold r.mu.
func (r *Router) selectActiveLocked(now time.Time) bool {
	best := ""
	var bestPriority SourcePriority
	for id, e := range r.sources {
		if e.lastUpdate.IsZero() || now.Sub(e.lastUpdate) > r.cfg.FallbackTimeout {
			continue
		}
		if best == "" || e.priority > bestPriority {
			best = id
			bestPriority = e.priority
		}
	}
	if best == "" || best == r.activeSource {
		return false
	}

	r.logger.Info("switching active source",
		slog.String("from", r.activeSource),
		slog.String("to", best),
	)
	r.activeSource = best
	r.metrics.AddSwitch()
	return true
}

// watchdogLoop runs the liveness check on a fixed cadence, independent
// of ingest traffic. This bounds the time to reach a safe state when
// producers stop entirely.
func (r *Router) watchdogLoop(stopCh <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.WatchdogInterval)
	defer ticker.Stop()

	r.logger.Debug("watchdog started")
	for {
		select {
		case <-stopCh:
			r.logger.Debug("watchdog stopped")
			return
		case <-ticker.C:
			r.checkLiveness()
		}
	}
}

// checkLiveness is one watchdog pass: run selection (covers unregistered
// or newly-live sources without ingest traffic), then engage fallback if
// the active source is stale.
func (r *Router) checkLiveness() {
	var (
		switched     bool
		enterFB      bool
		value, phase float64
		status       Status
		valueObs     []ValueObserver
		statusObs    []StatusObserver
	)

	r.mu.Lock()
	now := r.now()
	switched = r.selectActiveLocked(now)

	entry, ok := r.sources[r.activeSource]
	stale := !ok || entry.lastUpdate.IsZero() || now.Sub(entry.lastUpdate) > r.cfg.FallbackTimeout
	if stale && !r.fallbackActive {
		r.fallbackActive = true
		r.currentPhi = r.cfg.FallbackPhi
		value, phase = r.currentPhi, r.currentPhase
		enterFB = true
	}

	if switched || enterFB {
		status = r.statusLocked()
		statusObs = append(statusObs, r.statusObservers...)
	}
	if enterFB {
		valueObs = append(valueObs, r.valueObservers...)
	}
	r.mu.Unlock()

	if enterFB {
		r.logger.Warn("active source timed out, entering fallback",
			slog.String("source_id", status.ActiveSource),
			slog.Float64("fallback_phi", value),
		)
		r.metrics.AddFallback()
		r.notifyValue(valueObs, value, phase)
	}
	if switched || enterFB {
		r.notifyStatus(statusObs, status)
	}
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

// statusLocked builds a Status snapshot. Caller must hold r.mu.
func (r *Router) statusLocked() Status {
	var lastUpdate time.Time
	if e, ok := r.sources[r.activeSource]; ok {
		lastUpdate = e.lastUpdate
	}
	return Status{
		Timestamp:      r.now(),
		ActiveSource:   r.activeSource,
		PhiValue:       r.currentPhi,
		PhiPhase:       r.currentPhase,
		FallbackActive: r.fallbackActive,
		LastUpdate:     lastUpdate,
		SourceCount:    len(r.sources),
		UpdateRateHz:   r.updateRateHz,
	}
}

// notifyValue invokes value observers outside the lock. A panicking
// observer never blocks the others or crashes the router.
func (r *Router) notifyValue(obs []ValueObserver, value, phase float64) {
	for _, o := range obs {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("value observer panic", slog.Any("panic", p))
				}
			}()
			o.OnPhiUpdate(value, phase)
		}()
	}
}

// notifyStatus invokes status observers outside the lock.
func (r *Router) notifyStatus(obs []StatusObserver, status Status) {
	for _, o := range obs {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("status observer panic", slog.Any("panic", p))
				}
			}()
			o.OnStatusChange(status)
		}()
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// wrapPhase wraps into [0, 2π).
func wrapPhase(p float64) float64 {
	p = math.Mod(p, twoPi)
	if p < 0 {
		p += twoPi
	}
	return p
}
