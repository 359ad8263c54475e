// Copyright (C) 2025 SoundLab Audio (dev@soundlab-audio.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package balancer implements adaptive coupling and amplitude control
// that holds the engine's stability metric near its target.
//
// The balancer owns an 8x8 inter-channel coupling matrix (zero diagonal,
// no self-coupling) and a per-channel amplitude vector. On each accepted
// metrics pass it nudges the off-diagonal coupling by a control law
// driven by the smoothed stability error and the sign of the coherence
// trend, renormalizes rows to preserve total coupling strength, and
// adjusts amplitudes against a per-channel energy proxy. Two safety
// overrides bound the system: hypersync (runaway synchronization) damps
// coupling multiplicatively, coma (collapse) boosts it.
//
// Process is designed for a single writer (the metrics pipeline);
// Statistics, State and Export may be called concurrently from other
// goroutines.
package balancer

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/soundlab-audio/soundlab/services/soundcore/telemetry"
)

// NumChannels is the fixed channel count of the coupling network.
const NumChannels = 8

// maxLogEntries bounds the in-memory metric history kept for Export and
// Statistics. On overflow the older half is discarded.
const maxLogEntries = 4096

// minEffectiveDelta is the dead zone below which coupling and amplitude
// changes are not worth propagating downstream.
const minEffectiveDelta = 0.001

// Matrix is a square coupling matrix. Being an array type it copies by
// value, so snapshots handed to observers are defensive by construction.
type Matrix [NumChannels][NumChannels]float64

// Vector is a per-channel value array.
type Vector [NumChannels]float64

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config controls the balancer. Use DefaultConfig() for production
// defaults.
type Config struct {
	// Beta is the coupling control gain.
	Beta float64 `yaml:"beta" validate:"gte=0,lte=1"`

	// DeltaAmplitude is the amplitude adjustment gain.
	DeltaAmplitude float64 `yaml:"delta_amplitude" validate:"gte=0,lte=1"`

	// Target is the stability metric setpoint.
	Target float64 `yaml:"target" validate:"gt=0"`

	// CriticalityMin/Max bound the acceptable operating range around the
	// target; time spent inside it is the primary success measure.
	CriticalityMin float64 `yaml:"criticality_min" validate:"gt=0"`
	CriticalityMax float64 `yaml:"criticality_max" validate:"gtfield=CriticalityMin"`

	// CouplingMin/Max clamp every matrix entry.
	CouplingMin float64 `yaml:"coupling_min" validate:"gte=0"`
	CouplingMax float64 `yaml:"coupling_max" validate:"gtfield=CouplingMin"`

	// AmplitudeMin/Max clamp every amplitude.
	AmplitudeMin float64 `yaml:"amplitude_min" validate:"gte=0"`
	AmplitudeMax float64 `yaml:"amplitude_max" validate:"gtfield=AmplitudeMin"`

	// HypersyncThreshold triggers the coupling-damping override when the
	// raw metric exceeds it.
	HypersyncThreshold float64 `yaml:"hypersync_threshold" validate:"gt=0"`

	// ComaThreshold triggers the coupling-boosting override when the raw
	// metric falls below it.
	ComaThreshold float64 `yaml:"coma_threshold" validate:"gte=0"`

	// UpdateInterval rate-limits Process. Zero disables the limit.
	UpdateInterval time.Duration `yaml:"update_interval" validate:"gte=0"`

	// SmoothingWindow is the moving-average length for both input
	// metrics. 30 samples is 3 s at the 10 Hz update rate.
	SmoothingWindow int `yaml:"smoothing_window" validate:"gte=2"`

	// LogInterval is the cadence of periodic stats logging.
	LogInterval time.Duration `yaml:"log_interval" validate:"gte=0"`
}

// DefaultConfig returns production defaults: 10 Hz updates, 3 s
// smoothing, unit coupling and amplitude bounds.
func DefaultConfig() Config {
	return Config{
		Beta:               0.1,
		DeltaAmplitude:     0.05,
		Target:             1.0,
		CriticalityMin:     0.95,
		CriticalityMax:     1.05,
		CouplingMin:        0.0,
		CouplingMax:        1.0,
		AmplitudeMin:       0.0,
		AmplitudeMax:       1.0,
		HypersyncThreshold: 1.1,
		ComaThreshold:      0.4,
		UpdateInterval:     100 * time.Millisecond,
		SmoothingWindow:    30,
		LogInterval:        time.Second,
	}
}

// Override scale factors. Hypersync damps coupling toward independence,
// coma boosts it toward entrainment; both re-clamp afterwards.
const (
	hypersyncScale = 0.95
	comaScale      = 1.05
)

// -----------------------------------------------------------------------------
// Observers & snapshots
// -----------------------------------------------------------------------------

// Update is one batched coupling/amplitude change delivered to
// observers. Fields are value copies; observers may retain them.
type Update struct {
	Coupling   Matrix
	Amplitudes Vector
}

// BalanceObserver receives batched updates after each applied pass.
// Callbacks run outside the balancer lock; a panic in one observer is
// recovered and logged.
type BalanceObserver interface {
	OnBalanceUpdate(Update)
}

// State is a point-in-time snapshot of the control state.
type State struct {
	Enabled            bool    `json:"enabled"`
	Criticality        float64 `json:"criticality"`
	Coherence          float64 `json:"coherence"`
	CriticalityError   float64 `json:"criticality_error"`
	CouplingAdjustment float64 `json:"coupling_adjustment"`
	Coupling           Matrix  `json:"coupling_matrix"`
	Amplitudes         Vector  `json:"amplitudes"`
	Recovering         bool    `json:"recovering"`
}

// Statistics summarizes balancer performance since the last enable.
type Statistics struct {
	Enabled          bool          `json:"enabled"`
	CriticalityMean  float64       `json:"criticality_mean"`
	CriticalityStd   float64       `json:"criticality_std"`
	InRangePercent   float64       `json:"in_range_percent"`
	InRangeCount     int           `json:"in_range_count"`
	TotalCount       int           `json:"total_count"`
	Recovering       bool          `json:"recovering"`
	RecoveryCount    int           `json:"recovery_count"`
	AvgRecoveryTime  time.Duration `json:"avg_recovery_time"`
	MaxRecoveryTime  time.Duration `json:"max_recovery_time"`
	HypersyncCount   int           `json:"hypersync_count"`
	ComaCount        int           `json:"coma_count"`
	CriticalityError float64       `json:"criticality_error"`
}

// Export is the time-series history for offline analysis.
type Export struct {
	Timestamps    []time.Time     `json:"timestamps"`
	Criticality   []float64       `json:"criticality"`
	RecoveryTimes []time.Duration `json:"recovery_times"`
}

// -----------------------------------------------------------------------------
// Balancer
// -----------------------------------------------------------------------------

// Balancer holds the coupling network and its control state.
//
// Thread Safety: Process expects a single writer; read methods are safe
// from any goroutine.
type Balancer struct {
	cfg     Config
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu         sync.Mutex
	enabled    bool
	coupling   Matrix
	amplitudes Vector

	critHistory []float64
	cohHistory  []float64

	critSmooth          float64
	cohSmooth           float64
	prevCoherence       float64
	coherenceDerivative float64
	criticalityError    float64
	couplingAdjustment  float64

	lastUpdate time.Time
	lastLog    time.Time

	inRangeCount   int
	totalCount     int
	hypersyncCount int
	comaCount      int

	recovering    bool
	recoveryStart time.Time
	recoveryTimes []time.Duration

	critLog  []float64
	logTimes []time.Time

	observers []BalanceObserver

	// now is swappable for tests.
	now func() time.Time
}

// New creates a disabled Balancer with the initial network: 0.1 coupling
// off-diagonal, zero diagonal, 0.5 amplitudes. logger and metrics may be
// nil.
func New(cfg Config, logger *slog.Logger, metrics *telemetry.Metrics) *Balancer {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Balancer{
		cfg:        cfg,
		logger:     logger.With(slog.String("subsystem", "balancer")),
		metrics:    metrics,
		critSmooth: 1.0,
		now:        time.Now,
	}
	for i := 0; i < NumChannels; i++ {
		b.amplitudes[i] = 0.5
		for j := 0; j < NumChannels; j++ {
			if i != j {
				b.coupling[i][j] = 0.1
			}
		}
	}
	b.lastUpdate = b.now()
	return b
}

// Subscribe adds an observer for batched updates.
func (b *Balancer) Subscribe(o BalanceObserver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// SetEnabled toggles the balancer. Idempotent: setting the current value
// is a no-op. Enabling resets the rate limiter, performance counters and
// recovery state so a fresh run starts clean.
func (b *Balancer) SetEnabled(enabled bool) {
	b.mu.Lock()
	if b.enabled == enabled {
		b.mu.Unlock()
		return
	}
	b.enabled = enabled
	if enabled {
		b.lastUpdate = b.now()
		b.inRangeCount = 0
		b.totalCount = 0
		b.recovering = false
		b.critHistory = b.critHistory[:0]
		b.cohHistory = b.cohHistory[:0]
		b.prevCoherence = 0
	}
	b.mu.Unlock()

	b.logger.Info("balancer toggled", slog.Bool("enabled", enabled))
}

// SetGains retunes the control gains and target at runtime. Values
// outside [0,1] gains or a non-positive target are ignored field by
// field. Used by config hot-reload.
func (b *Balancer) SetGains(beta, deltaAmplitude, target float64) {
	b.mu.Lock()
	if beta >= 0 && beta <= 1 {
		b.cfg.Beta = beta
	}
	if deltaAmplitude >= 0 && deltaAmplitude <= 1 {
		b.cfg.DeltaAmplitude = deltaAmplitude
	}
	if target > 0 {
		b.cfg.Target = target
	}
	beta, deltaAmplitude, target = b.cfg.Beta, b.cfg.DeltaAmplitude, b.cfg.Target
	b.mu.Unlock()

	b.logger.Info("gains updated",
		slog.Float64("beta", beta),
		slog.Float64("delta_amplitude", deltaAmplitude),
		slog.Float64("target", target),
	)
}

// Process accepts one metrics pass and applies the control law.
//
// Description:
//
//	Gates in order: disabled, rate limit, (0,0) invalid-metrics
//	sentinel, insufficient smoothing history. Past the gates it smooths
//	both inputs, runs coupling and amplitude balancing on the smoothed
//	values, applies hypersync/coma overrides on the raw metric, and
//	notifies observers with a batched copy when anything changed.
//
// Inputs:
//
//	criticality - Raw stability metric from the engine.
//	coherence - Raw phase coherence from the engine.
//
// Outputs:
//
//	bool - True if an update was applied this pass.
//
// Thread Safety: single writer.
func (b *Balancer) Process(criticality, coherence float64) bool {
	b.mu.Lock()

	if !b.enabled {
		b.mu.Unlock()
		return false
	}

	now := b.now()
	if b.cfg.UpdateInterval > 0 && now.Sub(b.lastUpdate) < b.cfg.UpdateInterval {
		b.mu.Unlock()
		return false
	}

	// The engine emits (0,0) before its analysis window fills.
	if criticality == 0 && coherence == 0 {
		b.mu.Unlock()
		b.logger.Warn("invalid metrics, skipping update")
		return false
	}

	b.critHistory = appendBounded(b.critHistory, criticality, b.cfg.SmoothingWindow)
	b.cohHistory = appendBounded(b.cohHistory, coherence, b.cfg.SmoothingWindow)

	if len(b.critHistory) < 2 {
		// Not enough history for a derivative yet; seed the trend base.
		b.prevCoherence = mean(b.cohHistory)
		b.mu.Unlock()
		return false
	}

	b.critSmooth = mean(b.critHistory)
	b.cohSmooth = mean(b.cohHistory)

	dt := now.Sub(b.lastUpdate).Seconds()
	if dt <= 0 {
		dt = 1e-6
	}
	b.lastUpdate = now

	updated := b.applyBalancing(b.critSmooth, b.cohSmooth, criticality, dt)
	b.trackPerformance(criticality, now)

	var (
		notify bool
		update Update
		obs    []BalanceObserver
	)
	if updated {
		notify = true
		update = Update{Coupling: b.coupling, Amplitudes: b.amplitudes}
		obs = append(obs, b.observers...)
	}

	logStats := b.cfg.LogInterval > 0 && now.Sub(b.lastLog) >= b.cfg.LogInterval
	if logStats {
		b.lastLog = now
	}
	var stats Statistics
	if logStats {
		stats = b.statisticsLocked()
	}
	b.mu.Unlock()

	if updated {
		b.metrics.AddBalancerUpdate()
	}
	if logStats {
		b.logger.Debug("balancer stats",
			slog.Float64("criticality_mean", stats.CriticalityMean),
			slog.Float64("in_range_percent", stats.InRangePercent),
			slog.Int("recoveries", stats.RecoveryCount),
		)
	}
	if notify {
		b.notify(obs, update)
	}
	return updated
}

// -----------------------------------------------------------------------------
// Control law
// -----------------------------------------------------------------------------

// applyBalancing runs one control pass. critSmooth/cohSmooth drive the
// control law; raw drives the safety overrides so a genuine excursion is
// never hidden by the moving average. Caller must hold b.mu.
func (b *Balancer) applyBalancing(critSmooth, cohSmooth, raw, dt float64) bool {
	updated := false

	b.coherenceDerivative = (cohSmooth - b.prevCoherence) / dt
	b.prevCoherence = cohSmooth

	b.criticalityError = b.cfg.Target - critSmooth

	// Δc = β × (target − criticality) × sign(d coherence/dt)
	delta := b.cfg.Beta * b.criticalityError * sign(b.coherenceDerivative)
	b.couplingAdjustment = delta

	if math.Abs(delta) > minEffectiveDelta {
		for i := 0; i < NumChannels; i++ {
			for j := 0; j < NumChannels; j++ {
				if i == j {
					continue
				}
				b.coupling[i][j] = clamp(b.coupling[i][j]+delta, b.cfg.CouplingMin, b.cfg.CouplingMax)
			}
		}
		b.renormalizeRows()
		updated = true
	}

	// Amplitude balancing: damp high-energy channels, boost low-energy
	// ones, using coupling row sums as the energy proxy.
	var rowSums Vector
	total := 0.0
	for i := 0; i < NumChannels; i++ {
		for j := 0; j < NumChannels; j++ {
			rowSums[i] += b.coupling[i][j]
		}
		total += rowSums[i]
	}
	meanEnergy := total / NumChannels

	if meanEnergy > 0 {
		next := b.amplitudes
		maxChange := 0.0
		for i := 0; i < NumChannels; i++ {
			ratio := rowSums[i] / meanEnergy
			next[i] = clamp(next[i]+b.cfg.DeltaAmplitude*(1.0-ratio)*dt,
				b.cfg.AmplitudeMin, b.cfg.AmplitudeMax)
			if c := math.Abs(next[i] - b.amplitudes[i]); c > maxChange {
				maxChange = c
			}
		}
		if maxChange > minEffectiveDelta {
			b.amplitudes = next
			updated = true
		}
	}

	if raw > b.cfg.HypersyncThreshold {
		b.scaleCoupling(hypersyncScale)
		b.hypersyncCount++
		b.metrics.AddHypersync()
		b.logger.Warn("hypersync detected, damping coupling",
			slog.Float64("criticality", raw))
		updated = true
	}
	if raw < b.cfg.ComaThreshold {
		b.scaleCoupling(comaScale)
		b.comaCount++
		b.metrics.AddComa()
		b.logger.Warn("coma detected, boosting coupling",
			slog.Float64("criticality", raw))
		updated = true
	}

	return updated
}

// renormalizeRows rescales each row to the mean post-clamp row sum so
// total coupling strength is preserved across adjustments, then
// re-clamps to keep the bound invariant. The diagonal stays zero under
// scaling.
func (b *Balancer) renormalizeRows() {
	var rowSums Vector
	total := 0.0
	for i := 0; i < NumChannels; i++ {
		for j := 0; j < NumChannels; j++ {
			rowSums[i] += b.coupling[i][j]
		}
		if rowSums[i] == 0 {
			rowSums[i] = 1.0
		}
		total += rowSums[i]
	}
	target := total / NumChannels

	for i := 0; i < NumChannels; i++ {
		scale := target / rowSums[i]
		for j := 0; j < NumChannels; j++ {
			if i == j {
				b.coupling[i][j] = 0
				continue
			}
			b.coupling[i][j] = clamp(b.coupling[i][j]*scale, b.cfg.CouplingMin, b.cfg.CouplingMax)
		}
	}
}

// scaleCoupling multiplies every off-diagonal entry and re-clamps.
func (b *Balancer) scaleCoupling(factor float64) {
	for i := 0; i < NumChannels; i++ {
		for j := 0; j < NumChannels; j++ {
			if i == j {
				continue
			}
			b.coupling[i][j] = clamp(b.coupling[i][j]*factor, b.cfg.CouplingMin, b.cfg.CouplingMax)
		}
	}
}

// trackPerformance updates in-range and recovery bookkeeping on the raw
// metric. Caller must hold b.mu.
func (b *Balancer) trackPerformance(raw float64, now time.Time) {
	inRange := raw >= b.cfg.CriticalityMin && raw <= b.cfg.CriticalityMax

	b.totalCount++
	if inRange {
		b.inRangeCount++
	}

	outOfRange := !inRange && math.Abs(b.criticalityError) > 0.1
	switch {
	case outOfRange && !b.recovering:
		b.recovering = true
		b.recoveryStart = now
		b.logger.Warn("imbalance detected", slog.Float64("criticality", raw))
	case b.recovering && inRange:
		d := now.Sub(b.recoveryStart)
		b.recoveryTimes = append(b.recoveryTimes, d)
		b.recovering = false
		b.logger.Info("recovered", slog.Duration("recovery_time", d))
	}

	if len(b.critLog) >= maxLogEntries {
		half := maxLogEntries / 2
		b.critLog = append(b.critLog[:0], b.critLog[half:]...)
		b.logTimes = append(b.logTimes[:0], b.logTimes[half:]...)
	}
	b.critLog = append(b.critLog, raw)
	b.logTimes = append(b.logTimes, now)
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// State returns a snapshot of the control state.
func (b *Balancer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		Enabled:            b.enabled,
		Criticality:        b.critSmooth,
		Coherence:          b.cohSmooth,
		CriticalityError:   b.criticalityError,
		CouplingAdjustment: b.couplingAdjustment,
		Coupling:           b.coupling,
		Amplitudes:         b.amplitudes,
		Recovering:         b.recovering,
	}
}

// Statistics returns performance statistics since the last enable.
func (b *Balancer) Statistics() Statistics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statisticsLocked()
}

func (b *Balancer) statisticsLocked() Statistics {
	s := Statistics{
		Enabled:          b.enabled,
		InRangeCount:     b.inRangeCount,
		TotalCount:       b.totalCount,
		Recovering:       b.recovering,
		RecoveryCount:    len(b.recoveryTimes),
		HypersyncCount:   b.hypersyncCount,
		ComaCount:        b.comaCount,
		CriticalityError: b.criticalityError,
	}
	if b.totalCount > 0 {
		s.InRangePercent = float64(b.inRangeCount) / float64(b.totalCount) * 100
	}
	if len(b.critLog) > 0 {
		s.CriticalityMean = mean(b.critLog)
		s.CriticalityStd = stddev(b.critLog, s.CriticalityMean)
	}
	for _, d := range b.recoveryTimes {
		s.AvgRecoveryTime += d
		if d > s.MaxRecoveryTime {
			s.MaxRecoveryTime = d
		}
	}
	if n := len(b.recoveryTimes); n > 0 {
		s.AvgRecoveryTime /= time.Duration(n)
	}
	return s
}

// ExportLogs returns the time-series history for offline analysis. The
// returned slices are copies.
func (b *Balancer) ExportLogs() Export {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Export{
		Timestamps:    append([]time.Time(nil), b.logTimes...),
		Criticality:   append([]float64(nil), b.critLog...),
		RecoveryTimes: append([]time.Duration(nil), b.recoveryTimes...),
	}
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

func (b *Balancer) notify(obs []BalanceObserver, u Update) {
	for _, o := range obs {
		func() {
			defer func() {
				if p := recover(); p != nil {
					b.logger.Error("balance observer panic", slog.Any("panic", p))
				}
			}()
			o.OnBalanceUpdate(u)
		}()
	}
}

// appendBounded appends v, discarding the oldest entry once the window
// is full.
func appendBounded(s []float64, v float64, window int) []float64 {
	if len(s) >= window && window > 0 {
		copy(s, s[1:])
		s = s[:len(s)-1]
	}
	return append(s, v)
}

func mean(s []float64) float64 {
	if len(s) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range s {
		sum += v
	}
	return sum / float64(len(s))
}

func stddev(s []float64, m float64) float64 {
	if len(s) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range s {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(s)))
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
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
