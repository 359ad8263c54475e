// Copyright (C) 2025 SoundLab Audio (dev@soundlab-audio.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-registered instruments for the soundcore control
// plane. All metrics use the "soundcore_" prefix.
//
// Components hold a *Metrics that may be nil; every recording method is
// nil-safe so tests and embedded users can skip telemetry entirely.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Router Metrics ---

	// SamplesIngested counts accepted sensor samples by source.
	SamplesIngested metric.Int64Counter

	// SourceSwitches counts active-source switches.
	SourceSwitches metric.Int64Counter

	// FallbackEntries counts transitions into fallback mode.
	FallbackEntries metric.Int64Counter

	// --- Balancer Metrics ---

	// BalancerUpdates counts applied coupling/amplitude updates.
	BalancerUpdates metric.Int64Counter

	// HypersyncOverrides counts hypersync safety responses.
	HypersyncOverrides metric.Int64Counter

	// ComaOverrides counts coma safety responses.
	ComaOverrides metric.Int64Counter

	// --- Recorder Metrics ---

	// RecorderRecords counts persisted records by stream.
	RecorderRecords metric.Int64Counter

	// RecorderDrops counts enqueue drops by stream.
	RecorderDrops metric.Int64Counter

	// RecorderBytes counts bytes written across all streams.
	RecorderBytes metric.Int64Counter
}

// NewMetrics registers all soundcore instruments with the provided meter.
//
// Outputs:
//
//	*Metrics - The metrics instance with all counters initialized.
//	error - Non-nil if any registration fails.
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- Router Metrics ---
	m.SamplesIngested, err = meter.Int64Counter(
		"soundcore_samples_ingested_total",
		metric.WithDescription("Accepted sensor samples"),
		metric.WithUnit("{sample}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create samples_ingested_total: %w", err)
	}

	m.SourceSwitches, err = meter.Int64Counter(
		"soundcore_source_switches_total",
		metric.WithDescription("Active source switches"),
		metric.WithUnit("{switch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create source_switches_total: %w", err)
	}

	m.FallbackEntries, err = meter.Int64Counter(
		"soundcore_fallback_entries_total",
		metric.WithDescription("Transitions into fallback mode"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create fallback_entries_total: %w", err)
	}

	// --- Balancer Metrics ---
	m.BalancerUpdates, err = meter.Int64Counter(
		"soundcore_balancer_updates_total",
		metric.WithDescription("Applied coupling/amplitude updates"),
		metric.WithUnit("{update}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create balancer_updates_total: %w", err)
	}

	m.HypersyncOverrides, err = meter.Int64Counter(
		"soundcore_hypersync_overrides_total",
		metric.WithDescription("Hypersync safety overrides"),
		metric.WithUnit("{override}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create hypersync_overrides_total: %w", err)
	}

	m.ComaOverrides, err = meter.Int64Counter(
		"soundcore_coma_overrides_total",
		metric.WithDescription("Coma safety overrides"),
		metric.WithUnit("{override}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create coma_overrides_total: %w", err)
	}

	// --- Recorder Metrics ---
	m.RecorderRecords, err = meter.Int64Counter(
		"soundcore_recorder_records_total",
		metric.WithDescription("Persisted records by stream"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create recorder_records_total: %w", err)
	}

	m.RecorderDrops, err = meter.Int64Counter(
		"soundcore_recorder_drops_total",
		metric.WithDescription("Enqueue drops by stream"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create recorder_drops_total: %w", err)
	}

	m.RecorderBytes, err = meter.Int64Counter(
		"soundcore_recorder_bytes_total",
		metric.WithDescription("Bytes written across all streams"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("create recorder_bytes_total: %w", err)
	}

	return m, nil
}

// RegisterCriticality registers an observable gauge reporting the
// balancer's smoothed stability metric. The callback is invoked on each
// scrape.
func (m *Metrics) RegisterCriticality(meter metric.Meter, read func() float64) (metric.Registration, error) {
	gauge, err := meter.Float64ObservableGauge(
		"soundcore_criticality",
		metric.WithDescription("Smoothed stability metric (1.0 = target)"),
	)
	if err != nil {
		return nil, fmt.Errorf("create criticality gauge: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveFloat64(gauge, read())
		return nil
	}, gauge)
}

// Nil-safe recording helpers. Components call these on hot paths where a
// nil *Metrics must cost nothing beyond the check.

// AddIngested records one accepted sample from the given source.
func (m *Metrics) AddIngested(source string) {
	if m == nil {
		return
	}
	m.SamplesIngested.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("source", source)))
}

// AddSwitch records one active-source switch.
func (m *Metrics) AddSwitch() {
	if m == nil {
		return
	}
	m.SourceSwitches.Add(context.Background(), 1)
}

// AddFallback records one transition into fallback mode.
func (m *Metrics) AddFallback() {
	if m == nil {
		return
	}
	m.FallbackEntries.Add(context.Background(), 1)
}

// AddBalancerUpdate records one applied balancer update.
func (m *Metrics) AddBalancerUpdate() {
	if m == nil {
		return
	}
	m.BalancerUpdates.Add(context.Background(), 1)
}

// AddHypersync records one hypersync override.
func (m *Metrics) AddHypersync() {
	if m == nil {
		return
	}
	m.HypersyncOverrides.Add(context.Background(), 1)
}

// AddComa records one coma override.
func (m *Metrics) AddComa() {
	if m == nil {
		return
	}
	m.ComaOverrides.Add(context.Background(), 1)
}

// AddRecords records persisted records on the given stream.
func (m *Metrics) AddRecords(stream string, n int64) {
	if m == nil {
		return
	}
	m.RecorderRecords.Add(context.Background(), n,
		metric.WithAttributes(attribute.String("stream", stream)))
}

// AddDrop records one enqueue drop on the given stream.
func (m *Metrics) AddDrop(stream string) {
	if m == nil {
		return
	}
	m.RecorderDrops.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("stream", stream)))
}

// AddBytes records bytes written to session storage.
func (m *Metrics) AddBytes(n int64) {
	if m == nil {
		return
	}
	m.RecorderBytes.Add(context.Background(), n)
}
