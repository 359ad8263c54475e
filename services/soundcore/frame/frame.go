// Copyright (C) 2025 SoundLab Audio (dev@soundlab-audio.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package frame defines the value types that flow between the sensor
// adapters, the router, the balancer, and the recorder.
//
// All types here are plain data: immutable once created, safe to copy,
// and JSON-serializable. Records persisted by the recorder carry a
// Timestamp field expressed in seconds relative to session start; the
// recorder stamps it on ingest.
package frame

import "time"

// Sample is one reading produced by a sensor adapter. The adapter
// pre-normalizes RawValue into NormalizedValue by its own convention;
// the router applies the final control-band clamp on ingest.
type Sample struct {
	SourceID        string    `json:"source_id"`
	Kind            string    `json:"kind"`
	RawValue        float64   `json:"raw_value"`
	NormalizedValue float64   `json:"normalized_value"`
	Timestamp       time.Time `json:"timestamp"`
}

// Sensor kinds used by the bundled adapters. Adapters may introduce
// their own kinds; the router treats the field as opaque.
const (
	KindInternal  = "internal"
	KindMic       = "microphone"
	KindAudioBeat = "audio_beat"
	KindMIDI      = "midi_cc"
	KindSerial    = "serial"
	KindBiometric = "biometric"
	KindWebSocket = "websocket"
	KindManual    = "manual"
)

// MetricsFrame is one snapshot of the engine metrics pipeline,
// synchronized with an audio processing block.
type MetricsFrame struct {
	// Timestamp is seconds since session start. Stamped by the recorder.
	Timestamp float64 `json:"timestamp"`

	ICI              float64 `json:"ici"`
	PhaseCoherence   float64 `json:"phase_coherence"`
	SpectralCentroid float64 `json:"spectral_centroid"`
	Criticality      float64 `json:"criticality"`
	State            string  `json:"state"`

	PhiPhase  float64 `json:"phi_phase"`
	PhiDepth  float64 `json:"phi_depth"`
	PhiSource string  `json:"phi_source"`

	LatencyMS float64 `json:"latency_ms"`
	CPULoad   float64 `json:"cpu_load"`
	FrameID   uint64  `json:"frame_id"`
}

// PhiFrame is one snapshot of the router's control parameter.
type PhiFrame struct {
	// Timestamp is seconds since session start. Stamped by the recorder.
	Timestamp float64 `json:"timestamp"`

	Value    float64 `json:"value"`
	Phase    float64 `json:"phase"`
	Source   string  `json:"source"`
	Fallback bool    `json:"fallback"`
}

// ControlEvent is a discrete control action (parameter change, preset
// load, balancer toggle) recorded alongside the continuous streams.
type ControlEvent struct {
	// Timestamp is seconds since session start. Stamped by the recorder.
	Timestamp float64 `json:"timestamp"`

	Type  string  `json:"type"`
	Param string  `json:"param"`
	Value float64 `json:"value"`
}
