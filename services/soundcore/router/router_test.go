// Copyright (C) 2025 SoundLab Audio (dev@soundlab-audio.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package router

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundlab-audio/soundlab/services/soundcore/frame"
)

// fakeClock makes liveness deterministic without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type valueRecorder struct {
	mu     sync.Mutex
	values []float64
	phases []float64
}

func (v *valueRecorder) OnPhiUpdate(value, phase float64) {
	v.mu.Lock()
	v.values = append(v.values, value)
	v.phases = append(v.phases, phase)
	v.mu.Unlock()
}

func (v *valueRecorder) last() (float64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.values) == 0 {
		return 0, false
	}
	return v.values[len(v.values)-1], true
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (s *statusRecorder) OnStatusChange(status Status) {
	s.mu.Lock()
	s.statuses = append(s.statuses, status)
	s.mu.Unlock()
}

func (s *statusRecorder) last() (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return Status{}, false
	}
	return s.statuses[len(s.statuses)-1], true
}

func newTestRouter(clock *fakeClock) *Router {
	r := New(DefaultConfig(), nil, nil)
	if clock != nil {
		r.now = clock.Now
	}
	return r
}

func sample(source string, value float64, at time.Time) frame.Sample {
	return frame.Sample{
		SourceID:        source,
		Kind:            frame.KindBiometric,
		RawValue:        value,
		NormalizedValue: value,
		Timestamp:       at,
	}
}

func TestIngest_ClampsIntoBand(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(clock)
	r.Register("hrv", PriorityBiometric)

	r.Ingest("hrv", sample("hrv", 5.0, clock.Now()))
	v, _ := r.CurrentPhi()
	assert.Equal(t, PhiMax, v)

	r.Ingest("hrv", sample("hrv", 0.01, clock.Now()))
	v, _ = r.CurrentPhi()
	assert.Equal(t, PhiMin, v)

	r.Ingest("hrv", sample("hrv", 1.25, clock.Now()))
	v, _ = r.CurrentPhi()
	assert.Equal(t, 1.25, v)
}

func TestIngest_HigherPriorityWins(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(clock)
	r.Register("mic", PriorityMicrophone)
	r.Register("ws", PriorityWebSocket)

	r.Ingest("mic", sample("mic", 0.9, clock.Now()))
	assert.Equal(t, "mic", r.Status().ActiveSource)

	// A live higher-priority source takes over on its first sample.
	r.Ingest("ws", sample("ws", 1.1, clock.Now()))
	assert.Equal(t, "ws", r.Status().ActiveSource)
	v, _ := r.CurrentPhi()
	assert.Equal(t, 1.1, v)

	// Lower-priority traffic keeps flowing but does not steal control.
	r.Ingest("mic", sample("mic", 0.8, clock.Now()))
	assert.Equal(t, "ws", r.Status().ActiveSource)
	v, _ = r.CurrentPhi()
	assert.Equal(t, 1.1, v)
}

func TestIngest_UnknownSourceIgnored(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(clock)
	r.Register("hrv", PriorityBiometric)
	r.Ingest("hrv", sample("hrv", 1.2, clock.Now()))

	r.Ingest("ghost", sample("ghost", 0.7, clock.Now()))

	v, _ := r.CurrentPhi()
	assert.Equal(t, 1.2, v)
	assert.Equal(t, "hrv", r.Status().ActiveSource)
	assert.Equal(t, 1, r.Status().SourceCount)
}

func TestRegister_Idempotent(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(clock)
	r.Register("hrv", PriorityBiometric)
	r.Ingest("hrv", sample("hrv", 1.3, clock.Now()))

	// Re-registering must not reset the entry's freshness or sample.
	r.Register("hrv", PriorityInternal)

	assert.Equal(t, "hrv", r.Status().ActiveSource)
	v, _ := r.CurrentPhi()
	assert.Equal(t, 1.3, v)
}

func TestWatchdog_EntersFallbackAfterTimeout(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(clock)
	values := &valueRecorder{}
	statuses := &statusRecorder{}
	r.Subscribe(values)
	r.SubscribeStatus(statuses)

	r.Register("hrv", PriorityBiometric)
	r.Ingest("hrv", sample("hrv", 1.3, clock.Now()))
	require.False(t, r.Status().FallbackActive)

	// Source goes silent past the liveness window.
	clock.Advance(r.cfg.FallbackTimeout + time.Millisecond)
	r.checkLiveness()

	st := r.Status()
	assert.True(t, st.FallbackActive)
	assert.Equal(t, r.cfg.FallbackPhi, st.PhiValue)

	v, ok := values.last()
	require.True(t, ok)
	assert.Equal(t, r.cfg.FallbackPhi, v)

	last, ok := statuses.last()
	require.True(t, ok)
	assert.True(t, last.FallbackActive)

	// Fallback entry is edge-triggered: a second pass stays silent.
	before := len(statuses.statuses)
	r.checkLiveness()
	assert.Equal(t, before, len(statuses.statuses))
}

func TestIngest_ClearsFallback(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(clock)
	r.Register("hrv", PriorityBiometric)
	r.Ingest("hrv", sample("hrv", 1.3, clock.Now()))

	clock.Advance(r.cfg.FallbackTimeout + time.Millisecond)
	r.checkLiveness()
	require.True(t, r.Status().FallbackActive)

	r.Ingest("hrv", sample("hrv", 0.9, clock.Now()))
	st := r.Status()
	assert.False(t, st.FallbackActive)
	assert.Equal(t, 0.9, st.PhiValue)
}

func TestWatchdog_SelectsWithoutIngestTraffic(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.EnableAutoSwitch = false
	r := New(cfg, nil, nil)
	r.now = clock.Now

	r.Register("hrv", PriorityBiometric)
	r.Ingest("hrv", sample("hrv", 1.1, clock.Now()))

	// With auto-switch off, only the watchdog pass can promote a source.
	require.Equal(t, "", r.Status().ActiveSource)
	r.checkLiveness()
	assert.Equal(t, "hrv", r.Status().ActiveSource)
}

func TestUnregister_ActiveSourceReselects(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(clock)
	r.Register("mic", PriorityMicrophone)
	r.Register("ws", PriorityWebSocket)
	r.Ingest("mic", sample("mic", 0.9, clock.Now()))
	r.Ingest("ws", sample("ws", 1.1, clock.Now()))
	require.Equal(t, "ws", r.Status().ActiveSource)

	r.Unregister("ws")

	st := r.Status()
	assert.Equal(t, "mic", st.ActiveSource)
	assert.Equal(t, 1, st.SourceCount)
}

func TestSetManual_OverridesSelection(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(clock)
	values := &valueRecorder{}
	r.Subscribe(values)

	r.Register("ws", PriorityWebSocket)
	r.Ingest("ws", sample("ws", 1.1, clock.Now()))

	r.SetManual(2.5, 1.0)

	st := r.Status()
	assert.Equal(t, ManualSource, st.ActiveSource)
	assert.Equal(t, PhiMax, st.PhiValue)
	assert.False(t, st.FallbackActive)

	v, ok := values.last()
	require.True(t, ok)
	assert.Equal(t, PhiMax, v)
}

func TestPhaseAdvance(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(clock)
	r.Register("hrv", PriorityBiometric)

	r.Ingest("hrv", sample("hrv", 1.5, clock.Now()))
	_, p1 := r.CurrentPhi()
	assert.InDelta(t, 0.5*r.cfg.PhaseGain, p1, 1e-12)

	// Values below 1.0 walk the phase backwards, wrapping into [0, 2π).
	r.Ingest("hrv", sample("hrv", 0.7, clock.Now()))
	_, p2 := r.CurrentPhi()
	assert.Less(t, p2, p1)
	assert.GreaterOrEqual(t, p2, 0.0)
}

type panickyObserver struct{}

func (panickyObserver) OnPhiUpdate(value, phase float64) { panic("observer bug") }

func TestNotify_ObserverPanicIsolated(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(clock)
	values := &valueRecorder{}
	r.Subscribe(panickyObserver{})
	r.Subscribe(values)

	r.Register("hrv", PriorityBiometric)
	require.NotPanics(t, func() {
		r.Ingest("hrv", sample("hrv", 1.2, clock.Now()))
	})

	v, ok := values.last()
	require.True(t, ok)
	assert.Equal(t, 1.2, v)
}

func TestStartStop_Idempotent(t *testing.T) {
	r := newTestRouter(nil)
	r.Start()
	r.Start()
	r.Stop()
	r.Stop()
}

func TestWatchdog_LiveFallbackLatency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FallbackTimeout = 50 * time.Millisecond
	cfg.WatchdogInterval = 10 * time.Millisecond
	r := New(cfg, nil, nil)

	statuses := &statusRecorder{}
	r.SubscribeStatus(statuses)
	r.Register("hrv", PriorityBiometric)
	r.Ingest("hrv", sample("hrv", 1.2, time.Now()))

	r.Start()
	defer r.Stop()

	// Silence must be detected within timeout + one watchdog period,
	// with margin for scheduling.
	deadline := time.After(cfg.FallbackTimeout + 10*cfg.WatchdogInterval)
	for {
		select {
		case <-deadline:
			t.Fatal("fallback never engaged")
		default:
		}
		if st, ok := statuses.last(); ok && st.FallbackActive {
			return
		}
		time.Sleep(cfg.WatchdogInterval / 2)
	}
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "internal", PriorityInternal.String())
	assert.Equal(t, "manual", PriorityManual.String())
	assert.Equal(t, "unknown", SourcePriority(42).String())
}
