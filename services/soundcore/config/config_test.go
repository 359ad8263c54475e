// Copyright (C) 2025 SoundLab Audio (dev@soundlab-audio.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundlab-audio/soundlab/pkg/logging"
)

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Router.FallbackTimeout)
	assert.Equal(t, 0.1, cfg.Balancer.Beta)
	assert.Equal(t, 44100, cfg.Recorder.SampleRate)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_OverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soundlab.yaml")
	doc := `
logging:
  level: debug
router:
  fallback_timeout: 3s
  fallback_phi: 1.2
balancer:
  beta: 0.2
recorder:
  sessions_dir: /tmp/sessions
feeds:
  - url: ws://localhost:9100/feed
    source_id: lab_hrv
    dial_timeout: 5s
    reconnect_initial: 500ms
    reconnect_max: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Router.FallbackTimeout)
	assert.Equal(t, 1.2, cfg.Router.FallbackPhi)
	assert.Equal(t, 0.2, cfg.Balancer.Beta)
	assert.Equal(t, "/tmp/sessions", cfg.Recorder.SessionsDir)
	// Untouched fields keep their defaults.
	assert.Equal(t, 0.05, cfg.Balancer.DeltaAmplitude)
	require.Len(t, cfg.Feeds, 1)
	assert.Equal(t, "lab_hrv", cfg.Feeds[0].SourceID)
	assert.Equal(t, logging.LevelDebug, cfg.LogLevel())
}

func TestLoad_RejectsOutOfRangeGains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	doc := `
balancer:
  beta: 5.0
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsFallbackOutsideBand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	doc := `
router:
  fallback_phi: 2.5
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: ["), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "soundlab.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	var mu sync.Mutex
	var reloaded []File
	handler := func(f File) {
		mu.Lock()
		reloaded = append(reloaded, f)
		mu.Unlock()
	}

	w, err := NewWatcher(path, handler, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: error\n"), 0o644))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(reloaded)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, reloaded, "no reload observed")
	assert.Equal(t, "error", reloaded[len(reloaded)-1].Logging.Level)
}

func TestWatcher_KeepsPreviousOnInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "soundlab.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	var mu sync.Mutex
	count := 0
	w, err := NewWatcher(path, func(File) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("balancer:\n  beta: 5.0\n"), 0o644))
	time.Sleep(time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count, "invalid config must not reach the handler")
}
