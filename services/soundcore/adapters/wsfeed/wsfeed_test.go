// Copyright (C) 2025 SoundLab Audio (dev@soundlab-audio.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package wsfeed

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundlab-audio/soundlab/services/soundcore/frame"
	"github.com/soundlab-audio/soundlab/services/soundcore/router"
)

type fakeSink struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
	samples      []frame.Sample
}

func (s *fakeSink) Register(sourceID string, _ router.SourcePriority) {
	s.mu.Lock()
	s.registered = append(s.registered, sourceID)
	s.mu.Unlock()
}

func (s *fakeSink) Ingest(_ string, sample frame.Sample) {
	s.mu.Lock()
	s.samples = append(s.samples, sample)
	s.mu.Unlock()
}

func (s *fakeSink) Unregister(sourceID string) {
	s.mu.Lock()
	s.unregistered = append(s.unregistered, sourceID)
	s.mu.Unlock()
}

func (s *fakeSink) sampleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// feedServer upgrades each connection and sends the given payloads.
func feedServer(t *testing.T, payloads []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, p := range payloads {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(p)); err != nil {
				return
			}
		}
		// Hold the connection open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testFeedConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.SourceID = "remote_hrv"
	cfg.ReconnectInitial = 10 * time.Millisecond
	cfg.ReconnectMax = 50 * time.Millisecond
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestFeed_IngestsFrames(t *testing.T) {
	srv := feedServer(t, []string{
		`{"raw_value": 62.0, "normalized_value": 1.21}`,
		`{"raw_value": 64.0, "normalized_value": 1.24, "kind": "biometric"}`,
	})
	defer srv.Close()

	sink := &fakeSink{}
	f := New(testFeedConfig(wsURL(srv)), sink, nil)
	f.Start()
	defer f.Stop()

	waitFor(t, 2*time.Second, func() bool { return sink.sampleCount() >= 2 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, []string{"remote_hrv"}, sink.registered)
	assert.Equal(t, 1.21, sink.samples[0].NormalizedValue)
	assert.Equal(t, frame.KindWebSocket, sink.samples[0].Kind)
	assert.Equal(t, "biometric", sink.samples[1].Kind)
	assert.Equal(t, "remote_hrv", sink.samples[0].SourceID)
}

func TestFeed_SkipsMalformedFrames(t *testing.T) {
	srv := feedServer(t, []string{
		`not json`,
		`{"raw_value": 60.0, "normalized_value": 1.0}`,
	})
	defer srv.Close()

	sink := &fakeSink{}
	f := New(testFeedConfig(wsURL(srv)), sink, nil)
	f.Start()
	defer f.Stop()

	waitFor(t, 2*time.Second, func() bool { return sink.sampleCount() >= 1 })
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 1.0, sink.samples[0].NormalizedValue)
}

func TestFeed_ReconnectsAfterServerDrop(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	conns := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"normalized_value": 1.1}`))
		if n == 1 {
			// Drop the first connection immediately to force a reconnect.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sink := &fakeSink{}
	f := New(testFeedConfig(wsURL(srv)), sink, nil)
	f.Start()
	defer f.Stop()

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return conns >= 2
	})
	waitFor(t, 2*time.Second, func() bool { return sink.sampleCount() >= 2 })
}

func TestFeed_StopUnblocksAndUnregisters(t *testing.T) {
	srv := feedServer(t, nil) // no frames, reader stays blocked
	defer srv.Close()

	sink := &fakeSink{}
	f := New(testFeedConfig(wsURL(srv)), sink, nil)
	f.Start()

	waitFor(t, 2*time.Second, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.registered) == 1
	})

	done := make(chan struct{})
	go func() {
		f.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"remote_hrv"}, sink.unregistered)
}

func TestFeed_StartStopIdempotent(t *testing.T) {
	srv := feedServer(t, nil)
	defer srv.Close()

	f := New(testFeedConfig(wsURL(srv)), &fakeSink{}, nil)
	f.Start()
	f.Start()
	f.Stop()
	f.Stop()
}
