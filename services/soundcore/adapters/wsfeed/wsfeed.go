// Copyright (C) 2025 SoundLab Audio (dev@soundlab-audio.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package wsfeed adapts a remote WebSocket sensor feed into router
// samples.
//
// The feed dials the configured URL, decodes JSON sensor frames, and
// ingests them at WebSocket priority. Connection loss triggers
// reconnection with capped exponential backoff; a failing read never
// takes the process down.
package wsfeed

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soundlab-audio/soundlab/services/soundcore/frame"
	"github.com/soundlab-audio/soundlab/services/soundcore/router"
)

// Sink is where decoded samples go. *router.Router satisfies it.
type Sink interface {
	Register(sourceID string, priority router.SourcePriority)
	Ingest(sourceID string, s frame.Sample)
	Unregister(sourceID string)
}

// wireSample is the JSON frame the remote feed sends.
type wireSample struct {
	RawValue        float64 `json:"raw_value"`
	NormalizedValue float64 `json:"normalized_value"`
	Kind            string  `json:"kind,omitempty"`
}

// Config controls one feed connection.
type Config struct {
	// URL is the ws:// or wss:// feed endpoint.
	URL string `yaml:"url" validate:"required,uri"`

	// SourceID names this feed in the router. Defaults to "wsfeed".
	SourceID string `yaml:"source_id"`

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration `yaml:"dial_timeout" validate:"gt=0"`

	// ReconnectInitial/Max bound the backoff between attempts.
	ReconnectInitial time.Duration `yaml:"reconnect_initial" validate:"gt=0"`
	ReconnectMax     time.Duration `yaml:"reconnect_max" validate:"gt=0"`
}

// DefaultConfig returns production defaults: 5 s dials, 500 ms to 30 s
// backoff.
func DefaultConfig() Config {
	return Config{
		SourceID:         "wsfeed",
		DialTimeout:      5 * time.Second,
		ReconnectInitial: 500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
	}
}

// Feed is one adapter instance.
//
// Thread Safety: Start and Stop are safe to call from any goroutine;
// Stop blocks until the connection loop exits.
type Feed struct {
	cfg    Config
	logger *slog.Logger
	sink   Sink

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Feed. logger may be nil.
func New(cfg Config, sink Sink, logger *slog.Logger) *Feed {
	if cfg.SourceID == "" {
		cfg.SourceID = "wsfeed"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		cfg:  cfg,
		sink: sink,
		logger: logger.With(
			slog.String("subsystem", "wsfeed"),
			slog.String("source_id", cfg.SourceID),
		),
	}
}

// Start registers the source and launches the connection loop.
// Idempotent.
func (f *Feed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.stopCh = make(chan struct{})
	stopCh := f.stopCh
	f.mu.Unlock()

	f.sink.Register(f.cfg.SourceID, router.PriorityWebSocket)

	f.wg.Add(1)
	go f.run(stopCh)

	f.logger.Info("feed started", slog.String("url", f.cfg.URL))
}

// Stop shuts the feed down: it closes any open connection to unblock
// the reader, waits for the loop to exit, and unregisters the source.
// Idempotent.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stopCh)
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()

	f.wg.Wait()
	f.sink.Unregister(f.cfg.SourceID)
	f.logger.Info("feed stopped")
}

// run dials, reads until failure, and backs off between attempts.
func (f *Feed) run(stopCh <-chan struct{}) {
	defer f.wg.Done()

	backoff := f.cfg.ReconnectInitial
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		conn, err := f.dial()
		if err != nil {
			f.logger.Warn("dial failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			select {
			case <-stopCh:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > f.cfg.ReconnectMax {
				backoff = f.cfg.ReconnectMax
			}
			continue
		}

		backoff = f.cfg.ReconnectInitial
		f.setConn(conn)
		f.readLoop(conn, stopCh)
		f.setConn(nil)
		conn.Close()

		select {
		case <-stopCh:
			return
		default:
			f.logger.Warn("connection lost, reconnecting")
		}
	}
}

func (f *Feed) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: f.cfg.DialTimeout}
	conn, _, err := dialer.Dial(f.cfg.URL, nil)
	return conn, err
}

func (f *Feed) setConn(conn *websocket.Conn) {
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
}

// readLoop decodes frames until the connection breaks or the feed is
// stopped. Malformed frames are skipped, not fatal.
func (f *Feed) readLoop(conn *websocket.Conn, stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var ws wireSample
		if err := json.Unmarshal(data, &ws); err != nil {
			f.logger.Warn("malformed sensor frame, skipping",
				slog.String("error", err.Error()))
			continue
		}

		kind := ws.Kind
		if kind == "" {
			kind = frame.KindWebSocket
		}
		f.sink.Ingest(f.cfg.SourceID, frame.Sample{
			SourceID:        f.cfg.SourceID,
			Kind:            kind,
			RawValue:        ws.RawValue,
			NormalizedValue: ws.NormalizedValue,
			Timestamp:       time.Now(),
		})
	}
}
