// Copyright (C) 2025 SoundLab Audio (dev@soundlab-audio.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package recorder captures the four engine data streams (audio,
// metrics, control parameter, control events) into a synchronized
// on-disk session.
//
// Producers call the Record* methods from hot paths; every enqueue is
// non-blocking and drops on a full queue rather than stalling the audio
// callback. Two consumer goroutines drain the queues: one streams PCM
// into a WAV file, the other appends JSON lines to the three data
// files. All persisted records carry a timestamp in seconds relative to
// session start, taken from the monotonic clock.
//
// A session directory sessions/YYYYMMDD_HHMMSS/ holds audio.wav,
// metrics.jsonl, phi.jsonl, controls.jsonl and a session.json manifest
// written on stop.
package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/soundlab-audio/soundlab/services/soundcore/frame"
	"github.com/soundlab-audio/soundlab/services/soundcore/telemetry"
)

var (
	// ErrAlreadyRecording is returned by Start while a session is open.
	ErrAlreadyRecording = errors.New("recorder: already recording")

	// ErrNotRecording is returned by Stop with no session open.
	ErrNotRecording = errors.New("recorder: not recording")
)

// Stream names used in logs, metrics and drop accounting.
const (
	StreamAudio    = "audio"
	StreamMetrics  = "metrics"
	StreamPhi      = "phi"
	StreamControls = "controls"
)

// Session file names.
const (
	audioFileName    = "audio.wav"
	metricsFileName  = "metrics.jsonl"
	phiFileName      = "phi.jsonl"
	controlsFileName = "controls.jsonl"
	manifestFileName = "session.json"
)

// dataLoopInterval is the polling cadence of the JSONL consumer.
const dataLoopInterval = 10 * time.Millisecond

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config controls the recorder. Use DefaultConfig() for production
// defaults.
type Config struct {
	// SessionsDir is the base directory session folders are created in.
	SessionsDir string `yaml:"sessions_dir" validate:"required"`

	// SampleRate is the audio sample rate in Hz.
	SampleRate int `yaml:"sample_rate" validate:"gt=0"`

	// AudioChannels is the channel count of the output WAV file.
	AudioChannels int `yaml:"audio_channels" validate:"oneof=1 2"`

	// Queue capacities. Audio chunks are large, so its queue is small;
	// the data streams buffer deeper.
	AudioQueueSize    int `yaml:"audio_queue_size" validate:"gt=0"`
	MetricsQueueSize  int `yaml:"metrics_queue_size" validate:"gt=0"`
	PhiQueueSize      int `yaml:"phi_queue_size" validate:"gt=0"`
	ControlsQueueSize int `yaml:"controls_queue_size" validate:"gt=0"`

	// FlushInterval is how often buffered file writes are flushed.
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gt=0"`

	// DrainTimeout bounds how long Stop waits for each consumer loop to
	// finish draining. On overrun the loop is abandoned and queued data
	// is lost, but Stop still returns.
	DrainTimeout time.Duration `yaml:"drain_timeout" validate:"gt=0"`
}

// DefaultConfig returns production defaults: CD-rate stereo audio,
// 1 s flushes, 5 s bounded drain.
func DefaultConfig() Config {
	return Config{
		SessionsDir:       "sessions",
		SampleRate:        44100,
		AudioChannels:     2,
		AudioQueueSize:    100,
		MetricsQueueSize:  1000,
		PhiQueueSize:      1000,
		ControlsQueueSize: 100,
		FlushInterval:     time.Second,
		DrainTimeout:      5 * time.Second,
	}
}

// -----------------------------------------------------------------------------
// Status & manifest
// -----------------------------------------------------------------------------

// Statistics counts what one session persisted.
type Statistics struct {
	AudioFrames   int64 `json:"audio_frames"`
	MetricsFrames int64 `json:"metrics_frames"`
	PhiFrames     int64 `json:"phi_frames"`
	ControlEvents int64 `json:"control_events"`
	TotalBytes    int64 `json:"total_bytes"`
	AudioDrops    int64 `json:"audio_drops"`
	MetricsDrops  int64 `json:"metrics_drops"`
	PhiDrops      int64 `json:"phi_drops"`
	ControlsDrops int64 `json:"controls_drops"`
}

// Status is a point-in-time view of the recorder.
type Status struct {
	Recording   bool          `json:"recording"`
	SessionID   string        `json:"session_id,omitempty"`
	SessionName string        `json:"session_name,omitempty"`
	SessionPath string        `json:"session_path,omitempty"`
	Duration    time.Duration `json:"duration"`
	Statistics  Statistics    `json:"statistics"`
	LastError   string        `json:"last_error,omitempty"`
}

// Manifest is the session.json document written on stop and read back
// by ListSessions.
type Manifest struct {
	SessionID       string     `json:"session_id"`
	SessionName     string     `json:"session_name"`
	StartTime       time.Time  `json:"start_time"`
	DurationSeconds float64    `json:"duration_seconds"`
	SampleRate      int        `json:"sample_rate"`
	AudioChannels   int        `json:"audio_channels"`
	Statistics      Statistics `json:"statistics"`
	Files           Files      `json:"files"`
}

// Files names the artifacts inside a session directory.
type Files struct {
	Audio    string `json:"audio"`
	Metrics  string `json:"metrics"`
	Phi      string `json:"phi"`
	Controls string `json:"controls"`
}

// SizeEstimate is a closed-form projection of session size in MB.
type SizeEstimate struct {
	AudioMB    float64 `json:"audio_mb"`
	MetricsMB  float64 `json:"metrics_mb"`
	PhiMB      float64 `json:"phi_mb"`
	ControlsMB float64 `json:"controls_mb"`
	TotalMB    float64 `json:"total_mb"`
}

// -----------------------------------------------------------------------------
// Recorder
// -----------------------------------------------------------------------------

type audioChunk struct {
	timestamp float64
	left      []float32
	right     []float32
}

// Recorder captures synchronized session data.
//
// Thread Safety: all exported methods are safe for concurrent use. The
// Record* methods never block.
type Recorder struct {
	cfg     Config
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu          sync.Mutex
	recording   bool
	sessionID   string
	sessionName string
	sessionPath string
	startWall   time.Time
	startMono   time.Time
	lastErr     error

	audioCh    chan audioChunk
	metricsCh  chan frame.MetricsFrame
	phiCh      chan frame.PhiFrame
	controlsCh chan frame.ControlEvent

	stopCh    chan struct{}
	audioDone chan struct{}
	dataDone  chan struct{}

	wav       *wavWriter
	metricsF  *jsonlWriter
	phiF      *jsonlWriter
	controlsF *jsonlWriter

	audioFrames   atomic.Int64
	metricsCount  atomic.Int64
	phiCount      atomic.Int64
	controlsCount atomic.Int64
	totalBytes    atomic.Int64

	audioDrops    atomic.Int64
	metricsDrops  atomic.Int64
	phiDrops      atomic.Int64
	controlsDrops atomic.Int64

	// dropWarn keeps a full queue from flooding the log.
	dropWarn *rate.Limiter
}

// New creates a Recorder. logger and metrics may be nil.
func New(cfg Config, logger *slog.Logger, metrics *telemetry.Metrics) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cfg:      cfg,
		logger:   logger.With(slog.String("subsystem", "recorder")),
		metrics:  metrics,
		dropWarn: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Start opens a new session directory, its output files and the two
// consumer loops.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		r.lastErr = ErrAlreadyRecording
		return ErrAlreadyRecording
	}

	startWall := time.Now()
	path, name, err := createSessionDir(r.cfg.SessionsDir, startWall)
	if err != nil {
		r.lastErr = err
		return err
	}

	if err := r.openFiles(path); err != nil {
		r.lastErr = err
		r.closeFiles()
		return err
	}

	r.sessionID = uuid.NewString()
	r.sessionName = name
	r.sessionPath = path
	r.startWall = startWall
	r.startMono = startWall

	r.audioFrames.Store(0)
	r.metricsCount.Store(0)
	r.phiCount.Store(0)
	r.controlsCount.Store(0)
	r.totalBytes.Store(0)
	r.audioDrops.Store(0)
	r.metricsDrops.Store(0)
	r.phiDrops.Store(0)
	r.controlsDrops.Store(0)

	r.audioCh = make(chan audioChunk, r.cfg.AudioQueueSize)
	r.metricsCh = make(chan frame.MetricsFrame, r.cfg.MetricsQueueSize)
	r.phiCh = make(chan frame.PhiFrame, r.cfg.PhiQueueSize)
	r.controlsCh = make(chan frame.ControlEvent, r.cfg.ControlsQueueSize)

	r.stopCh = make(chan struct{})
	r.audioDone = make(chan struct{})
	r.dataDone = make(chan struct{})

	go r.audioLoop(r.stopCh, r.audioDone, r.audioCh, r.wav)
	go r.dataLoop(r.stopCh, r.dataDone, r.metricsCh, r.phiCh, r.controlsCh,
		r.metricsF, r.phiF, r.controlsF)

	r.recording = true
	r.lastErr = nil

	r.logger.Info("recording started",
		slog.String("session_id", r.sessionID),
		slog.String("session_path", path),
	)
	return nil
}

// Stop ends the session: it signals both consumer loops, waits up to
// DrainTimeout for each, finalizes the WAV header, and writes the
// manifest. A loop that overruns the drain window is abandoned; the
// session files stay valid up to the last flush.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.lastErr = ErrNotRecording
		r.mu.Unlock()
		return ErrNotRecording
	}
	r.recording = false
	stopCh := r.stopCh
	audioDone := r.audioDone
	dataDone := r.dataDone
	r.mu.Unlock()

	close(stopCh)

	for _, w := range []struct {
		name string
		done <-chan struct{}
	}{
		{"audio", audioDone},
		{"data", dataDone},
	} {
		select {
		case <-w.done:
		case <-time.After(r.cfg.DrainTimeout):
			r.logger.Warn("consumer drain timed out, abandoning",
				slog.String("loop", w.name),
				slog.Duration("drain_timeout", r.cfg.DrainTimeout),
			)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	duration := time.Since(r.startMono)
	r.closeFiles()

	if err := r.writeManifest(duration); err != nil {
		r.lastErr = err
		r.logger.Error("manifest write failed", slog.String("error", err.Error()))
		return err
	}

	r.logger.Info("recording stopped",
		slog.String("session_id", r.sessionID),
		slog.Duration("duration", duration),
		slog.Int64("audio_frames", r.audioFrames.Load()),
		slog.Int64("metrics_frames", r.metricsCount.Load()),
		slog.Int64("phi_frames", r.phiCount.Load()),
		slog.Int64("control_events", r.controlsCount.Load()),
		slog.Int64("total_bytes", r.totalBytes.Load()),
	)
	return nil
}

// -----------------------------------------------------------------------------
// Producers
// -----------------------------------------------------------------------------

// RecordAudio enqueues one channel-major float audio buffer. Never
// blocks; drops the chunk when the queue is full.
func (r *Recorder) RecordAudio(buf [][]float32) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return
	}
	ch := r.audioCh
	ts := time.Since(r.startMono).Seconds()
	r.mu.Unlock()

	left, right := downmixStereo(buf)
	if left == nil {
		return
	}

	select {
	case ch <- audioChunk{timestamp: ts, left: left, right: right}:
	default:
		r.drop(StreamAudio, &r.audioDrops)
	}
}

// RecordMetrics enqueues one metrics frame, stamping its timestamp
// relative to session start.
func (r *Recorder) RecordMetrics(f frame.MetricsFrame) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return
	}
	ch := r.metricsCh
	f.Timestamp = time.Since(r.startMono).Seconds()
	r.mu.Unlock()

	select {
	case ch <- f:
	default:
		r.drop(StreamMetrics, &r.metricsDrops)
	}
}

// RecordPhi enqueues one control-parameter frame.
func (r *Recorder) RecordPhi(f frame.PhiFrame) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return
	}
	ch := r.phiCh
	f.Timestamp = time.Since(r.startMono).Seconds()
	r.mu.Unlock()

	select {
	case ch <- f:
	default:
		r.drop(StreamPhi, &r.phiDrops)
	}
}

// RecordControl enqueues one discrete control event.
func (r *Recorder) RecordControl(e frame.ControlEvent) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return
	}
	ch := r.controlsCh
	e.Timestamp = time.Since(r.startMono).Seconds()
	r.mu.Unlock()

	select {
	case ch <- e:
	default:
		r.drop(StreamControls, &r.controlsDrops)
	}
}

func (r *Recorder) drop(stream string, counter *atomic.Int64) {
	counter.Add(1)
	r.metrics.AddDrop(stream)
	if r.dropWarn.Allow() {
		r.logger.Warn("queue full, dropping", slog.String("stream", stream))
	}
}

// -----------------------------------------------------------------------------
// Consumer loops
// -----------------------------------------------------------------------------

// audioLoop streams PCM chunks into the WAV file until stopped, then
// drains whatever is still queued. Flushes run on a ticker so a quiet
// producer never leaves a buffered tail at risk for longer than
// FlushInterval.
func (r *Recorder) audioLoop(stopCh <-chan struct{}, done chan<- struct{}, ch <-chan audioChunk, wav *wavWriter) {
	defer close(done)

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case chunk := <-ch:
			r.writeAudio(wav, chunk)
		case <-ticker.C:
			if err := wav.Flush(); err != nil {
				r.setErr(fmt.Errorf("audio flush: %w", err))
			}
		case <-stopCh:
			for {
				select {
				case chunk := <-ch:
					r.writeAudio(wav, chunk)
				default:
					return
				}
			}
		}
	}
}

// writeAudio encodes one chunk to PCM matching the configured channel
// count and appends it to the WAV data chunk.
func (r *Recorder) writeAudio(wav *wavWriter, chunk audioChunk) {
	var pcm []byte
	if r.cfg.AudioChannels == 1 {
		pcm = mixMonoPCM16(chunk.left, chunk.right)
	} else {
		pcm = interleavePCM16(chunk.left, chunk.right)
	}
	n, err := wav.Write(pcm)
	if err != nil {
		r.setErr(fmt.Errorf("audio write: %w", err))
		return
	}
	frames := int64(len(pcm) / (2 * r.cfg.AudioChannels))
	r.audioFrames.Add(frames)
	r.totalBytes.Add(int64(n))
	r.metrics.AddRecords(StreamAudio, frames)
	r.metrics.AddBytes(int64(n))
}

// dataLoop drains the three JSONL queues on a short polling cadence.
// Each pass empties every queue completely, keeping the streams close
// to each other on disk.
func (r *Recorder) dataLoop(
	stopCh <-chan struct{},
	done chan<- struct{},
	metricsCh <-chan frame.MetricsFrame,
	phiCh <-chan frame.PhiFrame,
	controlsCh <-chan frame.ControlEvent,
	metricsF, phiF, controlsF *jsonlWriter,
) {
	defer close(done)

	ticker := time.NewTicker(dataLoopInterval)
	defer ticker.Stop()

	lastFlush := time.Now()
	drain := func() {
		for {
			select {
			case f := <-metricsCh:
				r.writeJSONL(metricsF, StreamMetrics, &r.metricsCount, f)
				continue
			default:
			}
			break
		}
		for {
			select {
			case f := <-phiCh:
				r.writeJSONL(phiF, StreamPhi, &r.phiCount, f)
				continue
			default:
			}
			break
		}
		for {
			select {
			case e := <-controlsCh:
				r.writeJSONL(controlsF, StreamControls, &r.controlsCount, e)
				continue
			default:
			}
			break
		}
	}

	flushAll := func() {
		for _, w := range []*jsonlWriter{metricsF, phiF, controlsF} {
			if err := w.Flush(); err != nil {
				r.setErr(fmt.Errorf("data flush: %w", err))
			}
		}
	}

	for {
		select {
		case <-ticker.C:
			drain()
			if time.Since(lastFlush) >= r.cfg.FlushInterval {
				flushAll()
				lastFlush = time.Now()
			}
		case <-stopCh:
			drain()
			flushAll()
			return
		}
	}
}

func (r *Recorder) writeJSONL(w *jsonlWriter, stream string, counter *atomic.Int64, v any) {
	n, err := w.WriteRecord(v)
	if err != nil {
		r.setErr(fmt.Errorf("%s write: %w", stream, err))
		return
	}
	counter.Add(1)
	r.totalBytes.Add(int64(n))
	r.metrics.AddRecords(stream, 1)
	r.metrics.AddBytes(int64(n))
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// Status returns a snapshot of the recorder.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Status{
		Recording:  r.recording,
		Statistics: r.statisticsLocked(),
	}
	if r.lastErr != nil {
		s.LastError = r.lastErr.Error()
	}
	if r.recording {
		s.SessionID = r.sessionID
		s.SessionName = r.sessionName
		s.SessionPath = r.sessionPath
		s.Duration = time.Since(r.startMono)
	}
	return s
}

// LastError returns the most recent error, or nil.
func (r *Recorder) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// EstimateSize projects session size for the given duration using the
// nominal stream rates: 30 Hz metrics (~500 B), 30 Hz phi (~200 B),
// 1 Hz controls (~100 B) plus uncompressed PCM.
func (r *Recorder) EstimateSize(d time.Duration) SizeEstimate {
	const mb = 1024 * 1024
	secs := d.Seconds()

	est := SizeEstimate{
		AudioMB:    float64(r.cfg.SampleRate*r.cfg.AudioChannels*2) * secs / mb,
		MetricsMB:  30 * 500 * secs / mb,
		PhiMB:      30 * 200 * secs / mb,
		ControlsMB: 1 * 100 * secs / mb,
	}
	est.TotalMB = est.AudioMB + est.MetricsMB + est.PhiMB + est.ControlsMB
	return est
}

// ListSessions reads every session manifest under SessionsDir, newest
// first. Directories without a readable manifest are skipped.
func (r *Recorder) ListSessions() ([]Manifest, error) {
	entries, err := os.ReadDir(r.cfg.SessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var sessions []Manifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.cfg.SessionsDir, e.Name(), manifestFileName))
		if err != nil {
			continue
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			r.logger.Warn("skipping unreadable manifest",
				slog.String("session", e.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		sessions = append(sessions, m)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.After(sessions[j].StartTime)
	})
	return sessions, nil
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

// createSessionDir makes sessions/YYYYMMDD_HHMMSS, appending _2, _3...
// when two sessions start within the same second.
func createSessionDir(base string, start time.Time) (path, name string, err error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", "", fmt.Errorf("create sessions dir: %w", err)
	}

	stamp := start.Format("20060102_150405")
	name = stamp
	for i := 2; ; i++ {
		path = filepath.Join(base, name)
		err = os.Mkdir(path, 0o755)
		if err == nil {
			return path, name, nil
		}
		if !os.IsExist(err) {
			return "", "", fmt.Errorf("create session dir: %w", err)
		}
		name = fmt.Sprintf("%s_%d", stamp, i)
	}
}

func (r *Recorder) openFiles(path string) error {
	var err error
	r.wav, err = newWAVWriter(filepath.Join(path, audioFileName), r.cfg.SampleRate, r.cfg.AudioChannels)
	if err != nil {
		return err
	}
	if r.metricsF, err = newJSONLWriter(filepath.Join(path, metricsFileName)); err != nil {
		return err
	}
	if r.phiF, err = newJSONLWriter(filepath.Join(path, phiFileName)); err != nil {
		return err
	}
	if r.controlsF, err = newJSONLWriter(filepath.Join(path, controlsFileName)); err != nil {
		return err
	}
	return nil
}

func (r *Recorder) closeFiles() {
	if r.wav != nil {
		if err := r.wav.Close(); err != nil {
			r.lastErr = err
			r.logger.Error("wav close failed", slog.String("error", err.Error()))
		}
		r.wav = nil
	}
	for _, w := range []**jsonlWriter{&r.metricsF, &r.phiF, &r.controlsF} {
		if *w == nil {
			continue
		}
		if err := (*w).Close(); err != nil {
			r.lastErr = err
			r.logger.Error("data file close failed", slog.String("error", err.Error()))
		}
		*w = nil
	}
}

func (r *Recorder) statisticsLocked() Statistics {
	return Statistics{
		AudioFrames:   r.audioFrames.Load(),
		MetricsFrames: r.metricsCount.Load(),
		PhiFrames:     r.phiCount.Load(),
		ControlEvents: r.controlsCount.Load(),
		TotalBytes:    r.totalBytes.Load(),
		AudioDrops:    r.audioDrops.Load(),
		MetricsDrops:  r.metricsDrops.Load(),
		PhiDrops:      r.phiDrops.Load(),
		ControlsDrops: r.controlsDrops.Load(),
	}
}

func (r *Recorder) writeManifest(duration time.Duration) error {
	m := Manifest{
		SessionID:       r.sessionID,
		SessionName:     r.sessionName,
		StartTime:       r.startWall,
		DurationSeconds: duration.Seconds(),
		SampleRate:      r.cfg.SampleRate,
		AudioChannels:   r.cfg.AudioChannels,
		Statistics:      r.statisticsLocked(),
		Files: Files{
			Audio:    audioFileName,
			Metrics:  metricsFileName,
			Phi:      phiFileName,
			Controls: controlsFileName,
		},
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.sessionPath, manifestFileName), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func (r *Recorder) setErr(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
	r.logger.Error("recorder error", slog.String("error", err.Error()))
}
