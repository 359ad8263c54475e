// Copyright (C) 2025 SoundLab Audio (dev@soundlab-audio.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package recorder

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundlab-audio/soundlab/services/soundcore/frame"
)

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.SessionsDir = t.TempDir()
	cfg.DrainTimeout = 2 * time.Second
	return cfg
}

func sine(n int) []float32 {
	buf := make([]float32, n)
	for i := range buf {
		buf[i] = float32(i%100)/100 - 0.5
	}
	return buf
}

func TestSession_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg, nil, nil)
	require.NoError(t, r.Start())

	st := r.Status()
	require.True(t, st.Recording)
	require.NotEmpty(t, st.SessionID)

	left, right := sine(256), sine(256)
	for i := 0; i < 4; i++ {
		r.RecordAudio([][]float32{left, right})
	}
	for i := 0; i < 10; i++ {
		r.RecordMetrics(frame.MetricsFrame{ICI: 0.5, Criticality: 1.0, State: "critical"})
		r.RecordPhi(frame.PhiFrame{Value: 1.2, Phase: 0.3, Source: "hrv"})
	}
	r.RecordControl(frame.ControlEvent{Type: "param_change", Param: "phi_depth", Value: 0.7})

	require.NoError(t, r.Stop())

	dir := st.SessionPath
	for _, name := range []string{audioFileName, metricsFileName, phiFileName, controlsFileName, manifestFileName} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, "missing %s", name)
	}

	data, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, st.SessionID, m.SessionID)
	assert.EqualValues(t, 4*256, m.Statistics.AudioFrames)
	assert.EqualValues(t, 10, m.Statistics.MetricsFrames)
	assert.EqualValues(t, 10, m.Statistics.PhiFrames)
	assert.EqualValues(t, 1, m.Statistics.ControlEvents)
	assert.Positive(t, m.Statistics.TotalBytes)
	assert.Equal(t, cfg.SampleRate, m.SampleRate)
}

func TestSession_JSONLTimestampsMonotonic(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg, nil, nil)
	require.NoError(t, r.Start())

	for i := 0; i < 5; i++ {
		r.RecordPhi(frame.PhiFrame{Value: 1.0})
		time.Sleep(time.Millisecond)
	}
	st := r.Status()
	require.NoError(t, r.Stop())

	f, err := os.Open(filepath.Join(st.SessionPath, phiFileName))
	require.NoError(t, err)
	defer f.Close()

	prev := -1.0
	count := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var pf frame.PhiFrame
		require.NoError(t, json.Unmarshal(sc.Bytes(), &pf))
		assert.Greater(t, pf.Timestamp, prev)
		prev = pf.Timestamp
		count++
	}
	assert.Equal(t, 5, count)
}

func TestWAV_HeaderPatchedOnClose(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg, nil, nil)
	require.NoError(t, r.Start())

	r.RecordAudio([][]float32{sine(128), sine(128)})
	st := r.Status()
	require.NoError(t, r.Stop())

	data, err := os.ReadFile(filepath.Join(st.SessionPath, audioFileName))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), wavHeaderSize)

	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))
	assert.Equal(t, "data", string(data[36:40]))

	dataSize := binary.LittleEndian.Uint32(data[40:44])
	assert.EqualValues(t, 128*4, dataSize)
	assert.EqualValues(t, 36+dataSize, binary.LittleEndian.Uint32(data[4:8]))
	assert.Len(t, data, wavHeaderSize+int(dataSize))

	// 44.1 kHz stereo 16-bit.
	assert.EqualValues(t, 44100, binary.LittleEndian.Uint32(data[24:28]))
	assert.EqualValues(t, 2, binary.LittleEndian.Uint16(data[22:24]))
	assert.EqualValues(t, 16, binary.LittleEndian.Uint16(data[34:36]))
}

func TestAudioLoop_FlushesWhileProducerIdle(t *testing.T) {
	cfg := testConfig(t)
	cfg.FlushInterval = 20 * time.Millisecond
	r := New(cfg, nil, nil)
	require.NoError(t, r.Start())
	st := r.Status()

	// Small enough to sit inside the writer's buffer, so only the
	// periodic flush can move it to disk before Stop.
	r.RecordAudio([][]float32{sine(256), sine(256)})

	path := filepath.Join(st.SessionPath, audioFileName)
	deadline := time.Now().Add(2 * time.Second)
	flushed := false
	for time.Now().Before(deadline) {
		if fi, err := os.Stat(path); err == nil && fi.Size() > wavHeaderSize {
			flushed = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, r.Stop())
	assert.True(t, flushed, "buffered audio never flushed while the producer was idle")
}

func TestWAV_MonoSessionMixesDown(t *testing.T) {
	cfg := testConfig(t)
	cfg.AudioChannels = 1
	r := New(cfg, nil, nil)
	require.NoError(t, r.Start())

	r.RecordAudio([][]float32{sine(128), sine(128)})
	st := r.Status()
	require.NoError(t, r.Stop())

	data, err := os.ReadFile(filepath.Join(st.SessionPath, audioFileName))
	require.NoError(t, err)

	assert.EqualValues(t, 1, binary.LittleEndian.Uint16(data[22:24]))
	assert.EqualValues(t, 2, binary.LittleEndian.Uint16(data[32:34]))
	dataSize := binary.LittleEndian.Uint32(data[40:44])
	assert.EqualValues(t, 128*2, dataSize)
	assert.Len(t, data, wavHeaderSize+int(dataSize))

	mdata, err := os.ReadFile(filepath.Join(st.SessionPath, manifestFileName))
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, json.Unmarshal(mdata, &m))
	assert.EqualValues(t, 128, m.Statistics.AudioFrames)
	assert.Equal(t, 1, m.AudioChannels)

	// Identical channels mix down to the original signal.
	want := floatToPCM16(sine(128)[5])
	got := int16(binary.LittleEndian.Uint16(data[wavHeaderSize+10 : wavHeaderSize+12]))
	assert.Equal(t, want, got)
}

func TestStart_WhileRecordingFails(t *testing.T) {
	r := New(testConfig(t), nil, nil)
	require.NoError(t, r.Start())
	assert.ErrorIs(t, r.Start(), ErrAlreadyRecording)
	require.NoError(t, r.Stop())
}

func TestStop_WhenIdleFails(t *testing.T) {
	r := New(testConfig(t), nil, nil)
	assert.ErrorIs(t, r.Stop(), ErrNotRecording)
}

func TestRecord_WhenIdleIsNoop(t *testing.T) {
	r := New(testConfig(t), nil, nil)
	r.RecordAudio([][]float32{sine(8)})
	r.RecordMetrics(frame.MetricsFrame{})
	r.RecordPhi(frame.PhiFrame{})
	r.RecordControl(frame.ControlEvent{})
	assert.Zero(t, r.Status().Statistics.TotalBytes)
}

func TestRecord_DropsWhenQueueFull(t *testing.T) {
	r := New(testConfig(t), nil, nil)

	// Consumers are deliberately not running: fill the queue directly to
	// exercise the non-blocking drop path.
	r.recording = true
	r.startMono = time.Now()
	r.controlsCh = make(chan frame.ControlEvent, 1)

	r.RecordControl(frame.ControlEvent{Type: "a"})
	r.RecordControl(frame.ControlEvent{Type: "b"})
	r.RecordControl(frame.ControlEvent{Type: "c"})

	assert.EqualValues(t, 2, r.controlsDrops.Load())
	assert.Len(t, r.controlsCh, 1)
}

func TestCreateSessionDir_CollisionGetsSuffix(t *testing.T) {
	base := t.TempDir()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, name1, err := createSessionDir(base, at)
	require.NoError(t, err)
	_, name2, err := createSessionDir(base, at)
	require.NoError(t, err)
	_, name3, err := createSessionDir(base, at)
	require.NoError(t, err)

	assert.Equal(t, "20250601_120000", name1)
	assert.Equal(t, "20250601_120000_2", name2)
	assert.Equal(t, "20250601_120000_3", name3)
}

func TestEstimateSize_ClosedForm(t *testing.T) {
	r := New(DefaultConfig(), nil, nil)
	est := r.EstimateSize(60 * time.Second)

	const mb = 1024 * 1024
	assert.InDelta(t, float64(44100*2*2*60)/mb, est.AudioMB, 1e-9)
	assert.InDelta(t, float64(30*500*60)/mb, est.MetricsMB, 1e-9)
	assert.InDelta(t, float64(30*200*60)/mb, est.PhiMB, 1e-9)
	assert.InDelta(t, float64(1*100*60)/mb, est.ControlsMB, 1e-9)
	assert.InDelta(t, est.AudioMB+est.MetricsMB+est.PhiMB+est.ControlsMB, est.TotalMB, 1e-9)
}

func TestListSessions(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg, nil, nil)

	sessions, err := r.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)

	require.NoError(t, r.Start())
	id := r.Status().SessionID
	require.NoError(t, r.Stop())

	sessions, err = r.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].SessionID)
}

func TestDownmixStereo(t *testing.T) {
	mono := sine(16)
	l, rr := downmixStereo([][]float32{mono})
	assert.Equal(t, mono, l)
	assert.Equal(t, mono, rr)

	a, b, c := sine(8), sine(8), sine(8)
	l, rr = downmixStereo([][]float32{a, b, c})
	assert.Equal(t, a, l)
	assert.Equal(t, b, rr)

	l, rr = downmixStereo(nil)
	assert.Nil(t, l)
	assert.Nil(t, rr)
}

func TestMixMonoPCM16_AveragesChannels(t *testing.T) {
	out := mixMonoPCM16([]float32{1.0, -1.0}, []float32{0.0, -1.0})
	require.Len(t, out, 4)

	assert.EqualValues(t, 16383, int16(binary.LittleEndian.Uint16(out[0:2])))
	assert.EqualValues(t, -32767, int16(binary.LittleEndian.Uint16(out[2:4])))
}

func TestInterleavePCM16_ClampsAndOrders(t *testing.T) {
	out := interleavePCM16([]float32{2.0, -2.0}, []float32{0.0, 0.5})
	require.Len(t, out, 8)

	assert.EqualValues(t, 32767, int16(binary.LittleEndian.Uint16(out[0:2])))
	assert.EqualValues(t, 0, int16(binary.LittleEndian.Uint16(out[2:4])))
	assert.EqualValues(t, -32767, int16(binary.LittleEndian.Uint16(out[4:6])))
	assert.EqualValues(t, 16383, int16(binary.LittleEndian.Uint16(out[6:8])))
}
