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
	"fmt"
	"os"
)

// wavHeaderSize is the fixed RIFF/fmt/data preamble length for 16-bit
// PCM.
const wavHeaderSize = 44

// wavWriter streams 16-bit PCM into a RIFF WAVE file. The header is
// written with placeholder chunk sizes and patched on Close, so an
// interrupted recording leaves a file most tools can still salvage.
type wavWriter struct {
	f         *os.File
	bw        *bufio.Writer
	dataBytes uint32
}

func newWAVWriter(path string, sampleRate, channels int) (*wavWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav file: %w", err)
	}

	w := &wavWriter{f: f, bw: bufio.NewWriter(f)}
	if err := w.writeHeader(sampleRate, channels); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *wavWriter) writeHeader(sampleRate, channels int) error {
	const bitsPerSample = 16
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)

	var hdr [wavHeaderSize]byte
	copy(hdr[0:4], "RIFF")
	// hdr[4:8]: RIFF chunk size, patched on Close.
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(hdr[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], byteRate)
	binary.LittleEndian.PutUint16(hdr[32:34], blockAlign)
	binary.LittleEndian.PutUint16(hdr[34:36], bitsPerSample)
	copy(hdr[36:40], "data")
	// hdr[40:44]: data chunk size, patched on Close.

	if _, err := w.bw.Write(hdr[:]); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	return nil
}

// Write appends raw little-endian PCM bytes to the data chunk.
func (w *wavWriter) Write(pcm []byte) (int, error) {
	n, err := w.bw.Write(pcm)
	w.dataBytes += uint32(n)
	return n, err
}

func (w *wavWriter) Flush() error {
	return w.bw.Flush()
}

// Close flushes buffered data, patches the RIFF and data chunk sizes,
// and closes the file.
func (w *wavWriter) Close() error {
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("flush wav: %w", err)
	}

	var sz [4]byte
	binary.LittleEndian.PutUint32(sz[:], 36+w.dataBytes)
	if _, err := w.f.WriteAt(sz[:], 4); err != nil {
		w.f.Close()
		return fmt.Errorf("patch riff size: %w", err)
	}
	binary.LittleEndian.PutUint32(sz[:], w.dataBytes)
	if _, err := w.f.WriteAt(sz[:], 40); err != nil {
		w.f.Close()
		return fmt.Errorf("patch data size: %w", err)
	}

	return w.f.Close()
}
