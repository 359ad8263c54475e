// Copyright (C) 2025 SoundLab Audio (dev@soundlab-audio.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package recorder

import "encoding/binary"

// downmixStereo reduces a channel-major float buffer to a stereo pair:
// mono input is duplicated to both channels, anything beyond two
// channels is truncated to the first two. Empty input returns nils.
func downmixStereo(buf [][]float32) (left, right []float32) {
	switch {
	case len(buf) == 0:
		return nil, nil
	case len(buf) == 1:
		return buf[0], buf[0]
	default:
		return buf[0], buf[1]
	}
}

// interleavePCM16 converts a stereo float pair into interleaved 16-bit
// little-endian PCM. Samples are clamped to [-1, 1]; channel length
// mismatch truncates to the shorter channel.
func interleavePCM16(left, right []float32) []byte {
	n := len(left)
	if len(right) < n {
		n = len(right)
	}

	out := make([]byte, 4*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[4*i:], uint16(floatToPCM16(left[i])))
		binary.LittleEndian.PutUint16(out[4*i+2:], uint16(floatToPCM16(right[i])))
	}
	return out
}

// mixMonoPCM16 averages a stereo pair into single-channel 16-bit
// little-endian PCM. Samples are clamped to [-1, 1]; channel length
// mismatch truncates to the shorter channel.
func mixMonoPCM16(left, right []float32) []byte {
	n := len(left)
	if len(right) < n {
		n = len(right)
	}

	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(floatToPCM16((left[i]+right[i])/2)))
	}
	return out
}

func floatToPCM16(v float32) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(v * 32767)
}
