// Copyright (C) 2025 SoundLab Audio (dev@soundlab-audio.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// jsonlWriter appends JSON documents, one per line, through a buffered
// writer. Used only by the data consumer goroutine; not safe for
// concurrent use.
type jsonlWriter struct {
	f  *os.File
	bw *bufio.Writer
}

func newJSONLWriter(path string) (*jsonlWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create jsonl file: %w", err)
	}
	return &jsonlWriter{f: f, bw: bufio.NewWriter(f)}, nil
}

// WriteRecord marshals v and appends it as one line. Returns the number
// of bytes written including the trailing newline.
func (w *jsonlWriter) WriteRecord(v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}
	n, err := w.bw.Write(data)
	if err != nil {
		return n, err
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return n, err
	}
	return n + 1, nil
}

func (w *jsonlWriter) Flush() error {
	return w.bw.Flush()
}

func (w *jsonlWriter) Close() error {
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
