// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package com

import (
	"bytes"
	"io"
	"sync"
)

// DefaultMaxCapture is the default number of output bytes kept in a Result.
const DefaultMaxCapture = 4 << 20

// OutputBuffer forwards command output to a live sink while keeping a capped
// copy of it for the Result.
type OutputBuffer struct {
	mu        sync.Mutex
	sink      io.Writer
	buf       bytes.Buffer
	max       int
	truncated bool
}

// NewOutputBuffer returns an OutputBuffer writing to sink (which may be nil)
// and capturing up to max bytes. A non-positive max selects
// DefaultMaxCapture.
func NewOutputBuffer(sink io.Writer, max int) *OutputBuffer {
	if max <= 0 {
		max = DefaultMaxCapture
	}
	return &OutputBuffer{sink: sink, max: max}
}

// Write never fails: errors of the live sink are dropped so that a broken
// log file does not abort the command.
func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sink != nil {
		b.sink.Write(p)
	}
	room := b.max - b.buf.Len()
	if room >= len(p) {
		b.buf.Write(p)
	} else {
		if room > 0 {
			b.buf.Write(p[:room])
		}
		b.truncated = true
	}
	return len(p), nil
}

// WriteString is a convenience wrapper of Write.
func (b *OutputBuffer) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

// String returns the captured output.
func (b *OutputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Truncated reports whether output was dropped from the capture.
func (b *OutputBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Fill copies the captured output into r.
func (b *OutputBuffer) Fill(r *Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r.Stdout = b.buf.String()
	r.Truncated = b.truncated
}
