// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package loggingtest provides logging utilities for unit tests.
package loggingtest

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.chromium.org/kirk/internal/logging"
)

// Logger is a logging.Logger that accumulates logs in memory so that unit
// tests can inspect what a function call logged.
type Logger struct {
	level logging.Level

	mu   sync.Mutex
	logs []string
}

// NewLogger creates a new Logger keeping logs at level or above.
func NewLogger(level logging.Level) *Logger {
	return &Logger{level: level}
}

// Attach returns a context carrying a new Logger at level, and the Logger.
func Attach(ctx context.Context, level logging.Level) (context.Context, *Logger) {
	l := NewLogger(level)
	return logging.AttachLogger(ctx, l), l
}

// Log gets called for a log event.
func (l *Logger) Log(level logging.Level, ts time.Time, msg string) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, msg)
}

// Logs returns a list of logs received so far.
func (l *Logger) Logs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.logs...)
}

// Contains reports whether any received log contains substr.
func (l *Logger) Contains(substr string) bool {
	for _, msg := range l.Logs() {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// String returns received logs as a newline-separated string.
func (l *Logger) String() string {
	return strings.Join(l.Logs(), "\n")
}
