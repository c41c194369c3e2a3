// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package logging delivers log messages through context.Context.
//
// Every package in kirk logs with Info/Debug/Warning(ctx, ...). The command
// line tool decides where messages end up by attaching loggers to the root
// context: the console, the session's debug.log, or both.
package logging

import (
	"sync"
	"time"
)

// Level indicates a logging level. A larger level value means a log is more
// important.
type Level int

const (
	// LevelDebug is used for protocol traces and command output.
	LevelDebug Level = iota
	// LevelInfo is used for progress messages.
	LevelInfo
	// LevelWarning is used for conditions the user should know about but
	// that do not stop the session.
	LevelWarning
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	default:
		return "UNKNOWN"
	}
}

// Logger consumes logs sent via context.Context.
type Logger interface {
	Log(level Level, ts time.Time, msg string)
}

// MultiLogger copies logs to multiple underlying loggers. Loggers can be
// added and removed at any time.
type MultiLogger struct {
	mu      sync.Mutex
	loggers []Logger
}

// NewMultiLogger creates a new MultiLogger with an initial set of loggers.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log copies a log to the current underlying loggers.
func (ml *MultiLogger) Log(level Level, ts time.Time, msg string) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	for _, logger := range ml.loggers {
		logger.Log(level, ts, msg)
	}
}

// AddLogger adds a logger to the set of underlying loggers.
func (ml *MultiLogger) AddLogger(logger Logger) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.loggers = append(ml.loggers, logger)
}

// RemoveLogger removes a logger from the set of underlying loggers.
func (ml *MultiLogger) RemoveLogger(logger Logger) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	kept := ml.loggers[:0]
	for _, l := range ml.loggers {
		if l != logger {
			kept = append(kept, l)
		}
	}
	ml.loggers = kept
}

// FuncLogger adapts a function to Logger.
type FuncLogger func(level Level, ts time.Time, msg string)

// Log calls f.
func (f FuncLogger) Log(level Level, ts time.Time, msg string) {
	f(level, ts, msg)
}
