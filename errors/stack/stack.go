// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package stack captures and formats stack traces for the errors package.
package stack

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	maxDepth = 8 // maximum number of frames kept per error

	ellipsis = "\t..."
)

// Stack holds a snapshot of program counters.
type Stack []uintptr

// New captures a stack trace, skipping skip frames above the caller of New.
func New(skip int) Stack {
	pc := make([]uintptr, maxDepth+1)
	pc = pc[:runtime.Callers(skip+2, pc)]
	return Stack(pc)
}

// Frames returns the function names recorded in s, innermost first.
func (s Stack) Frames() []string {
	var names []string
	cf := runtime.CallersFrames(s)
	for {
		f, more := cf.Next()
		names = append(names, f.Function)
		if !more || len(names) >= maxDepth {
			return names
		}
	}
}

// String formats the trace one frame per line, each prefixed by a tab.
func (s Stack) String() string {
	var lines []string
	cf := runtime.CallersFrames(s)
	for {
		f, more := cf.Next()
		lines = append(lines, fmt.Sprintf("\tat %s (%s:%d)", f.Function, filepath.Base(f.File), f.Line))
		if !more {
			break
		}
		if len(lines) >= maxDepth {
			lines = append(lines, ellipsis)
			break
		}
	}
	return strings.Join(lines, "\n")
}
