// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logging

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestSinkLogger(t *testing.T) {
	var msgs []string
	sink := NewFuncSink(func(msg string) { msgs = append(msgs, msg) })
	l := NewSinkLogger(LevelInfo, false, sink)

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	l.Log(LevelDebug, ts, "debug")
	l.Log(LevelInfo, ts, "info")
	l.Log(LevelWarning, ts, "warning")

	if diff := cmp.Diff(msgs, []string{"info", "warning"}); diff != "" {
		t.Error("Unexpected msgs (-got +want):\n", diff)
	}
}

func TestFileLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewFileLogger(&buf)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	l.Log(LevelDebug, ts, "raw output")

	const exp = "2024-01-02T03:04:05.000000Z [DEBUG] raw output\n"
	if got := buf.String(); got != exp {
		t.Errorf("FileLogger wrote %q; want %q", got, exp)
	}
}

func TestMultiLogger(t *testing.T) {
	var a, b []string
	la := FuncLogger(func(_ Level, _ time.Time, msg string) { a = append(a, msg) })
	lb := NewSinkLogger(LevelDebug, false, NewFuncSink(func(msg string) { b = append(b, msg) }))

	ml := NewMultiLogger(la)
	ml.AddLogger(lb)
	ml.Log(LevelInfo, time.Now(), "both")
	ml.RemoveLogger(lb)
	ml.Log(LevelInfo, time.Now(), "first only")

	if diff := cmp.Diff(a, []string{"both", "first only"}); diff != "" {
		t.Error("First logger (-got +want):\n", diff)
	}
	if diff := cmp.Diff(b, []string{"both"}); diff != "" {
		t.Error("Second logger (-got +want):\n", diff)
	}
}
