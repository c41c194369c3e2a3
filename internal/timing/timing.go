// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package timing records how long the stages of a kirk session take.
package timing

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"go.chromium.org/kirk/errors"
)

// Log contains nested timing information.
type Log struct {
	// Root is a special root stage containing all stages as its descendants.
	// Its End should not be called, and its timestamps should be ignored.
	Root *Stage

	clock clock.Clock
}

// NewLog returns a new Log reading the wall clock.
func NewLog() *Log {
	return NewLogWithClock(clock.NewClock())
}

// NewLogWithClock returns a new Log reading time from clk.
func NewLogWithClock(clk clock.Clock) *Log {
	return &Log{Root: &Stage{clock: clk}, clock: clk}
}

// StartTop starts and returns a new top-level stage named name.
func (l *Log) StartTop(name string) *Stage {
	return l.Root.StartChild(name)
}

// Empty returns true if l doesn't contain any stages.
func (l *Log) Empty() bool {
	l.Root.mu.Lock()
	defer l.Root.mu.Unlock()
	return len(l.Root.Children) == 0
}

// WritePretty writes timing information to w as JSON, consisting of an array
// of stages, each represented by an array consisting of the stage's duration,
// name, and an optional array of child stages:
//
//	[[4.000, "session", [
//	         [3.000, "suite:math", [
//	                 [1.000, "sut.restart"],
//	                 [2.000, "sut.start"]]],
//	         [1.000, "export"]]],
//	 [0.531, "teardown"]]
func (l *Log) WritePretty(w io.Writer) error {
	l.Root.mu.Lock()
	defer l.Root.mu.Unlock()

	// Errors are sticky in bufio.Writer, so only Flush is checked.
	bw := bufio.NewWriter(w)

	io.WriteString(bw, "[")
	for i, s := range l.Root.Children {
		var indent string
		if i > 0 {
			indent = " "
		}
		if err := s.writePretty(bw, indent, " ", i == len(l.Root.Children)-1); err != nil {
			return err
		}
	}
	io.WriteString(bw, "]\n")
	return bw.Flush()
}

type jsonLog struct {
	Stages []*Stage `json:"stages"`
}

// MarshalJSON marshals Log as JSON.
func (l *Log) MarshalJSON() ([]byte, error) {
	l.Root.mu.Lock()
	defer l.Root.mu.Unlock()
	return json.Marshal(&jsonLog{Stages: l.Root.Children})
}

// Stage represents a discrete unit of work that is being timed.
type Stage struct {
	Name      string    `json:"name"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Children  []*Stage  `json:"children,omitempty"`

	clock clock.Clock
	mu    sync.Mutex // protects EndTime and Children
}

// StartChild creates and returns a new named timing stage as a child of s.
// Stage.End should be called when the stage is completed. nil is returned if
// s has already ended.
func (s *Stage) StartChild(name string) *Stage {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.EndTime.IsZero() {
		return nil
	}
	c := &Stage{Name: name, StartTime: s.clock.Now(), clock: s.clock}
	s.Children = append(s.Children, c)
	return c
}

// Import adds the top-level stages of o as children of s.
func (s *Stage) Import(o *Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.EndTime.IsZero() {
		return errors.New("stage has ended")
	}
	s.Children = append(s.Children, o.Root.Children...)
	return nil
}

// End ends the stage and any child stage left open. It is safe to call End
// on a nil stage.
func (s *Stage) End() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.EndTime.IsZero() {
		return
	}
	for _, c := range s.Children {
		c.End()
	}
	s.EndTime = s.clock.Now()
}

// Elapsed returns the stage duration so far.
func (s *Stage) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked()
}

func (s *Stage) elapsedLocked() time.Duration {
	if s.EndTime.IsZero() {
		return s.clock.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// writePretty writes the stage and its children to w as a JSON array. The
// first line is indented by initialIndent and any following line by
// followIndent. A trailing comma and newline are appended unless last is set.
func (s *Stage) writePretty(w *bufio.Writer, initialIndent, followIndent string, last bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mn, err := json.Marshal(&s.Name)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s[%0.3f, %s", initialIndent, s.elapsedLocked().Seconds(), mn)

	if len(s.Children) > 0 {
		io.WriteString(w, ", [\n")
		ci := followIndent + strings.Repeat(" ", 8)
		for i, c := range s.Children {
			if err := c.writePretty(w, ci, ci, i == len(s.Children)-1); err != nil {
				return err
			}
		}
		io.WriteString(w, "]")
	}

	io.WriteString(w, "]")
	if !last {
		io.WriteString(w, ",\n")
	}
	return nil
}

type key int

const (
	logKey key = iota
	currentStageKey
)

// NewContext returns a new context that carries l and its root stage as
// the current stage.
func NewContext(ctx context.Context, l *Log) context.Context {
	ctx = context.WithValue(ctx, logKey, l)
	return context.WithValue(ctx, currentStageKey, l.Root)
}

// FromContext returns the Log and the current Stage stored in ctx, if any.
func FromContext(ctx context.Context) (*Log, *Stage, bool) {
	l, ok := ctx.Value(logKey).(*Log)
	if !ok {
		return nil, nil, false
	}
	s, ok := ctx.Value(currentStageKey).(*Stage)
	if !ok {
		return nil, nil, false
	}
	return l, s, true
}

// Start starts and returns a new Stage named name within the Log attached
// to ctx. If no Log is attached to ctx, nil is returned. It is safe to call
// End on a nil stage.
//
//	ctx, st := timing.Start(ctx, "sut.start")
//	defer st.End()
func Start(ctx context.Context, name string) (context.Context, *Stage) {
	_, s, ok := FromContext(ctx)
	if !ok {
		return ctx, nil
	}
	c := s.StartChild(name)
	if c == nil {
		return ctx, nil
	}
	return context.WithValue(ctx, currentStageKey, c), c
}
