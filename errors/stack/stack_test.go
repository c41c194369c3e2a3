// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package stack

import (
	"regexp"
	"strings"
	"testing"
)

func helper() Stack {
	return New(0)
}

func TestNew(t *testing.T) {
	s := helper()
	re := regexp.MustCompile(`^\tat go\.chromium\.org/kirk/errors/stack\.helper \(stack_test\.go:\d+\)\n\tat go\.chromium\.org/kirk/errors/stack\.TestNew \(stack_test\.go:\d+\)`)
	if str := s.String(); !re.MatchString(str) {
		t.Errorf("String() = %q; want match for %q", str, re)
	}
}

func TestFrames(t *testing.T) {
	frames := helper().Frames()
	if len(frames) < 2 {
		t.Fatalf("Frames() = %v; want at least 2 frames", frames)
	}
	if !strings.HasSuffix(frames[0], ".helper") || !strings.HasSuffix(frames[1], ".TestFrames") {
		t.Errorf("Frames() = %v; want helper then TestFrames", frames)
	}
}

func recurse(n int) Stack {
	if n == 0 {
		return New(0)
	}
	return recurse(n - 1)
}

func TestDepthLimit(t *testing.T) {
	s := recurse(maxDepth * 2).String()
	if !strings.HasSuffix(s, ellipsis) {
		t.Errorf("String() of a deep stack does not end with ellipsis:\n%s", s)
	}
	if n := strings.Count(s, "\n") + 1; n != maxDepth+1 {
		t.Errorf("String() has %d lines; want %d", n, maxDepth+1)
	}
}
