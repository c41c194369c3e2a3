// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ctxutil

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOptionalTimeout(t *testing.T) {
	for _, tc := range []struct {
		name        string
		d           time.Duration
		hasDeadline bool
	}{
		{"positive", time.Minute, true},
		{"zero", 0, false},
		{"negative", -time.Second, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := OptionalTimeout(context.Background(), tc.d, nil)
			defer cancel()
			if _, ok := ctx.Deadline(); ok != tc.hasDeadline {
				t.Errorf("OptionalTimeout(%v) has deadline = %v; want %v", tc.d, ok, tc.hasDeadline)
			}
		})
	}
}

func TestOptionalTimeoutCause(t *testing.T) {
	cause := errors.New("command timed out")
	ctx, cancel := OptionalTimeout(context.Background(), time.Millisecond, cause)
	defer cancel()
	<-ctx.Done()
	if got := context.Cause(ctx); got != cause {
		t.Errorf("Cause = %v; want %v", got, cause)
	}
}

func TestShorten(t *testing.T) {
	dl := time.Now().Add(time.Hour)
	ctx, cancel := context.WithDeadline(context.Background(), dl)
	defer cancel()

	sctx, scancel := Shorten(ctx, time.Minute)
	defer scancel()
	got, ok := sctx.Deadline()
	if !ok || !got.Equal(dl.Add(-time.Minute)) {
		t.Errorf("Shorten deadline = %v, %v; want %v", got, ok, dl.Add(-time.Minute))
	}

	nctx, ncancel := Shorten(context.Background(), time.Minute)
	defer ncancel()
	if _, ok := nctx.Deadline(); ok {
		t.Error("Shorten added a deadline to a context without one")
	}
}

func TestDetach(t *testing.T) {
	type key struct{}
	parent, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "v"))
	cancel()

	ctx, dcancel := Detach(parent, time.Minute)
	defer dcancel()
	if ctx.Err() != nil {
		t.Errorf("Detach returned a canceled context: %v", ctx.Err())
	}
	if ctx.Value(key{}) != "v" {
		t.Error("Detach dropped context values")
	}
}

func TestDeadlineBefore(t *testing.T) {
	now := time.Now()
	ctx, cancel := context.WithDeadline(context.Background(), now.Add(time.Minute))
	defer cancel()
	if !DeadlineBefore(ctx, now.Add(time.Hour)) {
		t.Error("DeadlineBefore(+1h) = false; want true")
	}
	if DeadlineBefore(ctx, now) {
		t.Error("DeadlineBefore(now) = true; want false")
	}
	if DeadlineBefore(context.Background(), now) {
		t.Error("DeadlineBefore without deadline = true; want false")
	}
}

func TestWithGrace(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := WithGrace(parent, 50*time.Millisecond)
	defer cancel()

	cancelParent()
	if ctx.Err() != nil {
		t.Fatal("Context was canceled together with its parent")
	}
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Context was not canceled after the grace period")
	}
}

func TestWithGraceCancel(t *testing.T) {
	ctx, cancel := WithGrace(context.Background(), time.Hour)
	cancel()
	if ctx.Err() == nil {
		t.Error("CancelFunc did not cancel the context")
	}
}
