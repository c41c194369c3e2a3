// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package ctxutil provides convenience functions for working with context.Context objects.
package ctxutil

import (
	"context"
	"math"
	"sync"
	"time"
)

// MaxTimeout is the maximum value of time.Duration, approximately 290 years.
const MaxTimeout time.Duration = math.MaxInt64

// OptionalTimeout returns a context with timeout d if d is positive. Otherwise
// the returned context only inherits ctx's deadline. cause is reported by
// context.Cause when the timeout fires; it may be nil.
func OptionalTimeout(ctx context.Context, d time.Duration, cause error) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, d, cause)
}

// Shorten returns a context derived from ctx with its deadline shortened by d.
// If ctx has no deadline, the returned context won't have one either.
func Shorten(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	dl, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, dl.Add(-d))
}

// Detach returns a context that carries ctx's values but is never canceled,
// with a fresh timeout of grace. It is used to finish cleanup (killing
// processes, stopping channels) after the caller's context was canceled.
func Detach(ctx context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), grace)
}

// DeadlineBefore returns true if ctx has a deadline that expires before t.
// It returns true if the deadline has already expired and false if no deadline is set.
func DeadlineBefore(ctx context.Context, t time.Time) bool {
	dl, ok := ctx.Deadline()
	if !ok {
		return false
	}
	return dl.Before(t)
}

// WithGrace returns a context that is canceled grace after ctx is done, or
// when the returned CancelFunc is called. Values of ctx are kept.
func WithGrace(ctx context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	gctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var timer *time.Timer
	var mu sync.Mutex
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		timer = time.AfterFunc(grace, cancel)
	})
	return gctx, func() {
		stop()
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		cancel()
	}
}
