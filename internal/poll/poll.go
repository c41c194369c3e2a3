// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package poll repeatedly calls a function until it succeeds.
package poll

import (
	"context"
	"time"

	"go.chromium.org/kirk/ctxutil"
	"go.chromium.org/kirk/errors"
)

const defaultInterval = 100 * time.Millisecond

// Options controls Poll.
type Options struct {
	// Timeout specifies the maximum time to poll.
	// Non-positive values indicate no timeout (although context deadlines will still be honored).
	Timeout time.Duration
	// Interval specifies how long to sleep between polling.
	// Non-positive values indicate that a reasonable default should be used.
	Interval time.Duration
	// Attempts bounds the number of calls. Non-positive values mean unbounded.
	Attempts int
}

type breakError struct {
	err error
}

func (b *breakError) Error() string {
	return b.err.Error()
}

// Break wraps err so that Poll returns it immediately.
func Break(err error) error {
	return &breakError{err}
}

// Poll runs f until it returns nil, Break, the timeout is reached or the
// attempts are used up. The last error returned by f is wrapped into the
// returned error.
func Poll(ctx context.Context, f func(context.Context) error, opts *Options) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	timeout := ctxutil.MaxTimeout
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := defaultInterval
	if opts != nil && opts.Interval > 0 {
		interval = opts.Interval
	}
	attempts := 0
	if opts != nil {
		attempts = opts.Attempts
	}

	var lastErr error
	for n := 1; ; n++ {
		err := f(ctx)
		if err == nil {
			return nil
		}

		if e, ok := err.(*breakError); ok {
			if ctx.Err() != nil && lastErr != nil {
				return errors.Wrapf(lastErr, "%s; last error follows", e.err)
			}
			return e.err
		}

		// Keep the error from before the deadline rather than a bare
		// "context deadline exceeded" returned by f.
		if lastErr == nil || ctx.Err() == nil {
			lastErr = err
		}

		if attempts > 0 && n >= attempts {
			return errors.Wrapf(lastErr, "gave up after %d attempts", n)
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return errors.Wrapf(lastErr, "%s; last error follows", ctx.Err())
		}
	}
}
