// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package com

import (
	"context"
	"time"

	"go.chromium.org/kirk/ctxutil"
	"go.chromium.org/kirk/internal/logging"
	"go.chromium.org/kirk/internal/poll"
)

// DefaultConnectRetries is the number of connection attempts made by
// EnsureConnected when retries is not positive.
const DefaultConnectRetries = 10

// connectInterval is the pause between connection attempts.
var connectInterval = time.Second

// EnsureConnected connects ch, stopping and retrying on failure up to
// retries times.
func EnsureConnected(ctx context.Context, ch Channel, retries int) error {
	if retries <= 0 {
		retries = DefaultConnectRetries
	}
	attempt := 0
	return poll.Poll(ctx, func(ctx context.Context) error {
		attempt++
		err := ch.Connect(ctx)
		if err == nil {
			return nil
		}
		logging.Infof(ctx, "Connection attempt %d/%d to %s failed: %v", attempt, retries, ch.Name(), err)
		if serr := ch.Stop(ctx); serr != nil {
			logging.Debugf(ctx, "Failed to stop %s after a failed connection: %v", ch.Name(), serr)
		}
		if ctxutil.DeadlineBefore(ctx, time.Now().Add(connectInterval)) {
			return poll.Break(err)
		}
		return err
	}, &poll.Options{Attempts: retries, Interval: connectInterval})
}
