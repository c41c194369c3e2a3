// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ssh

import "context"

// doAsync runs body in a goroutine and returns its result, or ctx.Err() if
// ctx is canceled first.
//
// body is called even if ctx is already canceled. If body fails or ctx is
// canceled before body finishes, clean (when non-nil) is called after body
// returns, in the same goroutine, to undo its effect.
func doAsync(ctx context.Context, body func() error, clean func()) (retErr error) {
	bodyCh := make(chan error, 1)
	retCh := make(chan error, 1)
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		bodyCh <- body()
		if err := <-retCh; err != nil && clean != nil {
			clean()
		}
	}()

	defer func() {
		retCh <- retErr
		select {
		case <-doneCh:
		case <-ctx.Done():
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case err := <-bodyCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
