// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package com

import (
	"fmt"

	"go.chromium.org/kirk/errors"
)

// Kind classifies channel failures.
type Kind int

const (
	// KindConnection means the channel could not be connected or was used
	// while disconnected.
	KindConnection Kind = iota + 1
	// KindTransport means the connection was lost or the SUT stopped
	// responding while a command was in flight.
	KindTransport
	// KindTimeout means a command exceeded its timeout and was killed. The
	// channel is still usable.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrNotConnected is wrapped by errors of commands issued on a channel
	// that is not connected.
	ErrNotConnected = errors.New("channel is not connected")
	// ErrKernelPanic is wrapped by transport errors caused by a kernel panic
	// observed on the SUT.
	ErrKernelPanic = errors.New("kernel panic")
)

// Error is returned by channels for failures that are not command outcomes.
type Error struct {
	Kind    Kind
	Channel string
	// Result holds the partial result of the command, if any.
	Result *Result
	err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Channel, e.Kind, e.err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.err
}

// ConnectionError returns a KindConnection error for channel.
func ConnectionError(channel string, err error) error {
	return &Error{Kind: KindConnection, Channel: channel, err: err}
}

// TransportError returns a KindTransport error for channel.
func TransportError(channel string, res *Result, err error) error {
	return &Error{Kind: KindTransport, Channel: channel, Result: res, err: err}
}

// TimeoutError returns a KindTimeout error for channel carrying the partial
// result of the killed command.
func TimeoutError(channel string, res *Result, err error) error {
	return &Error{Kind: KindTimeout, Channel: channel, Result: res, err: err}
}

// ErrorKind returns the Kind of the first *Error in err's chain, or 0.
func ErrorKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// PartialResult returns the Result carried by the first *Error in err's
// chain, or nil.
func PartialResult(err error) *Result {
	var e *Error
	if errors.As(err, &e) {
		return e.Result
	}
	return nil
}

// IsConnection reports whether err is a KindConnection channel error.
func IsConnection(err error) bool { return ErrorKind(err) == KindConnection }

// IsTransport reports whether err is a KindTransport channel error.
func IsTransport(err error) bool { return ErrorKind(err) == KindTransport }

// IsTimeout reports whether err is a KindTimeout channel error.
func IsTimeout(err error) bool { return ErrorKind(err) == KindTimeout }

// IsKernelPanic reports whether err was caused by a kernel panic.
func IsKernelPanic(err error) bool { return errors.Is(err, ErrKernelPanic) }
