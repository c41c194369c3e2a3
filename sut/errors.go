// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sut

import (
	"fmt"

	"go.chromium.org/kirk/errors"
)

// Kind classifies SUT failures.
type Kind int

const (
	// KindSetup is a configuration error detected before any I/O.
	KindSetup Kind = iota + 1
	// KindBringUp means the SUT could not be started or recovered.
	KindBringUp
)

func (k Kind) String() string {
	switch k {
	case KindSetup:
		return "setup"
	case KindBringUp:
		return "bring-up"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is returned by SUT operations.
type Error struct {
	Kind Kind
	SUT  string
	err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("SUT %s: %s error: %v", e.SUT, e.Kind, e.err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.err
}

// SetupError returns a KindSetup error.
func SetupError(sut string, err error) error {
	return &Error{Kind: KindSetup, SUT: sut, err: err}
}

// BringUpError returns a KindBringUp error.
func BringUpError(sut string, err error) error {
	return &Error{Kind: KindBringUp, SUT: sut, err: err}
}

// IsSetup reports whether err is a KindSetup SUT error.
func IsSetup(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindSetup
}

// IsBringUp reports whether err is a KindBringUp SUT error.
func IsBringUp(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindBringUp
}
