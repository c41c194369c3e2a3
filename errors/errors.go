// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package errors constructs errors that carry the location they were created
// at, and chains of causes.
//
// Use this package instead of the standard errors.New and fmt.Errorf inside
// kirk so that a failing session leaves a useful trace in debug.log:
//
//	errors.New("no execution slots available")
//	errors.Errorf("suite %q not found", name)
//	errors.Wrap(err, "failed to start SUT")
//	errors.Wrapf(err, "failed to run %q", cmd)
//
// Formatting an error with "%+v" prints every link of the chain together with
// its stack trace.
package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"go.chromium.org/kirk/errors/stack"
)

// impl is the error implementation used by this package.
type impl struct {
	msg   string
	stk   stack.Stack
	cause error
}

func (e *impl) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return e.msg + ": " + e.cause.Error()
}

// Unwrap returns the cause of e, allowing Is and As to walk the chain.
func (e *impl) Unwrap() error {
	return e.cause
}

// Format implements fmt.Formatter. The "%+v" verb prints the chain with
// stack traces.
func (e *impl) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		io.WriteString(s, formatChain(e))
		return
	}
	io.WriteString(s, e.Error())
}

func formatChain(err error) string {
	var chain []string
	for err != nil {
		e, ok := err.(*impl)
		if !ok {
			if f, ok := err.(fmt.Formatter); ok {
				// Typed errors elsewhere in kirk wrap an impl; let them
				// print their own chain.
				chain = append(chain, fmt.Sprintf("%+v", f))
			} else {
				chain = append(chain, err.Error()+"\n\tat ???")
			}
			break
		}
		chain = append(chain, fmt.Sprintf("%s\n%v", e.msg, e.stk))
		err = e.cause
	}
	return strings.Join(chain, "\n")
}

// New creates an error with msg, recording the caller's location.
func New(msg string) error {
	return &impl{msg, stack.New(1), nil}
}

// Errorf is like New but formats its arguments with fmt.Sprintf.
func Errorf(format string, args ...interface{}) error {
	return &impl{fmt.Sprintf(format, args...), stack.New(1), nil}
}

// Wrap creates an error with msg whose cause is cause. If cause is nil, Wrap
// behaves like New.
func Wrap(cause error, msg string) error {
	return &impl{msg, stack.New(1), cause}
}

// Wrapf is like Wrap but formats its arguments with fmt.Sprintf.
func Wrapf(cause error, format string, args ...interface{}) error {
	return &impl{fmt.Sprintf(format, args...), stack.New(1), cause}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// Unwrap returns the next error in err's chain, or nil.
func Unwrap(err error) error { return stderrors.Unwrap(err) }
