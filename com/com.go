// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package com defines communication channels used to run commands on a
// system under test.
//
// A Channel is a named, stateful transport: the local shell, an SSH
// connection, a Qemu serial console, an LTX agent or a docker container. The
// scheduler only ever talks to the Channel interface; optional capabilities
// (ping, file transfer) are discovered by type assertion.
package com

import (
	"context"
	"io"
	"time"
)

// Channel runs commands on a system under test.
type Channel interface {
	// Name returns the identifier the channel was registered with.
	Name() string
	// Connect establishes the connection. Calling it on a connected channel
	// is a no-op. Failures are connection-kind errors.
	Connect(ctx context.Context) error
	// RunCommand executes cmd and waits for it to complete. A command
	// exiting with a non-zero status is not an error.
	RunCommand(ctx context.Context, cmd string, opts *RunOptions) (*Result, error)
	// Stop terminates the connection, killing commands in flight. It is
	// safe to call Stop on a stopped channel.
	Stop(ctx context.Context) error
	// Active reports whether the channel is connected.
	Active() bool
}

// RunOptions controls a single RunCommand call. A nil *RunOptions is valid.
type RunOptions struct {
	// Timeout bounds the command run time. Zero means no per-command
	// timeout; ctx is still honored.
	Timeout time.Duration
	// Env is exported before running the command.
	Env map[string]string
	// Cwd is the working directory of the command.
	Cwd string
	// Output receives command output as it arrives. It may be nil.
	Output io.Writer
}

// GetTimeout returns o.Timeout, or zero for a nil o.
func (o *RunOptions) GetTimeout() time.Duration {
	if o == nil {
		return 0
	}
	return o.Timeout
}

// GetEnv returns o.Env, or nil for a nil o.
func (o *RunOptions) GetEnv() map[string]string {
	if o == nil {
		return nil
	}
	return o.Env
}

// GetCwd returns o.Cwd, or "" for a nil o.
func (o *RunOptions) GetCwd() string {
	if o == nil {
		return ""
	}
	return o.Cwd
}

// GetOutput returns o.Output, or nil for a nil o.
func (o *RunOptions) GetOutput() io.Writer {
	if o == nil {
		return nil
	}
	return o.Output
}

// Result describes a completed (or timed out) command.
type Result struct {
	Command    string
	ReturnCode int
	Duration   time.Duration
	// Stdout holds the combined output, capped at the channel's capture
	// limit.
	Stdout string
	// Truncated is set when Stdout hit the capture limit.
	Truncated bool
}

// Pinger is implemented by channels able to measure their round trip time.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// FileFetcher is implemented by channels able to read files from the SUT.
type FileFetcher interface {
	FetchFile(ctx context.Context, path string) ([]byte, error)
}

// FileSender is implemented by channels able to write files to the SUT.
type FileSender interface {
	SetFile(ctx context.Context, path string, data []byte) error
}

// Parallelizer is implemented by channels that can tell whether they run
// several commands at once. Channels not implementing it are assumed to.
type Parallelizer interface {
	ParallelExecution() bool
}

// SupportsParallel reports whether ch can run concurrent commands.
func SupportsParallel(ch Channel) bool {
	if p, ok := ch.(Parallelizer); ok {
		return p.ParallelExecution()
	}
	return true
}
