// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package scheduler runs suites of tests on a SUT.
package scheduler

import (
	"time"

	"code.cloudfoundry.org/clock"

	"go.chromium.org/kirk/internal/metrics"
	"go.chromium.org/kirk/results"
)

const (
	// DefaultMaxRetries is the number of times a broken test is retried.
	DefaultMaxRetries = 1
	// DefaultGrace is the time in-flight tests are given to finish once the
	// run is canceled.
	DefaultGrace = 10 * time.Second

	// pingTimeout bounds the liveness check made after a test timeout.
	pingTimeout = 10 * time.Second
)

// Config controls how tests are run.
type Config struct {
	// Workers is the number of tests run concurrently. Values below 1 mean 1.
	Workers int
	// ExecTimeout is the timeout of tests not defining their own, or 0 for
	// none.
	ExecTimeout time.Duration
	// SuiteTimeout bounds the execution of a suite, or 0 for none.
	SuiteTimeout time.Duration
	// MaxRetries is the number of times a broken test is run again after
	// restarting the SUT.
	MaxRetries int
	// RestartDelay is waited before restarting the SUT.
	RestartDelay time.Duration
	// Grace is the time in-flight tests are given once the run is canceled.
	Grace time.Duration
	// Env is exported to every test. It overrides the suite environment and
	// is overridden by the test environment.
	Env map[string]string
	// LogDir, if not empty, receives the raw output of tests in
	// <suite>/<test>.log.
	LogDir string

	// OnResult, if set, is called with every result as soon as it is known.
	OnResult func(suite string, r *results.TestResult)
	// Metrics records test outcomes. It may be nil.
	Metrics *metrics.Metrics
	// Clock is used to measure durations. It defaults to the real clock.
	Clock clock.Clock
}

func (c *Config) workers() int {
	if c.Workers < 1 {
		return 1
	}
	return c.Workers
}

func (c *Config) grace() time.Duration {
	if c.Grace <= 0 {
		return DefaultGrace
	}
	return c.Grace
}

func (c *Config) clock() clock.Clock {
	if c.Clock == nil {
		return clock.NewClock()
	}
	return c.Clock
}
