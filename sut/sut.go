// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package sut manages the system under test: the machine tests run on and
// the communication channel used to reach it.
package sut

import (
	"context"

	"go.chromium.org/kirk/com"
)

// SUT is a system under test.
//
// Start and Stop are idempotent. IsRunning always reflects the liveness of
// the primary channel.
type SUT interface {
	// Name returns the SUT implementation name.
	Name() string
	// Help maps every accepted option to its description.
	Help() map[string]string
	// Setup validates opts and resolves channels from reg. It does no I/O.
	Setup(ctx context.Context, reg *com.Registry, opts com.Options) error
	// Start connects the channel and runs bring-up commands.
	Start(ctx context.Context) error
	// Stop disconnects the channel.
	Stop(ctx context.Context) error
	// Restart stops the SUT, runs the recovery action and starts it again.
	Restart(ctx context.Context) error
	// IsRunning reports whether the primary channel is active.
	IsRunning() bool
	// Channel returns the channel used to run tests.
	Channel() com.Channel
}

// Plugin describes a SUT implementation.
type Plugin struct {
	Name string
	Help map[string]string
	New  func() SUT
}

// Plugins returns the SUT implementations compiled into kirk.
func Plugins() []*Plugin {
	return []*Plugin{DefaultPlugin}
}

// Find returns the plugin named name in plugins.
func Find(plugins []*Plugin, name string) (*Plugin, bool) {
	for _, p := range plugins {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}
