// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package all lists the communication channels compiled into kirk.
package all

import (
	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/com/docker"
	"go.chromium.org/kirk/com/ltx"
	"go.chromium.org/kirk/com/qemu"
	"go.chromium.org/kirk/com/shell"
	"go.chromium.org/kirk/com/ssh"
)

// Plugins returns every built-in channel plugin.
func Plugins() []*com.Plugin {
	return []*com.Plugin{
		docker.Plugin,
		ltx.Plugin,
		qemu.Plugin,
		shell.Plugin,
		ssh.Plugin,
	}
}

// NewRegistry returns a registry knowing every built-in channel plugin.
func NewRegistry() (*com.Registry, error) {
	return com.NewRegistry(Plugins()...)
}
