// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package all lists the frameworks compiled into kirk.
package all

import (
	"go.chromium.org/kirk/framework"
	"go.chromium.org/kirk/framework/ltp"
	"go.chromium.org/kirk/framework/manifest"
)

// Default is the framework used when none is selected.
const Default = ltp.Name

// Plugins returns the frameworks sorted by name.
func Plugins() []*framework.Plugin {
	return []*framework.Plugin{ltp.Plugin, manifest.Plugin}
}
