// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package framework defines how kirk discovers tests and interprets their
// output.
package framework

import (
	"context"
	"encoding/base64"
	"time"

	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/results"
	"go.chromium.org/kirk/shutil"
	"go.chromium.org/kirk/suite"
)

// Config is passed to Framework.Setup.
type Config struct {
	// Options are the user options, checked against Help.
	Options com.Options
	// ExecTimeout is the default timeout of a test, or 0 for none.
	ExecTimeout time.Duration
}

// Framework is a testing framework installed on the SUT.
type Framework interface {
	// Name returns the framework name.
	Name() string
	// Help maps every accepted option to its description.
	Help() map[string]string
	// Setup configures the framework. It does no I/O on the SUT.
	Setup(cfg *Config) error
	// Suites lists the suites available on the SUT.
	Suites(ctx context.Context, ch com.Channel) ([]string, error)
	// FindSuite returns the suite named name.
	FindSuite(ctx context.Context, ch com.Channel, name string) (*suite.Suite, error)
	// FindCommand returns a test running cmd, a shell command line.
	FindCommand(ctx context.Context, ch com.Channel, cmd string) (*suite.Test, error)
	// ReadResult interprets the output and exit code of a test.
	ReadResult(t *suite.Test, stdout string, code int, d time.Duration) *results.TestResult
}

// Plugin describes a framework implementation.
type Plugin struct {
	Name string
	Help map[string]string
	New  func() Framework
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

// ReadResult classifies a test by its exit code only.
func ReadResult(t *suite.Test, stdout string, code int, d time.Duration) *results.TestResult {
	return results.NewTestResult(t, results.StatusFromCode(code), code, stdout, d)
}

// Run runs cmd on ch and returns its output, failing if the exit code is not
// zero.
func Run(ctx context.Context, ch com.Channel, cmd string) (string, error) {
	res, err := ch.RunCommand(ctx, cmd, nil)
	if err != nil {
		return "", err
	}
	if res.ReturnCode != 0 {
		return res.Stdout, errors.Errorf("%q failed with code %d: %s", cmd, res.ReturnCode, res.Stdout)
	}
	return res.Stdout, nil
}

// Test reports whether the shell test expression expr holds on the SUT,
// e.g. Test(ctx, ch, "-d", "/opt/ltp").
func Test(ctx context.Context, ch com.Channel, args ...string) (bool, error) {
	res, err := ch.RunCommand(ctx, "test "+shutil.EscapeSlice(args), nil)
	if err != nil {
		return false, err
	}
	return res.ReturnCode == 0, nil
}

// ReadFile reads a file on the SUT, through the channel's file transfer when
// it has one.
func ReadFile(ctx context.Context, ch com.Channel, path string) ([]byte, error) {
	if f, ok := ch.(com.FileFetcher); ok {
		return f.FetchFile(ctx, path)
	}
	out, err := Run(ctx, ch, "base64 "+shutil.Escape(path))
	if err != nil {
		return nil, err
	}
	b, err := base64.StdEncoding.DecodeString(stripSpace(out))
	if err != nil {
		return nil, errors.Wrapf(err, "bad content of %s", path)
	}
	return b, nil
}

func stripSpace(s string) string {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
		default:
			b = append(b, s[i])
		}
	}
	return string(b)
}
