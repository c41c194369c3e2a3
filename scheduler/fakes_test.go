// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/com/comtest"
	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/framework"
	"go.chromium.org/kirk/results"
	"go.chromium.org/kirk/suite"
	"go.chromium.org/kirk/sut"
)

// fakeSUT is a SUT reached through a comtest channel.
type fakeSUT struct {
	ch *comtest.Channel

	mu         sync.Mutex
	restarts   int
	startErr   error
	restartErr error
}

var _ sut.SUT = (*fakeSUT)(nil)

func (s *fakeSUT) Name() string            { return "fake" }
func (s *fakeSUT) Help() map[string]string { return nil }
func (s *fakeSUT) Setup(ctx context.Context, reg *com.Registry, opts com.Options) error {
	return nil
}

func (s *fakeSUT) Start(ctx context.Context) error {
	s.mu.Lock()
	err := s.startErr
	s.startErr = nil
	s.mu.Unlock()
	if err != nil {
		return sut.BringUpError("fake", err)
	}
	return s.ch.Connect(ctx)
}

func (s *fakeSUT) Stop(ctx context.Context) error { return s.ch.Stop(ctx) }

func (s *fakeSUT) Restart(ctx context.Context) error {
	s.mu.Lock()
	s.restarts++
	err := s.restartErr
	s.mu.Unlock()
	s.ch.Stop(ctx)
	if err != nil {
		return sut.BringUpError("fake", err)
	}
	return s.ch.Connect(ctx)
}

func (s *fakeSUT) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

func (s *fakeSUT) IsRunning() bool      { return s.ch.Active() }
func (s *fakeSUT) Channel() com.Channel { return s.ch }

// fakeFramework classifies tests by exit code.
type fakeFramework struct{}

var _ framework.Framework = fakeFramework{}

func (fakeFramework) Name() string                      { return "fake" }
func (fakeFramework) Help() map[string]string           { return nil }
func (fakeFramework) Setup(cfg *framework.Config) error { return nil }
func (fakeFramework) Suites(ctx context.Context, ch com.Channel) ([]string, error) {
	return nil, nil
}
func (fakeFramework) FindSuite(ctx context.Context, ch com.Channel, name string) (*suite.Suite, error) {
	return nil, errors.New("not implemented")
}
func (fakeFramework) FindCommand(ctx context.Context, ch com.Channel, cmd string) (*suite.Test, error) {
	return &suite.Test{Name: cmd, Command: cmd}, nil
}
func (fakeFramework) ReadResult(t *suite.Test, stdout string, code int, d time.Duration) *results.TestResult {
	return framework.ReadResult(t, stdout, code, d)
}

// isInspection reports whether cmd inspects the SUT rather than running a test.
func isInspection(cmd string) bool {
	switch cmd {
	case "cat /proc/sys/kernel/tainted", "id -u", "cat /proc/meminfo":
		return true
	}
	return strings.HasPrefix(cmd, "uname ") || strings.HasPrefix(cmd, ". /etc/os-release")
}

// newEnv returns a running fake SUT whose test commands are served by h.
// Commands probing the kernel fail.
func newEnv(h comtest.Handler) (*fakeSUT, *comtest.Channel) {
	ch := comtest.New("ch0", func(ctx context.Context, cmd string, opts *com.RunOptions) (string, int, error) {
		if isInspection(cmd) {
			return "", 1, nil
		}
		return h(ctx, cmd, opts)
	})
	ch.Connect(context.Background())
	return &fakeSUT{ch: ch}, ch
}

// okHandler runs commands of the form "exit N".
func okHandler(ctx context.Context, cmd string, opts *com.RunOptions) (string, int, error) {
	var code int
	if _, err := fmt.Sscanf(cmd, "exit %d", &code); err == nil {
		return fmt.Sprintf("exiting with %d\n", code), code, nil
	}
	return cmd + "\n", 0, nil
}

func makeSuite(name string, n int, parallel bool) *suite.Suite {
	s := &suite.Suite{Name: name}
	for i := 0; i < n; i++ {
		s.Tests = append(s.Tests, &suite.Test{
			Name:     fmt.Sprintf("%s%02d", name, i),
			Command:  fmt.Sprintf("%s%02d", name, i),
			Parallel: parallel && i%3 != 0,
		})
	}
	return s
}

func names(rs []*results.TestResult) []string {
	var ns []string
	for _, r := range rs {
		ns = append(ns, r.Test.Name)
	}
	return ns
}

func statuses(rs []*results.TestResult) string {
	var ss []string
	for _, r := range rs {
		ss = append(ss, r.Test.Name+":"+r.Status.String())
	}
	return strings.Join(ss, " ")
}

func testCommands(ch *comtest.Channel) []string {
	var cmds []string
	for _, c := range ch.Commands() {
		if !isInspection(c) {
			cmds = append(cmds, c)
		}
	}
	return cmds
}
