// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scheduler

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/com/comtest"
	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/results"
	"go.chromium.org/kirk/suite"
	"go.chromium.org/kirk/sut"
)

// memStore records a summary of every saved progress.
type memStore struct {
	saves []string
}

func (m *memStore) Save(p *Progress) error {
	var done []string
	for _, r := range p.Completed {
		done = append(done, r.Suite)
	}
	m.saves = append(m.saves, fmt.Sprintf("[%s] %s", strings.Join(done, ","), p.Current))
	return nil
}

func suiteStatuses(rs []*results.SuiteResult) []string {
	var ss []string
	for _, r := range rs {
		ss = append(ss, r.Suite+": "+statuses(r.Tests))
	}
	return ss
}

func TestSuiteRun(t *testing.T) {
	s, ch := newEnv(okHandler)
	store := &memStore{}
	suites := []*suite.Suite{makeSuite("a", 2, false), makeSuite("b", 1, false)}

	res, err := NewSuiteScheduler(s, fakeFramework{}, &Config{}, store).Run(context.Background(), suites, nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if diff := cmp.Diff(suiteStatuses(res), []string{"a: a00:pass a01:pass", "b: b00:pass"}); diff != "" {
		t.Errorf("Results mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(store.saves, []string{"[] a", "[a] ", "[a] b", "[a,b] "}); diff != "" {
		t.Errorf("Saved progress mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(testCommands(ch), []string{"a00", "a01", "b00"}); diff != "" {
		t.Errorf("Commands mismatch (-got +want):\n%s", diff)
	}
	if res[0].SUTInfo.Kernel == "" {
		t.Error("SUT information was not collected")
	}
}

func TestSuiteTimeout(t *testing.T) {
	s, _ := newEnv(func(ctx context.Context, cmd string, opts *com.RunOptions) (string, int, error) {
		if cmd == "s01" {
			<-ctx.Done()
			return "", 0, ctx.Err()
		}
		return "", 0, nil
	})
	cfg := &Config{SuiteTimeout: 100 * time.Millisecond, Grace: time.Millisecond}
	suites := []*suite.Suite{makeSuite("s", 4, false), makeSuite("next", 1, false)}

	res, err := NewSuiteScheduler(s, fakeFramework{}, cfg, nil).Run(context.Background(), suites, nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	want := []string{
		"s: s00:pass s01:broken s02:skip s03:skip",
		"next: next00:pass",
	}
	if diff := cmp.Diff(suiteStatuses(res), want); diff != "" {
		t.Errorf("Results mismatch (-got +want):\n%s", diff)
	}
	if r := res[0].Tests[2]; r.ReturnCode != results.CodeSkip || r.Skipped != 1 {
		t.Errorf("Skipped test result = %+v", r)
	}
}

func TestSuiteBringUpFails(t *testing.T) {
	s, ch := newEnv(okHandler)
	ch.Stop(context.Background())
	s.startErr = errors.New("no power")
	suites := []*suite.Suite{makeSuite("a", 2, false), makeSuite("b", 1, false)}

	res, err := NewSuiteScheduler(s, fakeFramework{}, &Config{}, nil).Run(context.Background(), suites, nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if diff := cmp.Diff(suiteStatuses(res), []string{"a: a00:broken a01:broken", "b: b00:pass"}); diff != "" {
		t.Errorf("Results mismatch (-got +want):\n%s", diff)
	}
	if out := res[0].Tests[0].Stdout; !strings.Contains(out, "no power") {
		t.Errorf("Broken test output %q does not explain the failure", out)
	}
}

func TestSuiteRestartFails(t *testing.T) {
	var ch *comtest.Channel
	s, ch := newEnv(func(ctx context.Context, cmd string, opts *com.RunOptions) (string, int, error) {
		if cmd == "a01" {
			return "", 0, ch.Disconnect()
		}
		return "", 0, nil
	})
	s.restartErr = errors.New("stuck in firmware")
	suites := []*suite.Suite{makeSuite("a", 3, false), makeSuite("b", 1, false)}

	res, err := NewSuiteScheduler(s, fakeFramework{}, &Config{MaxRetries: 1}, nil).Run(context.Background(), suites, nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	want := []string{"a: a00:pass a01:broken a02:broken", "b: b00:pass"}
	if diff := cmp.Diff(suiteStatuses(res), want); diff != "" {
		t.Errorf("Results mismatch (-got +want):\n%s", diff)
	}
}

func TestSuiteBringUpAgainAfterFailedRestart(t *testing.T) {
	ctx := context.Background()
	setups := 0
	var ch *comtest.Channel
	ch = comtest.New("ch0", func(ctx context.Context, cmd string, opts *com.RunOptions) (string, int, error) {
		switch {
		case isInspection(cmd):
			return "", 1, nil
		case cmd == "setup":
			// The bring-up of the restart fails.
			setups++
			if setups == 2 {
				return "module not found\n", 1, nil
			}
		case cmd == "a00":
			return "", 0, ch.Disconnect()
		}
		return "", 0, nil
	})
	reg, err := com.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Add(ch); err != nil {
		t.Fatal(err)
	}
	s := sut.NewGeneric(sut.DefaultName, nil, "", sut.Hooks{})
	if err := s.Setup(ctx, reg, com.Options{"com": "ch0", "setup_cmd": "setup"}); err != nil {
		t.Fatal("Setup failed: ", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal("Start failed: ", err)
	}
	suites := []*suite.Suite{makeSuite("a", 1, false), makeSuite("b", 1, false)}

	res, err := NewSuiteScheduler(s, fakeFramework{}, &Config{MaxRetries: 1}, nil).Run(ctx, suites, nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if diff := cmp.Diff(suiteStatuses(res), []string{"a: a00:broken", "b: b00:pass"}); diff != "" {
		t.Errorf("Results mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(testCommands(ch), []string{"setup", "a00", "setup", "setup", "b00"}); diff != "" {
		t.Errorf("Commands mismatch (-got +want):\n%s", diff)
	}
}

func TestFillDuplicateNames(t *testing.T) {
	st := &suite.Suite{Name: "s", Tests: []*suite.Test{
		{Name: "dup", Command: "first"},
		{Name: "dup", Command: "second"},
		{Name: "other", Command: "other"},
	}}
	res := []*results.TestResult{
		results.NewTestResult(st.Tests[1], results.Pass, 0, "", 0),
	}
	got := fill(st, res, brokenFiller(errors.New("aborted")))
	if diff := cmp.Diff(statuses(got), "dup:broken dup:pass other:broken"); diff != "" {
		t.Errorf("Results mismatch (-got +want):\n%s", diff)
	}
	if got[1] != res[0] {
		t.Error("Result of the second test was not kept in place")
	}
}

func TestSuiteRestore(t *testing.T) {
	s, ch := newEnv(okHandler)
	done := &results.SuiteResult{
		Suite: "a",
		Tests: []*results.TestResult{results.NewTestResult(&suite.Test{Name: "a00"}, results.Fail, 1, "", time.Second)},
	}
	prev := &Progress{Completed: []*results.SuiteResult{done}, Current: "b"}
	suites := []*suite.Suite{makeSuite("a", 1, false), makeSuite("b", 1, false)}

	res, err := NewSuiteScheduler(s, fakeFramework{}, &Config{}, nil).Run(context.Background(), suites, prev)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if diff := cmp.Diff(suiteStatuses(res), []string{"a: a00:fail", "b: b00:pass"}); diff != "" {
		t.Errorf("Results mismatch (-got +want):\n%s", diff)
	}
	if res[0] != done {
		t.Error("Completed suite result was not reused")
	}
	if diff := cmp.Diff(testCommands(ch), []string{"b00"}); diff != "" {
		t.Errorf("Commands mismatch (-got +want):\n%s", diff)
	}
}

func TestSuiteCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, _ := newEnv(func(tctx context.Context, cmd string, opts *com.RunOptions) (string, int, error) {
		if cmd == "b01" {
			cancel()
		}
		return "", 0, nil
	})
	store := &memStore{}
	suites := []*suite.Suite{makeSuite("a", 1, false), makeSuite("b", 3, false), makeSuite("c", 1, false)}

	res, err := NewSuiteScheduler(s, fakeFramework{}, &Config{}, store).Run(ctx, suites, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v; want %v", err, context.Canceled)
	}
	if diff := cmp.Diff(suiteStatuses(res), []string{"a: a00:pass", "b: b00:pass b01:pass"}); diff != "" {
		t.Errorf("Results mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(store.saves, []string{"[] a", "[a] ", "[a] b", "[a] b"}); diff != "" {
		t.Errorf("Saved progress mismatch (-got +want):\n%s", diff)
	}
}

func TestRunCommand(t *testing.T) {
	var env map[string]string
	s, ch := newEnv(func(ctx context.Context, cmd string, opts *com.RunOptions) (string, int, error) {
		env = opts.Env
		return okHandler(ctx, cmd, opts)
	})
	cfg := &Config{Env: map[string]string{"K": "V"}}
	res, err := NewSuiteScheduler(s, fakeFramework{}, cfg, nil).RunCommand(context.Background(), "exit 3")
	if err != nil {
		t.Fatal("RunCommand failed: ", err)
	}
	if res.ReturnCode != 3 || res.Stdout != "exiting with 3\n" {
		t.Errorf("RunCommand returned %+v", res)
	}
	if diff := cmp.Diff(env, map[string]string{"K": "V"}); diff != "" {
		t.Errorf("Environment mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(testCommands(ch), []string{"exit 3"}); diff != "" {
		t.Errorf("Commands mismatch (-got +want):\n%s", diff)
	}
}

func TestRunCommandTimeout(t *testing.T) {
	s, _ := newEnv(func(ctx context.Context, cmd string, opts *com.RunOptions) (string, int, error) {
		return "", 0, com.TimeoutError("ch0", nil, errors.New("timed out"))
	})
	cfg := &Config{ExecTimeout: time.Second}
	_, err := NewSuiteScheduler(s, fakeFramework{}, cfg, nil).RunCommand(context.Background(), "sleep 100")
	if err == nil || !strings.Contains(err.Error(), "command timeout") {
		t.Errorf("RunCommand returned %v; want a command timeout", err)
	}
}
