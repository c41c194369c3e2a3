// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scheduler

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"

	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/ctxutil"
	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/framework"
	"go.chromium.org/kirk/internal/logging"
	"go.chromium.org/kirk/results"
	"go.chromium.org/kirk/shutil"
	"go.chromium.org/kirk/suite"
	"go.chromium.org/kirk/sut"
)

// TestScheduler runs the tests of one suite on a SUT.
type TestScheduler struct {
	sut sut.SUT
	fw  framework.Framework
	cfg *Config
	clk clock.Clock

	// mu is held for reading while a test runs and for writing while the
	// SUT restarts.
	mu  sync.RWMutex
	gen int // incremented by every restart

	taint *sut.TaintMonitor
	root  bool
}

// NewTestScheduler returns a scheduler running tests on s and reading their
// results with fw.
func NewTestScheduler(s sut.SUT, fw framework.Framework, cfg *Config) *TestScheduler {
	return &TestScheduler{sut: s, fw: fw, cfg: cfg, clk: cfg.clock()}
}

// runState is shared by the workers of a Run.
type runState struct {
	suite *suite.Suite
	slots []*results.TestResult

	// fatal is the first error preventing further tests from running.
	mu    sync.Mutex
	fatal error
}

func (rs *runState) setFatal(err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.fatal == nil {
		rs.fatal = err
	}
}

func (rs *runState) getFatal() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.fatal
}

// Run runs the tests of s and returns their results in suite order.
//
// When ctx is canceled no new test is started and running tests are given a
// grace period to finish. Tests that did not run have no result. The
// returned error is ctx's error in that case, or the error preventing the
// SUT from being restarted.
func (s *TestScheduler) Run(ctx context.Context, st *suite.Suite) ([]*results.TestResult, error) {
	rs := &runState{suite: st, slots: make([]*results.TestResult, len(st.Tests))}
	s.detectChecks(ctx)

	workers := s.cfg.workers()
	if workers > 1 && !com.SupportsParallel(s.sut.Channel()) {
		logging.Infof(ctx, "Channel %s doesn't support parallel execution; using a single worker", s.sut.Channel().Name())
		workers = 1
	}

	var parallel, serial []int
	for i, t := range st.Tests {
		if workers > 1 && t.Parallel {
			parallel = append(parallel, i)
		} else {
			serial = append(serial, i)
		}
	}
	if len(parallel) > 0 {
		logging.Infof(ctx, "Scheduling %d tests on %d workers", len(parallel), workers)
		s.dispatch(ctx, rs, parallel, workers)
	}
	if len(serial) > 0 {
		logging.Infof(ctx, "Scheduling %d tests on a single worker", len(serial))
		s.dispatch(ctx, rs, serial, 1)
	}

	var res []*results.TestResult
	for _, r := range rs.slots {
		if r != nil {
			res = append(res, r)
		}
	}
	if err := rs.getFatal(); err != nil {
		return res, err
	}
	return res, ctx.Err()
}

// detectChecks enables the kernel checks the SUT supports.
func (s *TestScheduler) detectChecks(ctx context.Context) {
	ch := s.sut.Channel()
	s.taint = nil
	if _, err := sut.TaintedInfo(ctx, ch); err == nil {
		s.taint = sut.NewTaintMonitor(ch)
	} else {
		logging.Debugf(ctx, "Kernel tainted checks are disabled: %v", err)
	}
	s.root, _ = sut.LoggedAsRoot(ctx, ch)
}

func (s *TestScheduler) dispatch(ctx context.Context, rs *runState, idx []int, workers int) {
	var g errgroup.Group
	g.SetLimit(workers)
	for _, i := range idx {
		if ctx.Err() != nil || rs.getFatal() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if ctx.Err() != nil || rs.getFatal() != nil {
				return nil
			}
			r, err := s.runTest(ctx, rs.suite, rs.suite.Tests[i])
			if r != nil {
				rs.slots[i] = r
				s.report(ctx, rs.suite.Name, r)
			}
			if err != nil {
				rs.setFatal(err)
			}
			return nil
		})
	}
	g.Wait()
}

func (s *TestScheduler) report(ctx context.Context, suiteName string, r *results.TestResult) {
	s.cfg.Metrics.ObserveTest(suiteName, r.Status.String(), r.Duration)
	if s.cfg.OnResult != nil {
		s.cfg.OnResult(suiteName, r)
		return
	}
	logging.Info(ctx, results.TestLine(r))
}

// runTest runs t, restarting the SUT and retrying as long as attempts are
// broken by channel errors. A non-nil error means the SUT could not be
// restarted.
func (s *TestScheduler) runTest(ctx context.Context, st *suite.Suite, t *suite.Test) (*results.TestResult, error) {
	for attempt := 0; ; attempt++ {
		r, gen, err := s.runOnce(ctx, st, t)
		if err == nil {
			r.Retries = attempt
			return r, nil
		}

		logging.Infof(ctx, "%s: attempt %d broken: %v", t.Name, attempt+1, err)
		if com.IsKernelPanic(err) {
			logging.Warning(ctx, "Kernel panic detected")
		}
		r = s.broken(t, r, err)
		r.Retries = attempt
		if ctx.Err() != nil {
			return r, nil
		}
		if rerr := s.restart(ctx, gen); rerr != nil {
			return r, rerr
		}
		if attempt >= s.cfg.MaxRetries {
			return r, nil
		}
	}
}

// broken turns the partial result of an attempt into a broken result.
func (s *TestScheduler) broken(t *suite.Test, r *results.TestResult, err error) *results.TestResult {
	if r == nil {
		r = &results.TestResult{Test: t, ReturnCode: -1}
	}
	r.Status = results.Broken
	r.Passed, r.Failed, r.Skipped, r.Warnings = 0, 0, 0, 0
	r.Broken = 1
	if r.Stdout != "" && !strings.HasSuffix(r.Stdout, "\n") {
		r.Stdout += "\n"
	}
	r.Stdout += fmt.Sprintf("kirk: %v\n", err)
	return r
}

// restart restarts the SUT unless another worker did it since generation
// gen.
func (s *TestScheduler) restart(ctx context.Context, gen int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil
	}
	s.gen++
	if d := s.cfg.RestartDelay; d > 0 {
		select {
		case <-s.clk.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.cfg.Metrics.ObserveRestart()
	logging.Infof(ctx, "Restarting SUT %s", s.sut.Name())
	if err := s.sut.Restart(ctx); err != nil {
		return errors.Wrapf(err, "failed to restart SUT %s", s.sut.Name())
	}
	return nil
}

// environ merges the suite, session and test environments.
func (s *TestScheduler) environ(st *suite.Suite, t *suite.Test) map[string]string {
	env := maps.Clone(st.Env)
	if env == nil {
		env = make(map[string]string)
	}
	maps.Copy(env, s.cfg.Env)
	maps.Copy(env, t.Env)
	return env
}

func (s *TestScheduler) openLog(st *suite.Suite, t *suite.Test) (io.WriteCloser, error) {
	if s.cfg.LogDir == "" {
		return nil, nil
	}
	dir := filepath.Join(s.cfg.LogDir, st.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	name := strings.ReplaceAll(t.Name, "/", "_") + ".log"
	return os.Create(filepath.Join(dir, name))
}

// runOnce makes one attempt at running t. A non-nil error means the attempt
// is broken; the result may then hold partial output. The returned
// generation identifies the SUT instance the attempt ran on.
func (s *TestScheduler) runOnce(ctx context.Context, st *suite.Suite, t *suite.Test) (*results.TestResult, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gen := s.gen

	ch := s.sut.Channel()
	if !s.sut.IsRunning() {
		return nil, gen, com.ConnectionError(ch.Name(), com.ErrNotConnected)
	}

	var before *sut.Taint
	if s.taint != nil {
		var err error
		if before, err = s.taint.Check(ctx); err != nil {
			return nil, gen, err
		}
	}
	s.kmsg(ctx, fmt.Sprintf("%s: start (command: %s)", t.Name, t.FullCommand()))

	logFile, err := s.openLog(st, t)
	if err != nil {
		return nil, gen, errors.Wrap(err, "failed to create test log")
	}
	opts := &com.RunOptions{
		Timeout: t.Timeout,
		Env:     s.environ(st, t),
		Cwd:     t.Cwd,
	}
	if opts.Timeout <= 0 {
		opts.Timeout = s.cfg.ExecTimeout
	}
	if logFile != nil {
		defer logFile.Close()
		opts.Output = logFile
	}

	tctx, cancel := ctxutil.WithGrace(ctx, s.cfg.grace())
	defer cancel()

	logging.Debugf(ctx, "Running test %s: %s", t.Name, t.FullCommand())
	start := s.clk.Now()
	res, err := ch.RunCommand(tctx, t.FullCommand(), opts)
	elapsed := s.clk.Since(start)
	s.cfg.Metrics.ObserveCommand(ch.Name(), err)

	var r *results.TestResult
	switch {
	case err == nil:
		r = s.fw.ReadResult(t, res.Stdout, res.ReturnCode, res.Duration)
		r.Truncated = res.Truncated
	case com.IsTimeout(err):
		r = s.partial(t, com.PartialResult(err), elapsed)
		r.Status = results.Fail
		if r.Failed == 0 {
			r.Failed = 1
		}
		logging.Infof(ctx, "%s: timed out; checking that the SUT is still replying", t.Name)
		if perr := s.ping(ctx, ch); perr != nil {
			return r, gen, com.TransportError(ch.Name(), nil, errors.Wrap(perr, "SUT is not replying after a test timeout"))
		}
	case tctx.Err() != nil && !com.IsTransport(err) && !com.IsConnection(err):
		// Interrupted by the cancellation of the run.
		r = s.partial(t, res, elapsed)
		return r, gen, err
	default:
		var partial *com.Result
		if res != nil {
			partial = res
		} else {
			partial = com.PartialResult(err)
		}
		if partial != nil {
			r = s.partial(t, partial, elapsed)
		}
		return r, gen, err
	}

	if s.taint != nil {
		after, err := s.taint.Check(ctx)
		if err != nil {
			return r, gen, err
		}
		if after.Code != before.Code {
			logging.Warningf(ctx, "Kernel tainted while running %s: %s", t.Name, strings.Join(after.Messages, ", "))
			r.Taint = after.Messages
		}
	}
	s.kmsg(ctx, fmt.Sprintf("%s: end (returncode: %d)", t.Name, r.ReturnCode))
	return r, gen, nil
}

// partial reads the result of a command that did not complete.
func (s *TestScheduler) partial(t *suite.Test, res *com.Result, elapsed time.Duration) *results.TestResult {
	if res == nil {
		res = &com.Result{ReturnCode: -1}
	}
	d := res.Duration
	if d == 0 {
		d = elapsed
	}
	r := s.fw.ReadResult(t, res.Stdout, res.ReturnCode, d)
	r.Truncated = res.Truncated
	return r
}

func (s *TestScheduler) ping(ctx context.Context, ch com.Channel) error {
	p, ok := ch.(com.Pinger)
	if !ok {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	_, err := p.Ping(pctx)
	return err
}

// kmsg writes msg to the SUT kernel log when running as root.
func (s *TestScheduler) kmsg(ctx context.Context, msg string) {
	if !s.root {
		return
	}
	line := fmt.Sprintf("kirk[%d]: %s", os.Getpid(), msg)
	cmd := fmt.Sprintf("echo -n %s > /dev/kmsg", shutil.Escape(line))
	if _, err := s.sut.Channel().RunCommand(ctx, cmd, nil); err != nil {
		logging.Debugf(ctx, "Failed to write to /dev/kmsg: %v", err)
	}
}
