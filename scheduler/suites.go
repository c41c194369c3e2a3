// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scheduler

import (
	"context"
	"fmt"
	"strings"

	"code.cloudfoundry.org/clock"

	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/ctxutil"
	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/framework"
	"go.chromium.org/kirk/internal/logging"
	"go.chromium.org/kirk/internal/timing"
	"go.chromium.org/kirk/results"
	"go.chromium.org/kirk/suite"
	"go.chromium.org/kirk/sut"
)

var errSuiteTimeout = errors.New("suite timed out")

// Progress is the state of a session persisted after every suite.
type Progress struct {
	// Completed holds the results of the suites run to completion.
	Completed []*results.SuiteResult `json:"completed"`
	// Current is the suite being run, if any.
	Current string `json:"current,omitempty"`
}

// CompletedResult returns the result of the completed suite named name.
func (p *Progress) CompletedResult(name string) (*results.SuiteResult, bool) {
	for _, r := range p.Completed {
		if r.Suite == name {
			return r, true
		}
	}
	return nil, false
}

// ProgressStore persists the progress of a session.
type ProgressStore interface {
	Save(p *Progress) error
}

// SuiteScheduler runs suites one after another.
type SuiteScheduler struct {
	sut   sut.SUT
	fw    framework.Framework
	cfg   *Config
	clk   clock.Clock
	tests *TestScheduler
	store ProgressStore
}

// NewSuiteScheduler returns a scheduler running suites on s. store may be
// nil.
func NewSuiteScheduler(s sut.SUT, fw framework.Framework, cfg *Config, store ProgressStore) *SuiteScheduler {
	return &SuiteScheduler{
		sut:   s,
		fw:    fw,
		cfg:   cfg,
		clk:   cfg.clock(),
		tests: NewTestScheduler(s, fw, cfg),
		store: store,
	}
}

func (s *SuiteScheduler) save(ctx context.Context, p *Progress) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(p); err != nil {
		logging.Infof(ctx, "Failed to save progress: %v", err)
	}
}

// Run runs suites in order and returns their results. Suites completed in
// prev, the progress of an earlier session, are not run again and their
// stored results are returned instead.
//
// If ctx is canceled, the results collected so far are returned with ctx's
// error; the partial result of the interrupted suite is the last one.
func (s *SuiteScheduler) Run(ctx context.Context, suites []*suite.Suite, prev *Progress) ([]*results.SuiteResult, error) {
	var out []*results.SuiteResult
	for _, st := range suites {
		if prev != nil {
			if r, ok := prev.CompletedResult(st.Name); ok {
				logging.Infof(ctx, "Suite %s was completed by a previous session", st.Name)
				out = append(out, r)
				continue
			}
		}
		if ctx.Err() != nil {
			break
		}
		s.save(ctx, &Progress{Completed: out, Current: st.Name})

		r, err := s.runSuite(ctx, st)
		if err != nil {
			s.save(ctx, &Progress{Completed: out, Current: st.Name})
			return append(out, r), err
		}
		out = append(out, r)
		s.save(ctx, &Progress{Completed: out})
	}
	return out, ctx.Err()
}

// runSuite runs st. A suite is recorded entirely broken when the SUT cannot
// be brought up, in which case no error is returned. The only error is the
// cancellation of ctx.
func (s *SuiteScheduler) runSuite(ctx context.Context, st *suite.Suite) (*results.SuiteResult, error) {
	ctx, stage := timing.Start(ctx, "suite:"+st.Name)
	defer stage.End()

	logging.Infof(ctx, "Running suite %s (%d tests)", st.Name, len(st.Tests))
	start := s.clk.Now()
	r := &results.SuiteResult{Suite: st.Name}

	// Start is a no-op on a running SUT and brings up one whose last
	// start or restart failed.
	if err := s.sut.Start(ctx); err != nil {
		logging.Infof(ctx, "Can't bring up SUT %s: %v", s.sut.Name(), err)
		r.Tests = fill(st, nil, brokenFiller(err))
		r.Duration = s.clk.Since(start)
		return r, ctx.Err()
	}
	r.SUTInfo = *sut.ReadInfo(ctx, s.sut.Channel())

	sctx, cancel := ctxutil.OptionalTimeout(ctx, s.cfg.SuiteTimeout, errSuiteTimeout)
	defer cancel()
	res, err := s.tests.Run(sctx, st)
	r.Duration = s.clk.Since(start)

	switch {
	case err == nil:
		r.Tests = res
	case ctx.Err() != nil:
		r.Tests = res
		return r, ctx.Err()
	case sctx.Err() != nil:
		logging.Infof(ctx, "Suite %s timed out after %v", st.Name, s.cfg.SuiteTimeout)
		r.Tests = fill(st, res, func(t *suite.Test) *results.TestResult {
			return results.NewTestResult(t, results.Skip, results.CodeSkip, "", 0)
		})
	default:
		logging.Infof(ctx, "Suite %s aborted: %v", st.Name, err)
		r.Tests = fill(st, res, brokenFiller(err))
	}
	logging.Infof(ctx, "Suite %s completed: %d passed, %d failed, %d broken, %d skipped",
		st.Name, r.CountStatus(results.Pass), r.CountStatus(results.Fail), r.CountStatus(results.Broken), r.CountStatus(results.Skip))
	return r, nil
}

func brokenFiller(err error) func(t *suite.Test) *results.TestResult {
	return func(t *suite.Test) *results.TestResult {
		return results.NewTestResult(t, results.Broken, -1, fmt.Sprintf("kirk: %v\n", err), 0)
	}
}

// fill returns a result for every test of st in suite order, calling f for
// tests missing from res. Results are matched by test rather than by name
// since a suite may run the same name more than once.
func fill(st *suite.Suite, res []*results.TestResult, f func(t *suite.Test) *results.TestResult) []*results.TestResult {
	byTest := make(map[*suite.Test]*results.TestResult, len(res))
	for _, r := range res {
		byTest[r.Test] = r
	}
	out := make([]*results.TestResult, len(st.Tests))
	for i, t := range st.Tests {
		if r, ok := byTest[t]; ok {
			out[i] = r
		} else {
			out[i] = f(t)
		}
	}
	return out
}

// RunCommand runs cmd on the SUT the way the framework runs commands and
// logs its output.
func (s *SuiteScheduler) RunCommand(ctx context.Context, cmd string) (*com.Result, error) {
	t, err := s.fw.FindCommand(ctx, s.sut.Channel(), cmd)
	if err != nil {
		return nil, err
	}
	logging.Infof(ctx, "Running command: %s", cmd)
	res, err := s.sut.Channel().RunCommand(ctx, t.FullCommand(), &com.RunOptions{
		Timeout: s.cfg.ExecTimeout,
		Env:     s.tests.environ(&suite.Suite{}, t),
		Cwd:     t.Cwd,
	})
	if com.IsTimeout(err) {
		return nil, errors.Errorf("command timeout: %q", cmd)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to run %q", cmd)
	}
	if out := strings.TrimRight(res.Stdout, "\n"); out != "" {
		logging.Info(ctx, out)
	}
	logging.Infof(ctx, "Command %q exited with code %d", cmd, res.ReturnCode)
	return res, nil
}
