// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package session runs a set of suites on a SUT from bring-up to report.
package session

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"regexp"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/ctxutil"
	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/framework"
	"go.chromium.org/kirk/internal/logging"
	"go.chromium.org/kirk/internal/timing"
	"go.chromium.org/kirk/results"
	"go.chromium.org/kirk/scheduler"
	"go.chromium.org/kirk/suite"
	"go.chromium.org/kirk/sut"
)

const (
	// ResultsFile is the name of the JSON report in the session directory.
	ResultsFile = "results.json"

	stopTimeout = 2 * time.Minute
)

// Config describes the environment of a session.
type Config struct {
	// SUT is the system tests run on. It must have been set up.
	SUT sut.SUT
	// Framework finds and reads tests. It must have been set up.
	Framework framework.Framework
	// Dir is the session directory receiving logs, progress and results.
	// Nothing is written when it is empty.
	Dir string
	// Scheduler configures test execution. Its LogDir is set to Dir.
	Scheduler scheduler.Config
}

// RunConfig selects what a session runs.
type RunConfig struct {
	// Command is run on the SUT before the suites.
	Command string
	// Suites are the names of the suites to run.
	Suites []string
	// Pattern, if set, keeps only the tests whose name matches it.
	Pattern string
	// SkipTests, if set, removes the tests whose name matches it.
	SkipTests string
	// ReportPath, if set, receives a copy of the JSON report.
	ReportPath string
	// Restore is the progress of an earlier session to resume, as read by
	// ReadProgress.
	Restore *scheduler.Progress
	// SuiteIterate runs every suite that many times in a row.
	SuiteIterate int
	// Randomize shuffles the tests of every suite.
	Randomize bool
	// Runtime, if positive, runs the suites again and again until it
	// expires.
	Runtime time.Duration
	// FaultProb is the kernel fault injection probability in percent.
	FaultProb int
}

// Session runs suites on a SUT.
type Session struct {
	cfg   *Config
	sched *scheduler.SuiteScheduler
}

// New returns a session.
func New(cfg *Config) (*Session, error) {
	if cfg.SUT == nil {
		return nil, errors.New("no SUT given")
	}
	if cfg.Framework == nil {
		return nil, errors.New("no framework given")
	}
	scfg := cfg.Scheduler
	scfg.LogDir = cfg.Dir
	var store scheduler.ProgressStore
	if cfg.Dir != "" {
		store = &fileStore{dir: cfg.Dir}
	}
	return &Session{
		cfg:   cfg,
		sched: scheduler.NewSuiteScheduler(cfg.SUT, cfg.Framework, &scfg, store),
	}, nil
}

// Run brings the SUT up, runs rc and writes the reports. The SUT is stopped
// before returning.
//
// Results collected before a failure or a cancellation are returned along
// with the error.
func (s *Session) Run(ctx context.Context, rc *RunConfig) (res []*results.SuiteResult, retErr error) {
	ctx, st := timing.Start(ctx, "session")
	defer st.End()

	filter, err := newFilter(rc.Pattern, rc.SkipTests)
	if err != nil {
		return nil, err
	}
	prev := rc.Restore
	if prev != nil {
		logging.Infof(ctx, "Restoring session: %d suites completed", len(prev.Completed))
	}

	defer s.stopSUT(ctx)
	if err := s.startSUT(ctx); err != nil {
		return nil, err
	}

	if rc.Command != "" {
		if _, err := s.sched.RunCommand(ctx, rc.Command); err != nil {
			return nil, err
		}
	}

	if rc.FaultProb != 0 {
		s.applyFaultInjection(ctx, rc.FaultProb)
		defer func() {
			ctx, cancel := ctxutil.Detach(ctx, stopTimeout)
			defer cancel()
			s.applyFaultInjection(ctx, 0)
		}()
	}

	if len(rc.Suites) == 0 {
		return nil, nil
	}
	suites, err := s.readSuites(ctx, rc.Suites, filter)
	if err != nil {
		return nil, err
	}
	suites = iterate(suites, rc.SuiteIterate)
	if rc.Randomize {
		for _, su := range suites {
			rand.Shuffle(len(su.Tests), func(i, j int) {
				su.Tests[i], su.Tests[j] = su.Tests[j], su.Tests[i]
			})
		}
	}

	defer func() {
		if len(res) == 0 {
			return
		}
		if err := s.export(res, rc.ReportPath); err != nil && retErr == nil {
			retErr = err
		}
	}()
	return s.schedule(ctx, suites, prev, rc.Runtime)
}

func (s *Session) startSUT(ctx context.Context) error {
	ctx, st := timing.Start(ctx, "sut.start")
	defer st.End()
	logging.Infof(ctx, "Starting SUT %s", s.cfg.SUT.Name())
	if err := s.cfg.SUT.Start(ctx); err != nil {
		return errors.Wrapf(err, "failed to start SUT %s", s.cfg.SUT.Name())
	}
	return nil
}

// stopSUT stops the SUT even if ctx is canceled.
func (s *Session) stopSUT(ctx context.Context) {
	ctx, cancel := ctxutil.Detach(ctx, stopTimeout)
	defer cancel()
	ctx, st := timing.Start(ctx, "sut.stop")
	defer st.End()
	if !s.cfg.SUT.IsRunning() {
		return
	}
	logging.Infof(ctx, "Stopping SUT %s", s.cfg.SUT.Name())
	if err := s.cfg.SUT.Stop(ctx); err != nil {
		logging.Warningf(ctx, "Failed to stop SUT %s: %v", s.cfg.SUT.Name(), err)
	}
}

// applyFaultInjection configures kernel fault injection when the SUT
// supports it. Failures are logged.
func (s *Session) applyFaultInjection(ctx context.Context, prob int) {
	ch := s.cfg.SUT.Channel()
	if root, _ := sut.LoggedAsRoot(ctx, ch); !root {
		if prob != 0 {
			logging.Warning(ctx, "Run as root to use kernel fault injection")
		}
		return
	}
	if ok, _ := sut.FaultInjectionEnabled(ctx, ch); !ok {
		if prob != 0 {
			logging.Warning(ctx, "Fault injection is not enabled; running tests normally")
		}
		return
	}
	logging.Infof(ctx, "Setting kernel fault injection probability to %d%%", prob)
	if err := sut.SetupFaultInjection(ctx, ch, prob); err != nil {
		logging.Warningf(ctx, "Failed to set up fault injection: %v", err)
	}
}

// readSuites finds the suites named names and filters their tests.
func (s *Session) readSuites(ctx context.Context, names []string, f *filter) ([]*suite.Suite, error) {
	ctx, st := timing.Start(ctx, "suites.read")
	defer st.End()

	ch := s.cfg.SUT.Channel()
	suites := make([]*suite.Suite, len(names))
	g, gctx := errgroup.WithContext(ctx)
	if !com.SupportsParallel(ch) {
		g.SetLimit(1)
	}
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			found, err := s.cfg.Framework.FindSuite(gctx, ch, name)
			if err != nil {
				return errors.Wrapf(err, "can't find suite %s", name)
			}
			suites[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	n := 0
	for _, su := range suites {
		su.Tests = f.apply(su.Tests)
		n += len(su.Tests)
	}
	if n == 0 {
		return nil, errors.New("no tests selected")
	}
	return suites, nil
}

// schedule runs suites once, or repeatedly until runtime expires.
func (s *Session) schedule(ctx context.Context, suites []*suite.Suite, prev *scheduler.Progress, runtime time.Duration) ([]*results.SuiteResult, error) {
	if runtime <= 0 {
		return s.sched.Run(ctx, suites, prev)
	}

	rctx, cancel := context.WithTimeout(ctx, runtime)
	defer cancel()
	var all []*results.SuiteResult
	for pass := 1; ; pass++ {
		round := suites
		if pass > 1 {
			round = rename(suites, pass)
		}
		res, err := s.sched.Run(rctx, round, prev)
		all = append(all, res...)
		prev = nil
		if ctx.Err() != nil {
			return all, ctx.Err()
		}
		if rctx.Err() != nil {
			logging.Infof(ctx, "Runtime of %v expired after %d passes", runtime, pass)
			return all, nil
		}
		if err != nil {
			return all, err
		}
	}
}

// export writes the JSON report to the session directory and to
// reportPath.
func (s *Session) export(res []*results.SuiteResult, reportPath string) error {
	var paths []string
	if s.cfg.Dir != "" {
		paths = append(paths, filepath.Join(s.cfg.Dir, ResultsFile))
	}
	if reportPath != "" {
		paths = append(paths, reportPath)
	}
	var merr *multierror.Error
	for _, p := range paths {
		if err := (results.JSONExporter{}).Export(res, p); err != nil {
			merr = multierror.Append(merr, errors.Wrap(err, "failed to export results"))
		}
	}
	return merr.ErrorOrNil()
}

// iterate repeats every suite n times, naming the copies suite[i].
func iterate(suites []*suite.Suite, n int) []*suite.Suite {
	if n <= 1 {
		return suites
	}
	var out []*suite.Suite
	for _, st := range suites {
		for i := 0; i < n; i++ {
			out = append(out, st.WithName(fmt.Sprintf("%s[%d]", st.Name, i)))
		}
	}
	return out
}

// rename returns copies of suites for the given pass of a timed run.
func rename(suites []*suite.Suite, pass int) []*suite.Suite {
	out := make([]*suite.Suite, len(suites))
	for i, st := range suites {
		out[i] = st.WithName(fmt.Sprintf("%s[%d]", st.Name, pass))
	}
	return out
}

// filter selects tests by name.
type filter struct {
	keep, skip *regexp.Regexp
}

func newFilter(pattern, skip string) (*filter, error) {
	f := &filter{}
	var err error
	if pattern != "" {
		if f.keep, err = regexp.Compile(pattern); err != nil {
			return nil, errors.Wrap(err, "bad test pattern")
		}
	}
	if skip != "" {
		if f.skip, err = regexp.Compile(skip); err != nil {
			return nil, errors.Wrap(err, "bad skip pattern")
		}
	}
	return f, nil
}

func (f *filter) apply(tests []*suite.Test) []*suite.Test {
	var out []*suite.Test
	for _, t := range tests {
		if f.keep != nil && !f.keep.MatchString(t.Name) {
			continue
		}
		if f.skip != nil && f.skip.MatchString(t.Name) {
			continue
		}
		out = append(out, t)
	}
	return out
}
