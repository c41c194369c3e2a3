// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/exp/maps"

	"go.chromium.org/kirk/ctxutil"
	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/internal/command"
	"go.chromium.org/kirk/internal/logging"
	"go.chromium.org/kirk/internal/metrics"
	"go.chromium.org/kirk/internal/timing"
	"go.chromium.org/kirk/results"
	"go.chromium.org/kirk/scheduler"
	"go.chromium.org/kirk/session"
)

const (
	debugLogName  = "debug.log"   // file in the session directory containing the full log
	timingLogName = "timing.json" // file in the session directory containing timing information

	defaultTimeout = time.Hour
	cleanupTimeout = time.Minute
)

// runCmd implements subcommands.Command to support running suites.
type runCmd struct {
	plugins pluginFlags

	configPath  string
	suites      []string
	command     string
	workers     int
	env         map[string]string
	restoreDir  string
	tmpDir      string
	execTimeout time.Duration
	suiteTime   time.Duration
	skipTests   string
	pattern     string
	iterate     int
	randomize   bool
	runtime     time.Duration
	reportPath  string
	faultProb   int
	maxRetries  int
	metricsAddr string

	out io.Writer // receives the summary and help
}

func newRunCmd() *runCmd {
	return &runCmd{out: os.Stdout}
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run test suites" }
func (*runCmd) Usage() string {
	return `run <flags>:
	Runs test suites on a SUT and writes a report.
`
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	r.plugins.out = r.out
	r.plugins.SetFlags(f)

	f.StringVar(&r.configPath, "config", "", "YAML file giving defaults for the flags")
	f.Var(command.NewListFlag(",", func(v []string) { r.suites = v }, nil), "run-suite", "comma-separated suites to run")
	f.StringVar(&r.command, "run-command", "", "command to run on the SUT before the suites")
	f.IntVar(&r.workers, "workers", 1, "number of tests run in parallel")
	envFlag := command.RepeatedFlag(func(v string) error {
		env, err := command.ParseEnv(v)
		if err != nil {
			return err
		}
		if r.env == nil {
			r.env = make(map[string]string)
		}
		maps.Copy(r.env, env)
		return nil
	})
	f.Var(&envFlag, "env", `environment of the tests as "KEY=VALUE:KEY=VALUE"`)
	f.StringVar(&r.restoreDir, "restore", "", "session directory of an interrupted run to resume")
	f.StringVar(&r.tmpDir, "tmp-dir", os.TempDir(), "directory holding the session directories")
	f.Var(command.NewDurationFlag(&r.execTimeout, defaultTimeout), "exec-timeout", "timeout of a single test (30s, 4m, 5h, 20d)")
	f.Var(command.NewDurationFlag(&r.suiteTime, defaultTimeout), "suite-timeout", "timeout of a suite (30s, 4m, 5h, 20d)")
	f.StringVar(&r.skipTests, "skip-tests", "", "regexp of the tests to skip")
	f.StringVar(&r.pattern, "run-pattern", "", "regexp of the tests to run")
	f.IntVar(&r.iterate, "suite-iterate", 1, "number of times every suite is run")
	f.BoolVar(&r.randomize, "randomize", false, "shuffle the tests of every suite")
	f.Var(command.NewDurationFlag(&r.runtime, 0), "runtime", "run the suites repeatedly for this long (30s, 4m, 5h, 20d)")
	f.StringVar(&r.reportPath, "json-report", "", "path of an additional JSON report")
	f.IntVar(&r.faultProb, "fault-prob", 0, "kernel fault injection probability in percent (0-100)")
	f.IntVar(&r.maxRetries, "max-retries", scheduler.DefaultMaxRetries, "number of times a test broken by a channel failure is retried")
	f.StringVar(&r.metricsAddr, "metrics-addr", "", "address serving Prometheus metrics during the run")
}

// validate checks flag combinations.
func (r *runCmd) validate(f *flag.FlagSet) error {
	switch {
	case len(f.Args()) > 0:
		return errors.Errorf("unexpected arguments: %s", strings.Join(f.Args(), " "))
	case r.plugins.wantsHelp():
		return nil
	case len(r.suites) == 0 && r.command == "":
		return errors.New("-run-suite or -run-command is required")
	case r.workers < 1:
		return errors.New("-workers must be positive")
	case r.iterate < 1:
		return errors.New("-suite-iterate must be positive")
	case r.faultProb < 0 || r.faultProb > 100:
		return errors.New("-fault-prob must be between 0 and 100")
	case r.maxRetries < 0:
		return errors.New("-max-retries must not be negative")
	}
	return nil
}

func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if r.configPath != "" {
		if err := applyConfig(f, r.configPath); err != nil {
			logging.Info(ctx, err)
			return subcommands.ExitUsageError
		}
	}
	if err := r.validate(f); err != nil {
		logging.Infof(ctx, "%v\n\n%s", err, r.Usage())
		return subcommands.ExitUsageError
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := command.InstallSignalHandler(os.Stderr, func(os.Signal) { cancel() })
	defer stop()

	err := r.run(ctx)
	switch {
	case errors.Is(err, errHelpShown):
		return subcommands.ExitSuccess
	case ctx.Err() != nil:
		return subcommands.ExitStatus(command.ExitInterrupted)
	case err != nil:
		logging.Info(ctx, "Error: ", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// run runs the session. Test failures are not errors.
func (r *runCmd) run(ctx context.Context) error {
	e, err := r.plugins.setup(ctx, r.execTimeout)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := ctxutil.Detach(ctx, cleanupTimeout)
		defer cancel()
		if err := e.Close(cctx); err != nil {
			logging.Info(ctx, "Failed to stop channels: ", err)
		}
	}()

	// The session to restore is read before a new session directory
	// replaces the latest link and rotates old directories out.
	var prev *scheduler.Progress
	var keep []string
	if r.restoreDir != "" {
		p, dir, err := session.ReadProgress(r.restoreDir)
		if err != nil {
			return err
		}
		prev, keep = p, []string{dir}
	}

	td, err := session.NewTempDir(r.tmpDir, session.DefaultMaxDirs, keep...)
	if err != nil {
		return err
	}
	defer td.Close()

	// Log the full output of the session to disk.
	debugLog, err := os.Create(filepath.Join(td.Path(), debugLogName))
	if err != nil {
		return err
	}
	defer debugLog.Close()
	ctx = logging.AttachLogger(ctx, logging.NewFileLogger(debugLog))

	// Write the timing log after the session finishes.
	tl := timing.NewLog()
	ctx = timing.NewContext(ctx, tl)
	defer func() {
		if err := writeTiming(tl, filepath.Join(td.Path(), timingLogName)); err != nil {
			logging.Info(ctx, "Failed to write timing log: ", err)
		}
	}()

	logging.Debug(ctx, "Command line: ", strings.Join(os.Args, " "))
	logging.Info(ctx, "Session directory: ", td.Path())

	m := metrics.New()
	if r.metricsAddr != "" {
		lis, err := net.Listen("tcp", r.metricsAddr)
		if err != nil {
			return errors.Wrap(err, "failed to serve metrics")
		}
		logging.Info(ctx, "Serving metrics on ", lis.Addr())
		go func() {
			if err := m.Serve(ctx, lis); err != nil {
				logging.Info(ctx, "Metrics server failed: ", err)
			}
		}()
	}

	sess, err := session.New(&session.Config{
		SUT:       e.sut,
		Framework: e.fw,
		Dir:       td.Path(),
		Scheduler: scheduler.Config{
			Workers:      r.workers,
			ExecTimeout:  r.execTimeout,
			SuiteTimeout: r.suiteTime,
			MaxRetries:   r.maxRetries,
			Env:          r.env,
			Metrics:      m,
		},
	})
	if err != nil {
		return err
	}
	res, err := sess.Run(ctx, &session.RunConfig{
		Command:      r.command,
		Suites:       r.suites,
		Pattern:      r.pattern,
		SkipTests:    r.skipTests,
		ReportPath:   r.reportPath,
		Restore:      prev,
		SuiteIterate: r.iterate,
		Randomize:    r.randomize,
		Runtime:      r.runtime,
		FaultProb:    r.faultProb,
	})
	if len(res) > 0 {
		if werr := results.WriteSummary(r.out, res); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func writeTiming(tl *timing.Log, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return tl.WritePretty(f)
}
