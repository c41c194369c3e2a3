// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package ltp runs the Linux Test Project.
package ltp

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"golang.org/x/exp/maps"

	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/framework"
	"go.chromium.org/kirk/internal/logging"
	"go.chromium.org/kirk/results"
	"go.chromium.org/kirk/suite"
)

// Name is the framework name.
const Name = "ltp"

const defaultRoot = "/opt/ltp"

// parallelBlacklist lists the metadata parameters of tests that must run
// alone.
var parallelBlacklist = []string{
	"needs_root",
	"needs_device",
	"mount_device",
	"mntpoint",
	"resource_file",
	"format_device",
	"save_restore",
	"max_runtime",
}

var help = map[string]string{
	"root":        "LTP install folder (default: /opt/ltp)",
	"max_runtime": "filter out all tests above this time value",
}

// Plugin registers the framework.
var Plugin = &framework.Plugin{
	Name: Name,
	Help: help,
	New:  func() framework.Framework { return New() },
}

// Framework is the LTP framework.
type Framework struct {
	root       string
	env        map[string]string
	maxRuntime time.Duration
}

var _ framework.Framework = (*Framework)(nil)

// New returns an LTP framework with default settings.
func New() *Framework {
	f := &Framework{}
	f.Setup(&framework.Config{})
	return f
}

// Name returns "ltp".
func (f *Framework) Name() string { return Name }

// Help returns the accepted options.
func (f *Framework) Help() map[string]string { return help }

// Setup configures the install folder and filters.
func (f *Framework) Setup(cfg *framework.Config) error {
	if err := cfg.Options.Check(help); err != nil {
		return err
	}
	maxRuntime, err := cfg.Options.Duration("max_runtime", 0)
	if err != nil {
		return err
	}
	f.root = cfg.Options.String("root", defaultRoot)
	f.maxRuntime = maxRuntime
	f.env = map[string]string{
		"LTPROOT":             f.root,
		"TMPDIR":              "/tmp",
		"LTP_COLORIZE_OUTPUT": "1",
	}
	if cfg.ExecTimeout > 0 {
		// LTP's default test timeout is 300 seconds.
		mul := cfg.ExecTimeout.Seconds() * 0.9 / 300
		f.env["LTP_TIMEOUT_MUL"] = strconv.FormatFloat(mul, 'f', -1, 64)
	}
	return nil
}

func (f *Framework) testcases() string {
	return path.Join(f.root, "testcases", "bin")
}

// environ returns the environment of LTP tests, with the testcases folder
// appended to the SUT's PATH.
func (f *Framework) environ(ctx context.Context, ch com.Channel) (map[string]string, error) {
	env := maps.Clone(f.env)
	out, err := framework.Run(ctx, ch, "echo -n $PATH")
	if err != nil {
		return nil, errors.Wrap(err, "can't read PATH variable")
	}
	env["PATH"] = strings.TrimSpace(out) + ":" + f.testcases()
	logging.Debugf(ctx, "PATH=%s", env["PATH"])
	return env, nil
}

func (f *Framework) checkRoot(ctx context.Context, ch com.Channel) error {
	ok, err := framework.Test(ctx, ch, "-d", f.root)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("LTP folder doesn't exist: %s", f.root)
	}
	return nil
}

// Suites lists the runtest files.
func (f *Framework) Suites(ctx context.Context, ch com.Channel) ([]string, error) {
	if err := f.checkRoot(ctx, ch); err != nil {
		return nil, err
	}
	dir := path.Join(f.root, "runtest")
	if ok, err := framework.Test(ctx, ch, "-d", dir); err != nil {
		return nil, err
	} else if !ok {
		return nil, errors.Errorf("%s doesn't exist inside SUT", dir)
	}
	out, err := framework.Run(ctx, ch, "ls --format=single-column "+dir)
	if err != nil {
		return nil, err
	}
	var suites []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			suites = append(suites, l)
		}
	}
	return suites, nil
}

// FindCommand returns a test running cmd from the testcases folder when it
// is installed.
func (f *Framework) FindCommand(ctx context.Context, ch com.Channel, cmd string) (*suite.Test, error) {
	args, err := shlex.Split(cmd)
	if err != nil {
		return nil, errors.Wrapf(err, "bad command %q", cmd)
	}
	if len(args) == 0 {
		return nil, errors.New("command is empty")
	}
	t := &suite.Test{Name: args[0], Command: args[0], Args: args[1:]}
	ok, err := framework.Test(ctx, ch, "-d", f.testcases())
	if err != nil {
		return nil, err
	}
	if ok {
		env, err := f.environ(ctx, ch)
		if err != nil {
			return nil, err
		}
		t.Cwd = f.testcases()
		t.Env = env
	}
	return t, nil
}

// metadata is the content of metadata/ltp.json.
type metadata struct {
	Tests map[string]map[string]interface{} `json:"tests"`
}

// FindSuite reads runtest/<name> and the tests metadata.
func (f *Framework) FindSuite(ctx context.Context, ch com.Channel, name string) (*suite.Suite, error) {
	if name == "" {
		return nil, errors.New("suite name is empty")
	}
	if err := f.checkRoot(ctx, ch); err != nil {
		return nil, err
	}
	runtest := path.Join(f.root, "runtest", name)
	if ok, err := framework.Test(ctx, ch, "-f", runtest); err != nil {
		return nil, err
	} else if !ok {
		return nil, errors.Errorf("%q suite doesn't exist", name)
	}
	content, err := framework.ReadFile(ctx, ch, runtest)
	if err != nil {
		return nil, err
	}

	var md *metadata
	mdPath := path.Join(f.root, "metadata", "ltp.json")
	if ok, err := framework.Test(ctx, ch, "-f", mdPath); err != nil {
		return nil, err
	} else if ok {
		b, err := framework.ReadFile(ctx, ch, mdPath)
		if err != nil {
			return nil, err
		}
		md = &metadata{}
		if err := json.Unmarshal(b, md); err != nil {
			return nil, errors.Wrapf(err, "bad metadata in %s", mdPath)
		}
	}

	env, err := f.environ(ctx, ch)
	if err != nil {
		return nil, err
	}
	s, err := f.parseRuntest(ctx, name, string(content), md)
	if err != nil {
		return nil, err
	}
	s.Env = env
	return s, nil
}

// parseRuntest converts a runtest file to a suite.
func (f *Framework) parseRuntest(ctx context.Context, name, content string, md *metadata) (*suite.Suite, error) {
	logging.Infof(ctx, "Collecting testing suite: %s", name)
	s := &suite.Suite{Name: name}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts, err := shlex.Split(line)
		if err != nil {
			return nil, errors.Wrapf(err, "bad runtest line %q", line)
		}
		if len(parts) < 2 {
			return nil, errors.Errorf("runtest line %q is not defining a test command", line)
		}
		t := &suite.Test{
			Name:    parts[0],
			Command: parts[1],
			Args:    parts[2:],
			Cwd:     f.testcases(),
		}
		if md != nil {
			params, ok := md.Tests[t.Name]
			if ok {
				if !f.addable(ctx, t.Name, params) {
					continue
				}
				t.Parallel = true
				for _, p := range parallelBlacklist {
					if _, ok := params[p]; ok {
						t.Parallel = false
						break
					}
				}
				if _, ok := params["needs_root"]; ok {
					t.Tags = append(t.Tags, suite.TagNeedsRoot)
				}
				if _, ok := params["needs_device"]; ok {
					t.Tags = append(t.Tags, suite.TagNeedsDevice)
				}
			}
		}
		if len(t.Args) == 0 {
			t.Args = nil
		}
		logging.Debugf(ctx, "Test %s (parallel: %v): %s", t.Name, t.Parallel, t.FullCommand())
		s.Tests = append(s.Tests, t)
	}
	logging.Infof(ctx, "Collected %d tests in %s", len(s.Tests), name)
	return s, nil
}

// addable reports whether a test passes the max_runtime filter.
func (f *Framework) addable(ctx context.Context, name string, params map[string]interface{}) bool {
	if f.maxRuntime <= 0 {
		return true
	}
	v, ok := params["max_runtime"]
	if !ok {
		return true
	}
	secs, err := strconv.ParseFloat(fmt.Sprint(v), 64)
	if err != nil {
		logging.Infof(ctx, "Metadata of %s contains a bad max_runtime: %v", name, v)
		return true
	}
	if time.Duration(secs*float64(time.Second)) >= f.maxRuntime {
		logging.Infof(ctx, "Skipping %s: max_runtime %vs is above %v", name, v, f.maxRuntime)
		return false
	}
	return true
}

var (
	colorRe   = regexp.MustCompile("\x1b\\[[0-9;]+[a-zA-Z]")
	summaryRe = regexp.MustCompile(`Summary:\n` +
		`passed\s*(\d+)\n` +
		`failed\s*(\d+)\n` +
		`broken\s*(\d+)\n` +
		`skipped\s*(\d+)\n` +
		`warnings\s*(\d+)\n`)
)

// ReadResult parses the LTP summary, or counts result tags for tests not
// printing one. Old tests printing neither are judged by their exit code.
func (f *Framework) ReadResult(t *suite.Test, stdout string, code int, d time.Duration) *results.TestResult {
	stdout = colorRe.ReplaceAllString(stdout, "")
	r := &results.TestResult{
		Test:       t,
		Status:     results.StatusFromCode(code),
		ReturnCode: code,
		Stdout:     stdout,
		Duration:   d,
	}
	if m := summaryRe.FindStringSubmatch(stdout); m != nil {
		r.Passed, _ = strconv.Atoi(m[1])
		r.Failed, _ = strconv.Atoi(m[2])
		r.Broken, _ = strconv.Atoi(m[3])
		r.Skipped, _ = strconv.Atoi(m[4])
		r.Warnings, _ = strconv.Atoi(m[5])
		return r
	}
	r.Passed = strings.Count(stdout, "TPASS")
	r.Failed = strings.Count(stdout, "TFAIL")
	r.Skipped = strings.Count(stdout, "TSKIP") + strings.Count(stdout, "TCONF")
	r.Broken = strings.Count(stdout, "TBROK")
	r.Warnings = strings.Count(stdout, "TWARN")
	if r.Passed+r.Failed+r.Skipped+r.Broken+r.Warnings == 0 {
		switch r.Status {
		case results.Pass:
			r.Passed = 1
		case results.Warning:
			r.Warnings = 1
		case results.Skip:
			r.Skipped = 1
		case results.Broken:
			r.Broken = 1
		default:
			r.Failed = 1
		}
	}
	return r
}
