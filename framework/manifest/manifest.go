// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package manifest implements a framework whose suites are listed in a YAML
// file on the host:
//
//	suites:
//	  math:
//	    env: {LC_ALL: C}
//	    tests:
//	      - name: abs01
//	        cmd: abs01
//	        args: [-v]
//	        timeout: 30s
//	        parallel: true
package manifest

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/google/shlex"
	"gopkg.in/yaml.v2"

	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/framework"
	"go.chromium.org/kirk/internal/command"
	"go.chromium.org/kirk/results"
	"go.chromium.org/kirk/suite"
)

// Name is the framework name.
const Name = "manifest"

var help = map[string]string{
	"path": "YAML file listing the suites (required)",
}

// Plugin registers the framework.
var Plugin = &framework.Plugin{
	Name: Name,
	Help: help,
	New:  func() framework.Framework { return &Framework{} },
}

type testEntry struct {
	Name     string            `yaml:"name"`
	Cmd      string            `yaml:"cmd"`
	Args     []string          `yaml:"args"`
	Cwd      string            `yaml:"cwd"`
	Env      map[string]string `yaml:"env"`
	Timeout  string            `yaml:"timeout"`
	Parallel bool              `yaml:"parallel"`
	Tags     []string          `yaml:"tags"`
}

type suiteEntry struct {
	Env   map[string]string `yaml:"env"`
	Tests []testEntry       `yaml:"tests"`
}

type file struct {
	Suites map[string]suiteEntry `yaml:"suites"`
}

// Framework serves suites read from a manifest.
type Framework struct {
	suites map[string]*suite.Suite
}

var _ framework.Framework = (*Framework)(nil)

// Name returns "manifest".
func (f *Framework) Name() string { return Name }

// Help returns the accepted options.
func (f *Framework) Help() map[string]string { return help }

// Setup reads the manifest named by the path option.
func (f *Framework) Setup(cfg *framework.Config) error {
	if err := cfg.Options.Check(help); err != nil {
		return err
	}
	p := cfg.Options.String("path", "")
	if p == "" {
		return errors.New("manifest path is not defined")
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	suites, err := Parse(b)
	if err != nil {
		return errors.Wrapf(err, "failed to parse %s", p)
	}
	f.suites = suites
	return nil
}

// Parse decodes a manifest.
func Parse(b []byte) (map[string]*suite.Suite, error) {
	var m file
	if err := yaml.UnmarshalStrict(b, &m); err != nil {
		return nil, err
	}
	suites := make(map[string]*suite.Suite, len(m.Suites))
	for name, se := range m.Suites {
		s := &suite.Suite{Name: name, Env: se.Env}
		for _, te := range se.Tests {
			var timeout time.Duration
			if te.Timeout != "" {
				d, err := command.ParseTime(te.Timeout)
				if err != nil {
					return nil, errors.Wrapf(err, "test %s", te.Name)
				}
				timeout = d
			}
			s.Tests = append(s.Tests, &suite.Test{
				Name:     te.Name,
				Command:  te.Cmd,
				Args:     te.Args,
				Cwd:      te.Cwd,
				Env:      te.Env,
				Timeout:  timeout,
				Parallel: te.Parallel,
				Tags:     te.Tags,
			})
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		suites[name] = s
	}
	return suites, nil
}

// Suites returns the suite names in lexical order.
func (f *Framework) Suites(ctx context.Context, ch com.Channel) ([]string, error) {
	names := make([]string, 0, len(f.suites))
	for n := range f.suites {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// FindSuite returns a copy of the suite named name.
func (f *Framework) FindSuite(ctx context.Context, ch com.Channel, name string) (*suite.Suite, error) {
	s, ok := f.suites[name]
	if !ok {
		return nil, errors.Errorf("%q suite doesn't exist", name)
	}
	return s.WithName(name), nil
}

// FindCommand returns a test running cmd as is.
func (f *Framework) FindCommand(ctx context.Context, ch com.Channel, cmd string) (*suite.Test, error) {
	args, err := shlex.Split(cmd)
	if err != nil {
		return nil, errors.Wrapf(err, "bad command %q", cmd)
	}
	if len(args) == 0 {
		return nil, errors.New("command is empty")
	}
	return &suite.Test{Name: args[0], Command: cmd}, nil
}

// ReadResult classifies tests by exit code.
func (f *Framework) ReadResult(t *suite.Test, stdout string, code int, d time.Duration) *results.TestResult {
	return framework.ReadResult(t, stdout, code, d)
}
