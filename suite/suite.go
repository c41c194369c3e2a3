// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package suite defines the tests and suites scheduled by kirk.
package suite

import (
	"strings"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"go.chromium.org/kirk/errors"
)

// Tags understood by frameworks and schedulers.
const (
	TagNeedsRoot   = "needs_root"
	TagNeedsDevice = "needs_device"
)

// Test is a single test program. Tests are not modified once a framework
// returns them.
type Test struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"arguments,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// Timeout overrides the scheduler's default when positive.
	Timeout  time.Duration `json:"timeout,omitempty"`
	Parallel bool          `json:"parallelizable"`
	Tags     []string      `json:"tags,omitempty"`
}

// Validate returns an error if t cannot be run.
func (t *Test) Validate() error {
	if t.Name == "" {
		return errors.New("test must have a name")
	}
	if t.Command == "" {
		return errors.Errorf("test %s must have a command", t.Name)
	}
	return nil
}

// FullCommand returns the command followed by its arguments.
func (t *Test) FullCommand() string {
	if len(t.Args) == 0 {
		return t.Command
	}
	return t.Command + " " + strings.Join(t.Args, " ")
}

// HasTag reports whether t carries tag.
func (t *Test) HasTag(tag string) bool {
	return slices.Contains(t.Tags, tag)
}

// Clone returns a deep copy of t.
func (t *Test) Clone() *Test {
	c := *t
	c.Args = slices.Clone(t.Args)
	c.Env = maps.Clone(t.Env)
	c.Tags = slices.Clone(t.Tags)
	return &c
}

// Suite is an ordered list of tests. Results are reported in this order.
type Suite struct {
	Name string `json:"name"`
	// Env is exported to every test. Test.Env takes precedence.
	Env   map[string]string `json:"env,omitempty"`
	Tests []*Test           `json:"tests"`
}

// WithName returns a deep copy of s named name.
func (s *Suite) WithName(name string) *Suite {
	c := &Suite{Name: name, Env: maps.Clone(s.Env), Tests: make([]*Test, len(s.Tests))}
	for i, t := range s.Tests {
		c.Tests[i] = t.Clone()
	}
	return c
}

// Validate checks the suite name and every test.
func (s *Suite) Validate() error {
	if s.Name == "" {
		return errors.New("empty suite name")
	}
	seen := make(map[string]struct{}, len(s.Tests))
	for _, t := range s.Tests {
		if err := t.Validate(); err != nil {
			return errors.Wrapf(err, "suite %s", s.Name)
		}
		if _, ok := seen[t.Name]; ok {
			return errors.Errorf("suite %s: duplicated test %s", s.Name, t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}
