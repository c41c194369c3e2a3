// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package suite

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFullCommand(t *testing.T) {
	for _, tc := range []struct {
		test *Test
		want string
	}{
		{&Test{Name: "a", Command: "ls"}, "ls"},
		{&Test{Name: "b", Command: "ls", Args: []string{"-l", "-a"}}, "ls -l -a"},
	} {
		if got := tc.test.FullCommand(); got != tc.want {
			t.Errorf("FullCommand() of %s = %q; want %q", tc.test.Name, got, tc.want)
		}
	}
}

func TestWithName(t *testing.T) {
	s := &Suite{Name: "math", Tests: []*Test{
		{Name: "abs01", Command: "abs01", Args: []string{"-v"}, Env: map[string]string{"A": "1"}},
	}}
	c := s.WithName("math[1]")
	if diff := cmp.Diff(c.Tests, s.Tests); diff != "" {
		t.Errorf("Tests mismatch (-got +want):\n%s", diff)
	}
	c.Tests[0].Args[0] = "-q"
	c.Tests[0].Env["A"] = "2"
	if s.Tests[0].Args[0] != "-v" || s.Tests[0].Env["A"] != "1" {
		t.Error("WithName shares test data with the original suite")
	}
	if s.Name != "math" || c.Name != "math[1]" {
		t.Errorf("Names are %q and %q; want math and math[1]", s.Name, c.Name)
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name  string
		suite *Suite
		ok    bool
	}{
		{"valid", &Suite{Name: "s", Tests: []*Test{{Name: "a", Command: "true"}}}, true},
		{"no name", &Suite{Tests: []*Test{{Name: "a", Command: "true"}}}, false},
		{"no command", &Suite{Name: "s", Tests: []*Test{{Name: "a"}}}, false},
		{"no test name", &Suite{Name: "s", Tests: []*Test{{Command: "true"}}}, false},
		{"duplicated", &Suite{Name: "s", Tests: []*Test{{Name: "a", Command: "x"}, {Name: "a", Command: "y"}}}, false},
	} {
		if err := tc.suite.Validate(); (err == nil) != tc.ok {
			t.Errorf("%s: Validate() = %v; want success %v", tc.name, err, tc.ok)
		}
	}
}
