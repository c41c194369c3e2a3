// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package results holds test outcomes and writes reports.
package results

import (
	"encoding/json"
	"time"

	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/suite"
	"go.chromium.org/kirk/sut"
)

// Exit codes with a conventional meaning for test programs.
const (
	CodePass    = 0
	CodeBroken  = 2
	CodeWarning = 4
	// CodeSkip is LTP's TCONF code.
	CodeSkip = 32
)

// Status is the overall outcome of a test.
type Status int

const (
	Pass Status = iota
	Fail
	Skip
	Broken
	Warning
)

var statusNames = map[Status]string{
	Pass:    "pass",
	Fail:    "fail",
	Skip:    "skip",
	Broken:  "broken",
	Warning: "warning",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// MarshalJSON encodes s as its name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status name.
func (s *Status) UnmarshalJSON(b []byte) error {
	var n string
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	for st, name := range statusNames {
		if name == n {
			*s = st
			return nil
		}
	}
	return errors.Errorf("unknown status %q", n)
}

// StatusFromCode classifies a test by its exit code.
func StatusFromCode(code int) Status {
	switch code {
	case CodePass:
		return Pass
	case CodeSkip:
		return Skip
	case CodeWarning:
		return Warning
	case CodeBroken:
		return Broken
	default:
		return Fail
	}
}

// TestResult is the outcome of one logical execution of a test.
type TestResult struct {
	Test       *suite.Test   `json:"test"`
	Status     Status        `json:"status"`
	ReturnCode int           `json:"returnCode"`
	Stdout     string        `json:"stdout"`
	Duration   time.Duration `json:"duration"`
	// Retries is the number of broken attempts discarded before this one.
	Retries   int  `json:"retries,omitempty"`
	Truncated bool `json:"truncated,omitempty"`
	// Taint lists the kernel taint flags raised while the test ran.
	Taint []string `json:"taint,omitempty"`

	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
	Broken   int `json:"broken"`
	Skipped  int `json:"skipped"`
	Warnings int `json:"warnings"`
}

// NewTestResult returns a result whose counters are derived from status.
func NewTestResult(t *suite.Test, status Status, code int, stdout string, d time.Duration) *TestResult {
	r := &TestResult{
		Test:       t,
		Status:     status,
		ReturnCode: code,
		Stdout:     stdout,
		Duration:   d,
	}
	switch status {
	case Pass:
		r.Passed = 1
	case Skip:
		r.Skipped = 1
	case Warning:
		r.Warnings = 1
	case Broken:
		r.Broken = 1
	default:
		r.Failed = 1
	}
	return r
}

// SuiteResult aggregates the results of one suite run.
type SuiteResult struct {
	Suite    string        `json:"suite"`
	Tests    []*TestResult `json:"tests"`
	Duration time.Duration `json:"duration"`
	SUTInfo  sut.Info      `json:"sut"`
}

// Runs returns the number of tests with a result.
func (r *SuiteResult) Runs() int { return len(r.Tests) }

func (r *SuiteResult) sum(f func(t *TestResult) int) int {
	n := 0
	for _, t := range r.Tests {
		n += f(t)
	}
	return n
}

func (r *SuiteResult) Passed() int   { return r.sum(func(t *TestResult) int { return t.Passed }) }
func (r *SuiteResult) Failed() int   { return r.sum(func(t *TestResult) int { return t.Failed }) }
func (r *SuiteResult) Broken() int   { return r.sum(func(t *TestResult) int { return t.Broken }) }
func (r *SuiteResult) Skipped() int  { return r.sum(func(t *TestResult) int { return t.Skipped }) }
func (r *SuiteResult) Warnings() int { return r.sum(func(t *TestResult) int { return t.Warnings }) }

// ExecTime returns the sum of test durations.
func (r *SuiteResult) ExecTime() time.Duration {
	var d time.Duration
	for _, t := range r.Tests {
		d += t.Duration
	}
	return d
}

// CountStatus returns the number of tests whose overall status is s.
func (r *SuiteResult) CountStatus(s Status) int {
	n := 0
	for _, t := range r.Tests {
		if t.Status == s {
			n++
		}
	}
	return n
}
