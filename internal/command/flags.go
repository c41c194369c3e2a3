// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package command contains helpers shared by kirk's command line tools.
package command

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.chromium.org/kirk/errors"
)

// EnumFlag implements flag.Value to map a user-supplied string value to an enum value.
type EnumFlag struct {
	valid  map[string]int     // map from user-supplied string value to int value
	assign EnumFlagAssignFunc // used to assign int value to dest
	def    string             // default value
}

// EnumFlagAssignFunc is used by EnumFlag to assign an enum value to a target variable.
type EnumFlagAssignFunc func(val int)

// NewEnumFlag returns an EnumFlag using the supplied map of valid values and assignment function.
// def contains a default value to assign when the flag is unspecified.
func NewEnumFlag(valid map[string]int, assign EnumFlagAssignFunc, def string) *EnumFlag {
	f := EnumFlag{valid, assign, def}
	if err := f.Set(def); err != nil {
		panic(err)
	}
	return &f
}

// Default returns the default value used if the flag is unset.
func (f *EnumFlag) Default() string { return f.def }

// QuotedValues returns a comma-separated list of quoted values the user can supply.
func (f *EnumFlag) QuotedValues() string {
	var qn []string
	for n := range f.valid {
		qn = append(qn, fmt.Sprintf("%q", n))
	}
	sort.Strings(qn)
	return strings.Join(qn, ", ")
}

func (f *EnumFlag) String() string { return "" }

// Set sets the flag value.
func (f *EnumFlag) Set(v string) error {
	ev, ok := f.valid[v]
	if !ok {
		return fmt.Errorf("must be in %s", f.QuotedValues())
	}
	f.assign(ev)
	return nil
}

// ListFlag implements flag.Value to split a user-supplied string with a custom delimiter
// into a slice of strings.
type ListFlag struct {
	sep    string             // value separator, e.g. ","
	assign ListFlagAssignFunc // used to assign slice value to dest
	def    []string           // default value, e.g. []string{"foo", "bar"}
}

// ListFlagAssignFunc is called by ListFlag to assign a slice to a target variable.
type ListFlagAssignFunc func([]string)

// NewListFlag returns a ListFlag using the supplied separator and assignment function.
// def contains a default value to assign when the flag is unspecified.
func NewListFlag(sep string, assign ListFlagAssignFunc, def []string) *ListFlag {
	f := ListFlag{sep, assign, def}
	f.assign(def)
	return &f
}

// Default returns the default value used if the flag is unset.
func (f *ListFlag) Default() string { return strings.Join(f.def, f.sep) }

func (f *ListFlag) String() string { return "" }

// Set sets the flag value.
func (f *ListFlag) Set(v string) error {
	var vals []string
	for _, s := range strings.Split(v, f.sep) {
		if s != "" {
			vals = append(vals, s)
		}
	}
	f.assign(vals)
	return nil
}

// RepeatedFlag implements flag.Value around an assignment function that is executed each
// time the flag is supplied.
type RepeatedFlag func(v string) error

// Default returns the default value used if the flag is unset.
func (f *RepeatedFlag) Default() string { return "" }

func (f *RepeatedFlag) String() string { return "" }

// Set calls the assignment function with v.
func (f *RepeatedFlag) Set(v string) error { return (*f)(v) }

// DurationFlag implements flag.Value to save a user-supplied time value
// (30s, 4m, 5h, 20d or a bare number of seconds) to a time.Duration.
type DurationFlag struct {
	dst *time.Duration
}

// NewDurationFlag returns a DurationFlag that will save a duration to dst.
// def is assigned to dst immediately.
func NewDurationFlag(dst *time.Duration, def time.Duration) *DurationFlag {
	*dst = def
	return &DurationFlag{dst}
}

func (f *DurationFlag) String() string { return "" }

// Set sets the flag value.
func (f *DurationFlag) Set(v string) error {
	d, err := ParseTime(v)
	if err != nil {
		return err
	}
	*f.dst = d
	return nil
}

var timeRe = regexp.MustCompile(`^(\d+)\s*([smhd]?)$`)

// ParseTime parses a time value in the form 30s, 4m, 5h or 20d. A value
// without suffix is in seconds.
func ParseTime(v string) (time.Duration, error) {
	m := timeRe.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil {
		return 0, errors.Errorf("incorrect time format %q", v)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "incorrect time format %q", v)
	}
	unit := time.Second
	switch m[2] {
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	return time.Duration(n) * unit, nil
}
