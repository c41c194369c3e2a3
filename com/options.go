// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package com

import (
	"strconv"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/internal/command"
)

// Options holds plugin configuration given as key=value pairs.
type Options map[string]string

// String returns the value of key, or def if unset or empty.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok && v != "" {
		return v
	}
	return def
}

// Int returns the integer value of key, or def if unset.
func (o Options) Int(key string, def int) (int, error) {
	v, ok := o[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Errorf("option %s: %q is not a number", key, v)
	}
	return n, nil
}

// Bool returns the boolean value of key ("1", "true", "0", "false"), or def
// if unset.
func (o Options) Bool(key string, def bool) (bool, error) {
	v, ok := o[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Errorf("option %s: %q is not a boolean", key, v)
	}
	return b, nil
}

// Duration returns the time value of key in the 30s/4m/5h/20d format, or def
// if unset.
func (o Options) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := o[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := command.ParseTime(v)
	if err != nil {
		return 0, errors.Wrapf(err, "option %s", key)
	}
	return d, nil
}

// Without returns a copy of o lacking keys.
func (o Options) Without(keys ...string) Options {
	c := make(Options, len(o))
	for k, v := range o {
		c[k] = v
	}
	for _, k := range keys {
		delete(c, k)
	}
	return c
}

// Check returns an error naming the first option not described in help.
func (o Options) Check(help map[string]string) error {
	keys := maps.Keys(o)
	slices.Sort(keys)
	for _, k := range keys {
		if _, ok := help[k]; !ok {
			return errors.Errorf("unknown option %q", k)
		}
	}
	return nil
}
