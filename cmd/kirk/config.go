// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"go.chromium.org/kirk/errors"
)

// applyConfig sets the flags of f that were not given on the command line
// from the YAML file at path. Keys are flag names; a list sets a repeated
// flag once per element:
//
//	sut: default:com=ssh0
//	com:
//	  - ssh:host=10.0.0.2:id=ssh0
//	workers: 4
//	exec-timeout: 1h
func applyConfig(f *flag.FlagSet, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var vals yaml.MapSlice
	if err := yaml.Unmarshal(b, &vals); err != nil {
		return errors.Wrapf(err, "bad config file %s", path)
	}

	given := make(map[string]bool)
	f.Visit(func(fl *flag.Flag) { given[fl.Name] = true })

	for _, item := range vals {
		name, ok := item.Key.(string)
		if !ok {
			return errors.Errorf("%s: bad key %v", path, item.Key)
		}
		if f.Lookup(name) == nil {
			return errors.Errorf("%s: unknown setting %q", path, name)
		}
		if given[name] {
			continue
		}
		var vs []interface{}
		if l, ok := item.Value.([]interface{}); ok {
			vs = l
		} else {
			vs = []interface{}{item.Value}
		}
		for _, v := range vs {
			if err := f.Set(name, fmt.Sprint(v)); err != nil {
				return errors.Wrapf(err, "%s: bad value for %s", path, name)
			}
		}
	}
	return nil
}
