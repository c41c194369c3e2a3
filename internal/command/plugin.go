// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package command

import (
	"strings"

	"go.chromium.org/kirk/errors"
)

// HelpName is the plugin name that asks for the option help of every
// registered plugin instead of selecting one.
const HelpName = "help"

// PluginSpec is a parsed "name:key=value:key=value" command line value.
type PluginSpec struct {
	Name    string
	Options map[string]string
}

// IsHelp reports whether the spec is the bare "help" request.
func (s *PluginSpec) IsHelp() bool {
	return s.Name == HelpName && len(s.Options) == 0
}

// ParsePluginSpec parses a plugin specification such as
// "ssh:host=10.0.0.2:user=root:id=dut". The name is mandatory and every
// following element must be a key=value pair with a non-empty key.
func ParsePluginSpec(v string) (*PluginSpec, error) {
	if v == "" {
		return nil, errors.New("parameters list can't be empty")
	}
	if v == HelpName {
		return &PluginSpec{Name: HelpName}, nil
	}
	parts := strings.Split(v, ":")
	if parts[0] == "" {
		return nil, errors.Errorf("missing name in %q", v)
	}
	opts, err := ParseKeyValues(parts[1:])
	if err != nil {
		return nil, err
	}
	return &PluginSpec{Name: parts[0], Options: opts}, nil
}

// ParseEnv parses a "KEY=VALUE:KEY=VALUE" environment list.
func ParseEnv(v string) (map[string]string, error) {
	if v == "" {
		return nil, nil
	}
	return ParseKeyValues(strings.Split(v, ":"))
}

// ParseKeyValues converts "key=value" strings to a map. The value may
// contain further '=' characters.
func ParseKeyValues(params []string) (map[string]string, error) {
	opts := make(map[string]string)
	for _, p := range params {
		key, value, ok := strings.Cut(p, "=")
		if !ok {
			return nil, errors.Errorf("missing '=' assignment in %q parameter", p)
		}
		if key == "" {
			return nil, errors.Errorf("empty key for %q parameter", p)
		}
		opts[key] = value
	}
	return opts, nil
}
