// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sut

import (
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v2"

	"go.chromium.org/kirk/errors"
)

// manifest describes a scripted SUT in YAML:
//
//	name: board
//	help: {port: "power switch port"}
//	com: ssh0
//	start: "pdu on {port}"
//	stop: "pdu off {port}"
//	restart: "pdu cycle {port}"
type manifest struct {
	Name    string            `yaml:"name"`
	Help    map[string]string `yaml:"help"`
	Com     string            `yaml:"com"`
	Start   string            `yaml:"start"`
	Stop    string            `yaml:"stop"`
	Restart string            `yaml:"restart"`
}

// ParseManifest returns the plugin described by a YAML SUT manifest.
func ParseManifest(b []byte) (*Plugin, error) {
	var m manifest
	if err := yaml.UnmarshalStrict(b, &m); err != nil {
		return nil, errors.Wrap(err, "bad SUT manifest")
	}
	if m.Name == "" {
		return nil, errors.New("SUT manifest has no name")
	}
	if m.Name == DefaultName {
		return nil, errors.Errorf("SUT name %q is reserved", m.Name)
	}
	hooks := Hooks{Start: m.Start, Stop: m.Stop, Restart: m.Restart}
	help := NewGeneric(m.Name, m.Help, m.Com, hooks).Help()
	return &Plugin{
		Name: m.Name,
		Help: help,
		New:  func() SUT { return NewGeneric(m.Name, m.Help, m.Com, hooks) },
	}, nil
}

// LoadPlugins reads every *.yaml manifest in dir, sorted by file name.
func LoadPlugins(dir string) ([]*Plugin, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	var plugins []*Plugin
	seen := make(map[string]string)
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		pl, err := ParseManifest(b)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load %s", p)
		}
		if prev, ok := seen[pl.Name]; ok {
			return nil, errors.Errorf("SUT %q is defined in both %s and %s", pl.Name, prev, p)
		}
		seen[pl.Name] = p
		plugins = append(plugins, pl)
	}
	return plugins, nil
}
