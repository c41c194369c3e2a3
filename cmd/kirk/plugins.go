// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"go.chromium.org/kirk/com"
	comall "go.chromium.org/kirk/com/all"
	"go.chromium.org/kirk/com/shell"
	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/framework"
	fwall "go.chromium.org/kirk/framework/all"
	"go.chromium.org/kirk/internal/command"
	"go.chromium.org/kirk/sut"
)

// errHelpShown is returned by pluginFlags.setup after printing option help.
var errHelpShown = errors.New("help shown")

// pluginFlags selects and configures the SUT, its channels and the
// framework.
type pluginFlags struct {
	sut       *command.PluginSpec
	coms      []*command.PluginSpec
	framework *command.PluginSpec
	dir       string // directory of SUT manifests

	// out receives option help.
	out io.Writer
}

func parseSpec(dst **command.PluginSpec) command.RepeatedFlag {
	return func(v string) error {
		spec, err := command.ParsePluginSpec(v)
		if err != nil {
			return err
		}
		*dst = spec
		return nil
	}
}

// SetFlags registers the plugin flags on f.
func (p *pluginFlags) SetFlags(f *flag.FlagSet) {
	p.sut = &command.PluginSpec{Name: sut.DefaultName}
	p.framework = &command.PluginSpec{Name: fwall.Default}

	sutFlag := parseSpec(&p.sut)
	f.Var(&sutFlag, "sut", `SUT as "name:key=value:..." ("help" lists SUTs and their options)`)
	comFlag := command.RepeatedFlag(func(v string) error {
		spec, err := command.ParsePluginSpec(v)
		if err != nil {
			return err
		}
		p.coms = append(p.coms, spec)
		return nil
	})
	f.Var(&comFlag, "com", `communication channel as "proto:key=value:...:id=name"; may be repeated ("help" lists channels)`)
	fwFlag := parseSpec(&p.framework)
	f.Var(&fwFlag, "framework", `testing framework as "name:key=value:..." ("help" lists frameworks)`)
	f.StringVar(&p.dir, "plugins", "", "directory of YAML SUT manifests")
}

// wantsHelp reports whether any plugin flag asks for help.
func (p *pluginFlags) wantsHelp() bool {
	if p.sut.IsHelp() || p.framework.IsHelp() {
		return true
	}
	for _, c := range p.coms {
		if c.IsHelp() {
			return true
		}
	}
	return false
}

// env is a configured set of plugins.
type env struct {
	reg *com.Registry
	sut sut.SUT
	fw  framework.Framework
}

// Close stops every channel.
func (e *env) Close(ctx context.Context) error {
	return e.reg.StopAll(ctx)
}

// setup creates the channels, the SUT and the framework. When help is
// requested it is written to p.out and errHelpShown is returned.
func (p *pluginFlags) setup(ctx context.Context, execTimeout time.Duration) (*env, error) {
	sutPlugins := sut.Plugins()
	if p.dir != "" {
		extra, err := sut.LoadPlugins(p.dir)
		if err != nil {
			return nil, err
		}
		sutPlugins = append(sutPlugins, extra...)
	}
	reg, err := comall.NewRegistry()
	if err != nil {
		return nil, err
	}
	fwPlugins := fwall.Plugins()

	if p.wantsHelp() {
		if p.sut.IsHelp() {
			fmt.Fprintln(p.out, "SUTs:")
			for _, sp := range sutPlugins {
				printHelp(p.out, sp.Name, sp.Help)
			}
		}
		for _, c := range p.coms {
			if c.IsHelp() {
				fmt.Fprintln(p.out, "Communication channels:")
				for _, cp := range reg.Plugins() {
					printHelp(p.out, cp.Name, cp.Help)
				}
				break
			}
		}
		if p.framework.IsHelp() {
			fmt.Fprintln(p.out, "Frameworks:")
			for _, fp := range fwPlugins {
				printHelp(p.out, fp.Name, fp.Help)
			}
		}
		return nil, errHelpShown
	}

	coms := p.coms
	if len(coms) == 0 {
		coms = []*command.PluginSpec{{Name: shell.Name}}
	}
	for _, c := range coms {
		if _, err := reg.Create(c.Name, c.Options); err != nil {
			return nil, err
		}
	}
	reg.Freeze()

	sp, ok := sut.Find(sutPlugins, p.sut.Name)
	if !ok {
		return nil, errors.Errorf("can't find SUT %q", p.sut.Name)
	}
	s := sp.New()
	if err := s.Setup(ctx, reg, p.sut.Options); err != nil {
		return nil, err
	}

	fp, ok := framework.Find(fwPlugins, p.framework.Name)
	if !ok {
		return nil, errors.Errorf("can't find framework %q", p.framework.Name)
	}
	fw := fp.New()
	if err := fw.Setup(&framework.Config{Options: p.framework.Options, ExecTimeout: execTimeout}); err != nil {
		return nil, errors.Wrapf(err, "bad options for framework %s", fp.Name)
	}
	return &env{reg: reg, sut: s, fw: fw}, nil
}

// printHelp writes the options of a plugin in a sorted table.
func printHelp(w io.Writer, name string, help map[string]string) {
	fmt.Fprintf(w, "  %s\n", name)
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	keys := maps.Keys(help)
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(tw, "    %s\t%s\n", k, help[k])
	}
	tw.Flush()
}
