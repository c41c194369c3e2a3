// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"go.chromium.org/kirk/ctxutil"
	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/internal/command"
	"go.chromium.org/kirk/internal/logging"
	"go.chromium.org/kirk/suite"
)

// listFormat is the output format of listCmd.
type listFormat int

const (
	listText listFormat = iota
	listJSON
)

// listCmd implements subcommands.Command to support listing suites.
type listCmd struct {
	plugins    pluginFlags
	configPath string
	tests      bool // list the tests of every suite
	format     listFormat

	out io.Writer
}

func newListCmd() *listCmd {
	return &listCmd{out: os.Stdout}
}

func (*listCmd) Name() string     { return "list" }
func (*listCmd) Synopsis() string { return "list test suites" }
func (*listCmd) Usage() string {
	return `list <flags> [suite]...:
	Lists the suites available on the SUT, or the tests of the given suites.
`
}

func (lc *listCmd) SetFlags(f *flag.FlagSet) {
	lc.plugins.out = lc.out
	lc.plugins.SetFlags(f)
	f.StringVar(&lc.configPath, "config", "", "YAML file giving defaults for the flags")
	f.BoolVar(&lc.tests, "tests", false, "also list the tests of every suite")
	ff := command.NewEnumFlag(map[string]int{"text": int(listText), "json": int(listJSON)},
		func(v int) { lc.format = listFormat(v) }, "text")
	f.Var(ff, "format", fmt.Sprintf("output format (%s)", ff.QuotedValues()))
}

func (lc *listCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if lc.configPath != "" {
		if err := applyConfig(f, lc.configPath); err != nil {
			logging.Info(ctx, err)
			return subcommands.ExitUsageError
		}
	}
	if err := lc.list(ctx, f.Args()); err != nil {
		if errors.Is(err, errHelpShown) {
			return subcommands.ExitSuccess
		}
		logging.Info(ctx, "Error: ", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (lc *listCmd) list(ctx context.Context, names []string) error {
	e, err := lc.plugins.setup(ctx, 0)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := ctxutil.Detach(ctx, cleanupTimeout)
		defer cancel()
		e.sut.Stop(cctx)
		e.Close(cctx)
	}()

	if err := e.sut.Start(ctx); err != nil {
		return err
	}
	ch := e.sut.Channel()
	if len(names) == 0 {
		if names, err = e.fw.Suites(ctx, ch); err != nil {
			return err
		}
		if !lc.tests {
			return lc.print(names, nil)
		}
	}
	var suites []*suite.Suite
	for _, n := range names {
		st, err := e.fw.FindSuite(ctx, ch, n)
		if err != nil {
			return err
		}
		suites = append(suites, st)
	}
	return lc.print(names, suites)
}

// print writes suite names, or suites with their tests when suites is not
// nil.
func (lc *listCmd) print(names []string, suites []*suite.Suite) error {
	if lc.format == listJSON {
		enc := json.NewEncoder(lc.out)
		enc.SetIndent("", "  ")
		if suites == nil {
			return enc.Encode(names)
		}
		return enc.Encode(suites)
	}
	if suites == nil {
		for _, n := range names {
			fmt.Fprintln(lc.out, n)
		}
		return nil
	}
	for _, st := range suites {
		fmt.Fprintln(lc.out, st.Name)
		for _, t := range st.Tests {
			fmt.Fprintf(lc.out, "  %s: %s\n", t.Name, t.FullCommand())
		}
	}
	return nil
}
