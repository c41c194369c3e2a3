// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package main implements the kirk executable, used to run test suites on a
// system under test.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"go.chromium.org/kirk/internal/logging"
)

// Version info is filled in at build time.
var Version = "<unknown>"

// newLogger returns the console logger.
func newLogger(verbose, logTime bool) logging.Logger {
	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	return logging.NewSinkLogger(level, logTime, logging.NewWriterSink(os.Stdout))
}

// doMain implements the main body of the program. It's a separate function so
// that its deferred functions will run before os.Exit makes the program exit
// immediately.
func doMain() int {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(newRunCmd(), "")
	subcommands.Register(newListCmd(), "")

	version := flag.Bool("version", false, "print version and exit")
	verbose := flag.Bool("verbose", false, "use verbose logging")
	logTime := flag.Bool("logtime", false, "include date/time headers in logs")
	flag.Parse()

	if *version {
		fmt.Printf("kirk version %s\n", Version)
		return 0
	}

	ctx := logging.AttachLogger(context.Background(), newLogger(*verbose, *logTime))
	return int(subcommands.Execute(ctx))
}

func main() {
	os.Exit(doMain())
}
