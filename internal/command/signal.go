// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package command

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// ExitInterrupted is the exit status of a run stopped by a signal.
const ExitInterrupted = 130

var selfName = filepath.Base(os.Args[0])

// InstallSignalHandler installs a handler for SIGINT and SIGTERM. The first
// signal calls callback, which is expected to cancel the running session so
// that it stops gracefully. A second signal dumps all goroutines to out,
// terminates child processes and exits with ExitInterrupted. The returned
// function uninstalls the handler.
func InstallSignalHandler(out io.Writer, callback func(sig os.Signal)) (stop func()) {
	ch := make(chan os.Signal, 2)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			fmt.Fprintf(out, "\n%s: Caught %v signal; stopping (repeat to force)\n", selfName, sig)
			callback(sig)
		case <-done:
			return
		}
		select {
		case sig := <-ch:
			fmt.Fprintf(out, "\n%s: Caught %v signal again; exiting\n", selfName, sig)
			dumpAndTerminate(out)
			os.Exit(ExitInterrupted)
		case <-done:
		}
	}()
	signal.Notify(ch, unix.SIGINT, unix.SIGTERM)
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

func dumpAndTerminate(out io.Writer) {
	fmt.Fprintf(out, "\n%s: Dumping all goroutines...\n\n", selfName)
	if p := pprof.Lookup("goroutine"); p != nil {
		p.WriteTo(out, 2)
	}
	fmt.Fprintf(out, "\n%s: Finished dumping goroutines\n", selfName)

	if err := TerminateChildren(); err != nil {
		fmt.Fprintf(out, "Failed to terminate subprocesses: %v\n", err)
	}
}

// TerminateChildren sends SIGTERM to every direct child of this process,
// such as qemu instances and LTX agents.
func TerminateChildren() error {
	procs, err := process.Processes()
	if err != nil {
		return err
	}
	selfPid := int32(os.Getpid())
	for _, proc := range procs {
		ppid, err := proc.Ppid()
		if err != nil {
			continue
		}
		if ppid == selfPid {
			proc.Terminate()
		}
	}
	return nil
}
