// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package shell implements a communication channel running commands on the
// local host.
package shell

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/internal/logging"
	"go.chromium.org/kirk/shutil"
)

// Name is the protocol name of the channel.
const Name = "shell"

// waitDelay bounds how long Wait blocks on pipes kept open by descendants
// that survived a kill.
const waitDelay = 2 * time.Second

// Plugin creates local shell channels.
var Plugin = &com.Plugin{
	Name: Name,
	Help: map[string]string{
		"shell":      "shell interpreter running the commands (default: /bin/sh)",
		"max_output": "maximum number of output bytes kept per command",
	},
	New: func(id string, opts com.Options) (com.Channel, error) {
		max, err := opts.Int("max_output", com.DefaultMaxCapture)
		if err != nil {
			return nil, err
		}
		return New(id, opts.String("shell", "/bin/sh"), max), nil
	},
}

// Channel runs every command in a fresh shell process on the host.
type Channel struct {
	name      string
	shell     string
	maxOutput int

	mu      sync.Mutex
	active  bool
	running map[*exec.Cmd]struct{}
}

var _ com.Channel = (*Channel)(nil)

// New returns a disconnected local shell channel.
func New(name, shell string, maxOutput int) *Channel {
	return &Channel{
		name:      name,
		shell:     shell,
		maxOutput: maxOutput,
		running:   make(map[*exec.Cmd]struct{}),
	}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Connect checks that the shell interpreter exists.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return nil
	}
	if _, err := exec.LookPath(c.shell); err != nil {
		return com.ConnectionError(c.name, err)
	}
	c.active = true
	return nil
}

// Active reports whether the channel is connected.
func (c *Channel) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// RunCommand runs cmd with the shell in a new process group.
func (c *Channel) RunCommand(ctx context.Context, cmd string, opts *com.RunOptions) (*com.Result, error) {
	script, err := shutil.Script(cmd, opts.GetCwd(), opts.GetEnv())
	if err != nil {
		return nil, err
	}

	out := com.NewOutputBuffer(opts.GetOutput(), c.maxOutput)
	proc := exec.Command(c.shell, "-c", script)
	proc.Stdout = out
	proc.Stderr = out
	proc.Env = os.Environ()
	proc.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	proc.WaitDelay = waitDelay

	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil, com.ConnectionError(c.name, com.ErrNotConnected)
	}
	logging.Debugf(ctx, "[%s] Running: %s", c.name, script)
	start := time.Now()
	if err := proc.Start(); err != nil {
		c.mu.Unlock()
		return nil, com.TransportError(c.name, nil, errors.Wrapf(err, "failed to start %s", c.shell))
	}
	c.running[proc] = struct{}{}
	c.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	var timeout <-chan time.Time
	if d := opts.GetTimeout(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	var runErr error
	select {
	case werr := <-done:
		runErr = werr
	case <-timeout:
		killTree(proc.Process.Pid)
		<-done
		runErr = errors.Errorf("command timed out after %v", opts.GetTimeout())
	case <-ctx.Done():
		killTree(proc.Process.Pid)
		<-done
		runErr = ctx.Err()
	}

	c.mu.Lock()
	delete(c.running, proc)
	stopped := !c.active
	c.mu.Unlock()

	res := &com.Result{
		Command:    cmd,
		ReturnCode: proc.ProcessState.ExitCode(),
		Duration:   time.Since(start),
	}
	out.Fill(res)

	switch {
	case runErr == nil:
		return res, nil
	case stopped:
		return nil, com.TransportError(c.name, res, errors.New("channel stopped while command was running"))
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return res, nil
	}
	if errors.Is(runErr, exec.ErrWaitDelay) {
		logging.Debugf(ctx, "[%s] Output of %q still open after exit", c.name, cmd)
		return res, nil
	}
	if ctx.Err() != nil {
		return res, errors.Wrapf(runErr, "%s: command interrupted", c.name)
	}
	return nil, com.TimeoutError(c.name, res, runErr)
}

// Stop kills every command in flight.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
	for proc := range c.running {
		killTree(proc.Process.Pid)
	}
	return nil
}

// killTree kills the process group led by pid and every descendant of pid
// that moved to another group.
func killTree(pid int) {
	var escaped []*process.Process
	if p, err := process.NewProcess(int32(pid)); err == nil {
		escaped = descendants(p)
	}
	unix.Kill(-pid, unix.SIGKILL)
	for _, p := range escaped {
		p.Kill()
	}
}

func descendants(p *process.Process) []*process.Process {
	children, err := p.Children()
	if err != nil {
		return nil
	}
	all := children
	for _, c := range children {
		all = append(all, descendants(c)...)
	}
	return all
}
