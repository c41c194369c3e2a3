// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package docker implements a communication channel running commands in an
// existing docker container.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/internal/logging"
	"go.chromium.org/kirk/shutil"
)

// Name is the protocol name of the channel.
const Name = "docker"

const (
	killTimeout    = 5 * time.Second
	inspectTimeout = 5 * time.Second
)

// Plugin creates docker channels.
var Plugin = &com.Plugin{
	Name: Name,
	Help: map[string]string{
		"container":  "name or ID of the running container",
		"user":       "user running the commands (default: container user)",
		"host":       "docker daemon address (default: $DOCKER_HOST)",
		"max_output": "maximum number of output bytes kept per command",
	},
	New: func(id string, opts com.Options) (com.Channel, error) {
		container := opts.String("container", "")
		if container == "" {
			return nil, errors.New("container is not defined")
		}
		max, err := opts.Int("max_output", com.DefaultMaxCapture)
		if err != nil {
			return nil, err
		}
		return New(id, container, opts.String("user", ""), opts.String("host", ""), max), nil
	},
}

// Channel runs every command as a docker exec session.
type Channel struct {
	name      string
	container string
	user      string
	host      string
	maxOutput int

	mu    sync.Mutex
	cl    *client.Client
	execs map[*types.HijackedResponse]struct{}
}

var (
	_ com.Channel     = (*Channel)(nil)
	_ com.FileFetcher = (*Channel)(nil)
	_ com.FileSender  = (*Channel)(nil)
)

// New returns a disconnected docker channel. An empty host selects the
// daemon from the environment.
func New(name, container, user, host string, maxOutput int) *Channel {
	if maxOutput <= 0 {
		maxOutput = com.DefaultMaxCapture
	}
	return &Channel{
		name:      name,
		container: container,
		user:      user,
		host:      host,
		maxOutput: maxOutput,
		execs:     make(map[*types.HijackedResponse]struct{}),
	}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

func (c *Channel) client() *client.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cl
}

// Connect connects to the docker daemon and checks that the container runs.
func (c *Channel) Connect(ctx context.Context) error {
	if c.client() != nil {
		return nil
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if c.host != "" {
		opts = append(opts, client.WithHost(c.host))
	}
	cl, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return com.ConnectionError(c.name, errors.Wrap(err, "failed to create docker client"))
	}
	running, err := containerRunning(ctx, cl, c.container)
	if err != nil {
		cl.Close()
		return com.ConnectionError(c.name, err)
	}
	if !running {
		cl.Close()
		return com.ConnectionError(c.name, errors.Errorf("container %s is not running", c.container))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cl != nil {
		cl.Close()
		return nil
	}
	c.cl = cl
	logging.Debugf(ctx, "[%s] Connected to container %s", c.name, c.container)
	return nil
}

func containerRunning(ctx context.Context, cl *client.Client, container string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	info, err := cl.ContainerInspect(ctx, container)
	if err != nil {
		return false, errors.Wrapf(err, "failed to inspect container %s", container)
	}
	return info.State != nil && info.State.Running, nil
}

// Active reports whether the channel is connected and the container runs.
func (c *Channel) Active() bool {
	cl := c.client()
	if cl == nil {
		return false
	}
	running, err := containerRunning(context.Background(), cl, c.container)
	return err == nil && running
}

func (c *Channel) track(resp *types.HijackedResponse, add bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if add {
		c.execs[resp] = struct{}{}
	} else {
		delete(c.execs, resp)
	}
}

// RunCommand runs cmd in a new exec session of the container.
func (c *Channel) RunCommand(ctx context.Context, cmd string, opts *com.RunOptions) (*com.Result, error) {
	cl := c.client()
	if cl == nil {
		return nil, com.ConnectionError(c.name, com.ErrNotConnected)
	}
	script, err := shutil.Script(cmd, opts.GetCwd(), opts.GetEnv())
	if err != nil {
		return nil, err
	}

	logging.Debugf(ctx, "[%s] Running: %s", c.name, script)
	start := time.Now()
	exec, err := cl.ContainerExecCreate(ctx, c.container, types.ExecConfig{
		User:         c.user,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"/bin/sh", "-c", "echo $$; exec /bin/sh -c " + shutil.Escape(script)},
	})
	if err != nil {
		return nil, com.TransportError(c.name, nil, errors.Wrap(err, "failed to create exec"))
	}
	resp, err := cl.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, com.TransportError(c.name, nil, errors.Wrap(err, "failed to attach to exec"))
	}
	c.track(&resp, true)
	defer c.track(&resp, false)
	defer resp.Close()

	out := com.NewOutputBuffer(opts.GetOutput(), c.maxOutput)
	pw := newPIDWriter(out)
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(pw, out, resp.Reader)
		done <- err
	}()

	var timeout <-chan time.Time
	if d := opts.GetTimeout(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	result := func() *com.Result {
		res := &com.Result{Command: cmd, Duration: time.Since(start), ReturnCode: -1}
		out.Fill(res)
		return res
	}

	select {
	case cerr := <-done:
		res := result()
		if cerr != nil {
			return nil, com.TransportError(c.name, res, errors.Wrap(cerr, "connection lost while running command"))
		}
		ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), inspectTimeout)
		defer cancel()
		info, err := cl.ContainerExecInspect(ictx, exec.ID)
		if err != nil {
			return nil, com.TransportError(c.name, res, errors.Wrap(err, "failed to read exit code"))
		}
		if c.client() != cl {
			return nil, com.TransportError(c.name, res, errors.New("channel stopped while command was running"))
		}
		res.ReturnCode = info.ExitCode
		return res, nil
	case <-timeout:
		c.kill(ctx, cl, pw, &resp, done)
		return nil, com.TimeoutError(c.name, result(), errors.Errorf("command timed out after %v", opts.GetTimeout()))
	case <-ctx.Done():
		c.kill(ctx, cl, pw, &resp, done)
		return result(), errors.Wrapf(ctx.Err(), "%s: command interrupted", c.name)
	}
}

// kill kills the process tree of a running exec from a second exec and
// detaches from it.
func (c *Channel) kill(ctx context.Context, cl *client.Client, pw *pidWriter, resp *types.HijackedResponse, done <-chan error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
	defer cancel()

	if pid, ok := pw.PID(); ok {
		killCmd := fmt.Sprintf("pkill -KILL -P %d; kill -KILL %d", pid, pid)
		if err := c.runSide(ctx, cl, killCmd); err != nil {
			logging.Debugf(ctx, "[%s] Failed to kill process %d: %v", c.name, pid, err)
		}
	}
	resp.Close()

	select {
	case <-done:
	case <-ctx.Done():
		logging.Warningf(ctx, "[%s] Exec did not terminate after kill", c.name)
	}
}

// runSide runs a helper command as root and waits for it.
func (c *Channel) runSide(ctx context.Context, cl *client.Client, cmd string) error {
	exec, err := cl.ContainerExecCreate(ctx, c.container, types.ExecConfig{
		User: "root",
		Cmd:  []string{"/bin/sh", "-c", cmd},
	})
	if err != nil {
		return err
	}
	if err := cl.ContainerExecStart(ctx, exec.ID, types.ExecStartCheck{}); err != nil {
		return err
	}
	for {
		info, err := cl.ContainerExecInspect(ctx, exec.ID)
		if err != nil {
			return err
		}
		if !info.Running {
			return nil
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop detaches from running execs and closes the daemon connection. The
// container keeps running.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cl == nil {
		return nil
	}
	for resp := range c.execs {
		resp.Close()
	}
	err := c.cl.Close()
	c.cl = nil
	return err
}

// FetchFile reads a regular file out of the container.
func (c *Channel) FetchFile(ctx context.Context, p string) ([]byte, error) {
	cl := c.client()
	if cl == nil {
		return nil, com.ConnectionError(c.name, com.ErrNotConnected)
	}
	rc, _, err := cl.CopyFromContainer(ctx, c.container, p)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to copy %s", p)
	}
	defer rc.Close()
	tr := tar.NewReader(rc)
	hdr, err := tr.Next()
	if err != nil {
		return nil, errors.Wrapf(err, "bad archive for %s", p)
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil, errors.Errorf("%s is not a regular file", p)
	}
	return io.ReadAll(tr)
}

// SetFile writes data to p in the container.
func (c *Channel) SetFile(ctx context.Context, p string, data []byte) error {
	cl := c.client()
	if cl == nil {
		return com.ConnectionError(c.name, com.ErrNotConnected)
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:    path.Base(p),
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := cl.CopyToContainer(ctx, c.container, path.Dir(p), &buf, types.CopyToContainerOptions{}); err != nil {
		return errors.Wrapf(err, "failed to copy %s", p)
	}
	return nil
}

// pidWriter consumes the first line written to it, holding the PID printed
// by the wrapper shell, and forwards the rest.
type pidWriter struct {
	w io.Writer

	mu   sync.Mutex
	line []byte
	done bool
	pid  int
	ok   bool
}

func newPIDWriter(w io.Writer) *pidWriter {
	return &pidWriter{w: w}
}

func (p *pidWriter) Write(b []byte) (int, error) {
	n := len(b)
	p.mu.Lock()
	if !p.done {
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			p.line = append(p.line, b...)
			p.mu.Unlock()
			return n, nil
		}
		p.line = append(p.line, b[:i]...)
		p.done = true
		if pid, err := strconv.Atoi(string(bytes.TrimSpace(p.line))); err == nil {
			p.pid, p.ok = pid, true
		}
		b = b[i+1:]
	}
	p.mu.Unlock()
	if len(b) > 0 {
		if _, err := p.w.Write(b); err != nil {
			return n, err
		}
	}
	return n, nil
}

// PID returns the PID once the first line has been written.
func (p *pidWriter) PID() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid, p.ok
}
