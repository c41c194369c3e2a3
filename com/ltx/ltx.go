// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package ltx implements a communication channel talking to an LTX agent
// running on the system under test.
//
// LTX multiplexes up to MaxSlots concurrent commands over a single byte
// stream of MessagePack arrays. The stream can be a pair of files or FIFOs,
// a TCP connection, or the standard streams of an agent process spawned on
// the host.
package ltx

import (
	"context"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/shlex"

	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/internal/logging"
	"go.chromium.org/kirk/shutil"
)

// Name is the protocol name of the channel.
const Name = "ltx"

const (
	handshakeTimeout = 10 * time.Second
	// killTimeout bounds the wait for a RESULT after KILL.
	killTimeout = 5 * time.Second
)

// Plugin creates LTX channels.
var Plugin = &com.Plugin{
	Name: Name,
	Help: map[string]string{
		"infile":     "file or FIFO where the agent reads requests",
		"outfile":    "file or FIFO where the agent writes replies",
		"address":    "host:port of an agent listening on TCP",
		"command":    "agent command spawned on the host, talking on stdin/stdout",
		"cwd":        "working directory of every slot",
		"max_output": "maximum number of output bytes kept per command",
	},
	New: func(id string, opts com.Options) (com.Channel, error) {
		cfg := Config{
			InFile:  opts.String("infile", ""),
			OutFile: opts.String("outfile", ""),
			Address: opts.String("address", ""),
			Command: opts.String("command", ""),
			Cwd:     opts.String("cwd", ""),
		}
		var err error
		if cfg.MaxOutput, err = opts.Int("max_output", com.DefaultMaxCapture); err != nil {
			return nil, err
		}
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		return New(id, cfg), nil
	},
}

// Config selects the transport of an LTX channel. Exactly one of the
// InFile/OutFile pair, Address and Command must be set.
type Config struct {
	InFile, OutFile string
	Address         string
	Command         string
	Cwd             string
	MaxOutput       int

	// Dial overrides the transport. It is used by tests.
	Dial func(ctx context.Context) (io.ReadWriteCloser, error)
}

func (c *Config) validate() error {
	n := 0
	if c.InFile != "" || c.OutFile != "" {
		if c.InFile == "" || c.OutFile == "" {
			return errors.New("infile and outfile must be given together")
		}
		n++
	}
	if c.Address != "" {
		n++
	}
	if c.Command != "" {
		n++
	}
	if c.Dial != nil {
		n++
	}
	if n != 1 {
		return errors.New("exactly one of infile/outfile, address or command must be given")
	}
	return nil
}

// Channel is a connection to an LTX agent.
type Channel struct {
	name string
	cfg  Config

	mu      sync.Mutex
	cl      *Client
	version string
}

var (
	_ com.Channel     = (*Channel)(nil)
	_ com.Pinger      = (*Channel)(nil)
	_ com.FileFetcher = (*Channel)(nil)
	_ com.FileSender  = (*Channel)(nil)
)

// New returns a disconnected LTX channel.
func New(name string, cfg Config) *Channel {
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = com.DefaultMaxCapture
	}
	return &Channel{name: name, cfg: cfg}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Version returns the agent version reported at handshake.
func (c *Channel) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *Channel) dial(ctx context.Context) (io.ReadWriteCloser, error) {
	switch {
	case c.cfg.Dial != nil:
		return c.cfg.Dial(ctx)
	case c.cfg.Address != "":
		var d net.Dialer
		return d.DialContext(ctx, "tcp", c.cfg.Address)
	case c.cfg.Command != "":
		return startAgent(c.cfg.Command)
	default:
		return openFiles(ctx, c.cfg.InFile, c.cfg.OutFile)
	}
}

// Connect opens the transport and performs the VERSION handshake.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cl != nil && c.clientAlive() {
		return nil
	}
	c.cl = nil

	conn, err := c.dial(ctx)
	if err != nil {
		return com.ConnectionError(c.name, err)
	}
	cl := NewClient(ctx, conn)

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	ver, err := cl.Version(hctx)
	if err != nil {
		cl.Close()
		return com.ConnectionError(c.name, errors.Wrap(err, "handshake failed"))
	}
	if c.cfg.Cwd != "" {
		if err := cl.SetCwdAll(hctx, c.cfg.Cwd); err != nil {
			cl.Close()
			return com.ConnectionError(c.name, errors.Wrap(err, "failed to set working directory"))
		}
	}
	logging.Debugf(ctx, "[%s] Connected to LTX agent %s", c.name, ver)
	c.cl = cl
	c.version = ver
	return nil
}

// clientAlive reports whether c.cl is running. c.mu must be held.
func (c *Channel) clientAlive() bool {
	select {
	case <-c.cl.Done():
		return false
	default:
		return true
	}
}

// Active reports whether the agent connection is up.
func (c *Channel) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cl != nil && c.clientAlive()
}

// stopped reports whether cl was closed by Stop.
func (c *Channel) stopped(cl *Client) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cl != cl
}

func (c *Channel) client() (*Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cl == nil {
		return nil, com.ConnectionError(c.name, com.ErrNotConnected)
	}
	if !c.clientAlive() {
		return nil, com.TransportError(c.name, nil, c.cl.stoppedErr())
	}
	return c.cl, nil
}

// RunCommand runs cmd on the lowest free execution slot.
func (c *Channel) RunCommand(ctx context.Context, cmd string, opts *com.RunOptions) (*com.Result, error) {
	cl, err := c.client()
	if err != nil {
		return nil, err
	}
	// ENV and CWD stick to the slot on the agent side, so per-command
	// settings go into the script instead.
	script, err := shutil.Script(cmd, opts.GetCwd(), opts.GetEnv())
	if err != nil {
		return nil, err
	}

	out := com.NewOutputBuffer(opts.GetOutput(), c.cfg.MaxOutput)
	id, err := cl.Reserve(out)
	if err != nil {
		return nil, errors.Wrap(err, c.name)
	}
	defer cl.Release(id)

	logging.Debugf(ctx, "[%s] Running on slot %d: %s", c.name, id, script)
	start := time.Now()
	if err := cl.Exec(id, script); err != nil {
		return nil, com.TransportError(c.name, nil, err)
	}

	wctx := ctx
	if d := opts.GetTimeout(); d > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	res := &com.Result{Command: cmd}
	r, werr := cl.Wait(wctx, id)
	if werr == nil {
		res.ReturnCode = r.ExitCode()
		res.Duration = time.Since(start)
		out.Fill(res)
		if c.stopped(cl) {
			return nil, com.TransportError(c.name, res, errors.New("channel stopped while command was running"))
		}
		return res, nil
	}
	if wctx.Err() == nil {
		res.Duration = time.Since(start)
		out.Fill(res)
		return nil, com.TransportError(c.name, res, werr)
	}

	// Timed out or interrupted: kill the slot and collect its RESULT.
	kctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
	defer cancel()
	if err := cl.Kill(kctx, id); err != nil {
		logging.Debugf(ctx, "[%s] Failed to kill slot %d: %v", c.name, id, err)
	} else if r, err := cl.Wait(kctx, id); err == nil {
		res.ReturnCode = r.ExitCode()
	}
	res.Duration = time.Since(start)
	out.Fill(res)

	if ctx.Err() != nil {
		return res, errors.Wrapf(ctx.Err(), "%s: command interrupted", c.name)
	}
	return nil, com.TimeoutError(c.name, res, errors.Errorf("command timed out after %v", opts.GetTimeout()))
}

// Stop kills every running command and closes the connection.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	cl := c.cl
	c.cl = nil
	c.mu.Unlock()
	if cl == nil {
		return nil
	}

	kctx, cancel := context.WithTimeout(ctx, killTimeout)
	defer cancel()
	for _, id := range cl.Active() {
		if err := cl.Kill(kctx, id); err != nil {
			logging.Debugf(ctx, "[%s] Failed to kill slot %d: %v", c.name, id, err)
		}
	}
	if err := cl.Close(); err != nil {
		logging.Debugf(ctx, "[%s] Close: %v", c.name, err)
	}
	return nil
}

// Ping returns the round trip time of a PING/PONG exchange.
func (c *Channel) Ping(ctx context.Context) (time.Duration, error) {
	cl, err := c.client()
	if err != nil {
		return 0, err
	}
	start := time.Now()
	if _, err := cl.Ping(ctx); err != nil {
		return 0, com.TransportError(c.name, nil, err)
	}
	return time.Since(start), nil
}

// FetchFile reads path from the SUT.
func (c *Channel) FetchFile(ctx context.Context, path string) ([]byte, error) {
	cl, err := c.client()
	if err != nil {
		return nil, err
	}
	data, err := cl.GetFile(ctx, path)
	if err != nil {
		return nil, com.TransportError(c.name, nil, errors.Wrapf(err, "failed to fetch %s", path))
	}
	return data, nil
}

// SetFile writes data to path on the SUT.
func (c *Channel) SetFile(ctx context.Context, path string, data []byte) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	if err := cl.SetFile(ctx, path, data); err != nil {
		return com.TransportError(c.name, nil, errors.Wrapf(err, "failed to send %s", path))
	}
	return nil
}

// fileConn is a stream made of separate read and write ends.
type fileConn struct {
	io.Reader
	io.Writer
	closers []io.Closer
	wait    func() error
}

func (f *fileConn) Close() error {
	var first error
	for _, c := range f.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	if f.wait != nil {
		f.wait()
	}
	return first
}

func openFiles(ctx context.Context, in, out string) (io.ReadWriteCloser, error) {
	for _, p := range []string{in, out} {
		if _, err := os.Stat(p); err != nil {
			return nil, errors.Wrapf(err, "%s doesn't exist", p)
		}
	}
	// Opening a FIFO blocks until the other end is opened too.
	type result struct {
		f   *os.File
		err error
	}
	wch := make(chan result, 1)
	go func() {
		f, err := os.OpenFile(in, os.O_WRONLY, 0)
		wch <- result{f, err}
	}()
	r, err := os.Open(out)
	if err != nil {
		return nil, err
	}
	select {
	case w := <-wch:
		if w.err != nil {
			r.Close()
			return nil, w.err
		}
		return &fileConn{Reader: r, Writer: w.f, closers: []io.Closer{w.f, r}}, nil
	case <-ctx.Done():
		r.Close()
		go func() {
			if w := <-wch; w.f != nil {
				w.f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func startAgent(command string) (io.ReadWriteCloser, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, errors.Wrapf(err, "bad agent command %q", command)
	}
	if len(args) == 0 {
		return nil, errors.New("agent command is empty")
	}
	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start %s", args[0])
	}
	return &fileConn{
		Reader:  stdout,
		Writer:  stdin,
		closers: []io.Closer{stdin},
		wait: func() error {
			cmd.Process.Kill()
			return cmd.Wait()
		},
	}, nil
}
