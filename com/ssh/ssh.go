// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package ssh implements a communication channel over an SSH connection.
package ssh

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/net/proxy"

	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/internal/logging"
	"go.chromium.org/kirk/shutil"
)

// Name is the protocol name of the channel.
const Name = "ssh"

const (
	defaultUser = "root"
	defaultPort = 22

	// sshMsgIgnore is the SSH global message sent to ping the host.
	// See RFC 4253 11.2, "Ignored Data Message".
	sshMsgIgnore = "SSH_MSG_IGNORE"

	// killTimeout bounds the cleanup done after a command timed out.
	killTimeout = 10 * time.Second
)

// Plugin creates SSH channels.
var Plugin = &com.Plugin{
	Name: Name,
	Help: map[string]string{
		"host":            "IP address of the SUT (default: localhost)",
		"port":            "TCP port of the service (default: 22)",
		"user":            "name of the user (default: root)",
		"password":        "root password",
		"key_file":        "private key location",
		"key_dir":         "directory searched for standard private keys",
		"agent":           "use ssh-agent when SSH_AUTH_SOCK is set (default: 1)",
		"reset_cmd":       "command to reset the remote SUT, run on the host after Stop",
		"sudo":            "use sudo to access root shell (default: 0)",
		"proxy_command":   "command used to connect to the host, %h and %p are replaced",
		"connect_timeout": "timeout of a single connection attempt (default: 10s)",
		"retries":         "number of connection retries (default: 0)",
		"max_output":      "maximum number of output bytes kept per command",
	},
	New: func(id string, opts com.Options) (com.Channel, error) {
		o, err := ParseOptions(opts)
		if err != nil {
			return nil, err
		}
		return New(id, o), nil
	},
}

// Options contains options used when connecting to an SSH server.
type Options struct {
	Host string
	Port int
	User string

	// Password is used for password and keyboard-interactive authentication.
	Password string
	// KeyFile is an optional path to an unencrypted SSH private key.
	KeyFile string
	// KeyDir is an optional directory (typically $HOME/.ssh) containing
	// standard SSH keys.
	KeyDir string
	// UseAgent enables ssh-agent authentication.
	UseAgent bool

	// ResetCmd is run on the host after the channel is stopped.
	ResetCmd string
	// Sudo runs commands through sudo.
	Sudo bool
	// ProxyCommand specifies the command to use to connect to the host.
	ProxyCommand string

	// ConnectTimeout contains a timeout for establishing the TCP connection.
	ConnectTimeout time.Duration
	// ConnectRetries contains the number of times to retry after a
	// connection failure.
	ConnectRetries int
	// ConnectRetryInterval is the minimum time between connection attempts.
	ConnectRetryInterval time.Duration

	MaxOutput int
}

// ParseOptions converts plugin options to Options.
func ParseOptions(opts com.Options) (*Options, error) {
	o := &Options{
		Host:                 opts.String("host", "localhost"),
		User:                 opts.String("user", defaultUser),
		Password:             opts["password"],
		KeyFile:              opts["key_file"],
		KeyDir:               opts["key_dir"],
		ResetCmd:             opts["reset_cmd"],
		ProxyCommand:         opts["proxy_command"],
		ConnectRetryInterval: time.Second,
	}
	var err error
	if o.Port, err = opts.Int("port", defaultPort); err != nil {
		return nil, err
	}
	if o.Port <= 0 || o.Port > 65535 {
		return nil, errors.Errorf("port %d is out of range", o.Port)
	}
	if o.Sudo, err = opts.Bool("sudo", false); err != nil {
		return nil, err
	}
	if o.UseAgent, err = opts.Bool("agent", true); err != nil {
		return nil, err
	}
	if o.ConnectTimeout, err = opts.Duration("connect_timeout", 10*time.Second); err != nil {
		return nil, err
	}
	if o.ConnectRetries, err = opts.Int("retries", 0); err != nil {
		return nil, err
	}
	if o.MaxOutput, err = opts.Int("max_output", com.DefaultMaxCapture); err != nil {
		return nil, err
	}
	return o, nil
}

// Channel runs commands through exec sessions on a single SSH connection.
type Channel struct {
	name string
	opts Options

	mu       sync.Mutex
	cl       *ssh.Client
	sessions map[*ssh.Session]struct{}
}

var (
	_ com.Channel     = (*Channel)(nil)
	_ com.Pinger      = (*Channel)(nil)
	_ com.FileFetcher = (*Channel)(nil)
)

// New returns a disconnected SSH channel.
func New(name string, o *Options) *Channel {
	return &Channel{name: name, opts: *o, sessions: make(map[*ssh.Session]struct{})}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

func (c *Channel) hostPort() string {
	return net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
}

func (c *Channel) client() *ssh.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cl
}

// Active reports whether the SSH connection is up.
func (c *Channel) Active() bool {
	return c.client() != nil
}

// Connect establishes the SSH connection, retrying as configured.
func (c *Channel) Connect(ctx context.Context) error {
	if c.Active() {
		return nil
	}
	ctx = logging.WithPrefix(ctx, "["+c.name+"] ")

	am, err := authMethods(ctx, &c.opts)
	if err != nil {
		return com.ConnectionError(c.name, err)
	}
	cfg := &ssh.ClientConfig{
		User:            c.opts.User,
		Auth:            am,
		Timeout:         c.opts.ConnectTimeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	var cl *ssh.Client
	for i := 0; i < c.opts.ConnectRetries+1; i++ {
		start := time.Now()
		if cl, err = c.dial(ctx, cfg); err == nil {
			break
		}
		if ctx.Err() != nil {
			return com.ConnectionError(c.name, ctx.Err())
		}
		if i < c.opts.ConnectRetries {
			remaining := c.opts.ConnectRetryInterval - time.Since(start)
			logging.Infof(ctx, "Retrying SSH connection to %s in %v: %v", c.hostPort(), remaining.Round(time.Millisecond), err)
			select {
			case <-time.After(remaining):
			case <-ctx.Done():
				return com.ConnectionError(c.name, ctx.Err())
			}
		}
	}
	if err != nil {
		return com.ConnectionError(c.name, errors.Wrapf(err, "failed to connect to %s", c.hostPort()))
	}

	c.mu.Lock()
	c.cl = cl
	c.mu.Unlock()
	logging.Infof(ctx, "Connected to %s@%s", c.opts.User, c.hostPort())

	go func() {
		cl.Wait()
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.cl == cl {
			c.cl = nil
		}
	}()
	return nil
}

// dial connects to the host directly, through a SOCKS proxy taken from the
// environment, or through the proxy command.
func (c *Channel) dial(ctx context.Context, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	var cl *ssh.Client
	hostPort := c.hostPort()
	if err := doAsync(ctx, func() error {
		var conn net.Conn
		var err error
		if c.opts.ProxyCommand == "" {
			d := proxy.FromEnvironmentUsing(&net.Dialer{Timeout: c.opts.ConnectTimeout})
			conn, err = d.Dial("tcp", hostPort)
		} else {
			conn, err = dialProxyCommand(ctx, hostPort, c.opts.ProxyCommand)
		}
		if err != nil {
			return err
		}
		sc, chans, reqs, err := ssh.NewClientConn(conn, hostPort, cfg)
		if err != nil {
			conn.Close()
			return err
		}
		cl = ssh.NewClient(sc, chans, reqs)
		return nil
	}, func() {
		if cl != nil {
			cl.Close()
		}
	}); err != nil {
		return nil, err
	}
	return cl, nil
}

// remoteScript wraps cmd so that the remote shell prints its PID before
// replacing itself with the command.
func (c *Channel) remoteScript(cmd string, opts *com.RunOptions) (string, error) {
	script, err := shutil.Script(cmd, opts.GetCwd(), opts.GetEnv())
	if err != nil {
		return "", err
	}
	if c.opts.Sudo {
		return "echo $$; exec sudo /bin/sh -c " + shutil.Escape(script), nil
	}
	return "echo $$; exec /bin/sh -c " + shutil.Escape(script), nil
}

// RunCommand runs cmd in a new exec session.
func (c *Channel) RunCommand(ctx context.Context, cmd string, opts *com.RunOptions) (*com.Result, error) {
	cl := c.client()
	if cl == nil {
		return nil, com.ConnectionError(c.name, com.ErrNotConnected)
	}
	script, err := c.remoteScript(cmd, opts)
	if err != nil {
		return nil, err
	}

	sess, err := cl.NewSession()
	if err != nil {
		return nil, com.TransportError(c.name, nil, errors.Wrap(err, "failed to open session"))
	}
	c.trackSession(sess, true)
	defer c.trackSession(sess, false)
	defer sess.Close()

	out := com.NewOutputBuffer(opts.GetOutput(), c.opts.MaxOutput)
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, com.TransportError(c.name, nil, err)
	}
	sess.Stderr = out

	logging.Debugf(ctx, "[%s] Running: %s", c.name, script)
	start := time.Now()
	if err := sess.Start(script); err != nil {
		return nil, com.TransportError(c.name, nil, errors.Wrap(err, "failed to start command"))
	}

	pidc := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		br := bufio.NewReader(stdout)
		line, _ := br.ReadString('\n')
		pidc <- strings.TrimSpace(line)
		io.Copy(out, br)
		done <- sess.Wait()
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
	case werr := <-done:
		res := result()
		if werr == nil {
			res.ReturnCode = 0
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(werr, &exitErr) {
			res.ReturnCode = exitErr.ExitStatus()
			return res, nil
		}
		return nil, com.TransportError(c.name, res, errors.Wrap(werr, "connection lost while running command"))
	case <-timeout:
		c.kill(ctx, sess, pidc, done)
		return nil, com.TimeoutError(c.name, result(), errors.Errorf("command timed out after %v", opts.GetTimeout()))
	case <-ctx.Done():
		c.kill(ctx, sess, pidc, done)
		return result(), errors.Wrapf(ctx.Err(), "%s: command interrupted", c.name)
	}
}

// kill stops a running session: it sends SIGKILL, kills the remote process
// tree from a side session and closes the session.
func (c *Channel) kill(ctx context.Context, sess *ssh.Session, pidc <-chan string, done <-chan error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
	defer cancel()

	sess.Signal(ssh.SIGKILL)

	var pid string
	select {
	case pid = <-pidc:
	default:
	}
	if _, err := strconv.Atoi(pid); err == nil {
		// The session shell leads its own process group. The group kill misses
		// children that moved to another group, hence the pkill.
		killCmd := fmt.Sprintf("kill -s KILL -- -%s; pkill -KILL -P %s; kill -KILL %s", pid, pid, pid)
		if c.opts.Sudo {
			killCmd = "sudo /bin/sh -c " + shutil.Escape(killCmd)
		}
		if err := c.runSide(ctx, killCmd); err != nil {
			logging.Debugf(ctx, "[%s] Failed to kill process %s: %v", c.name, pid, err)
		}
	}
	sess.Close()

	select {
	case <-done:
	case <-ctx.Done():
		logging.Warningf(ctx, "[%s] Session did not terminate after kill", c.name)
	}
}

// runSide runs a helper command in its own session, ignoring its output.
func (c *Channel) runSide(ctx context.Context, cmd string) error {
	cl := c.client()
	if cl == nil {
		return com.ErrNotConnected
	}
	return doAsync(ctx, func() error {
		sess, err := cl.NewSession()
		if err != nil {
			return err
		}
		defer sess.Close()
		err = sess.Run(cmd)
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return err
	}, nil)
}

func (c *Channel) trackSession(sess *ssh.Session, add bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if add {
		c.sessions[sess] = struct{}{}
	} else {
		delete(c.sessions, sess)
	}
}

// Stop closes every session and the connection, then runs the reset
// command on the host if one is configured.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	cl := c.cl
	c.cl = nil
	for sess := range c.sessions {
		sess.Signal(ssh.SIGKILL)
		sess.Close()
	}
	c.mu.Unlock()

	var err error
	if cl != nil {
		err = doAsync(ctx, cl.Close, nil)
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	if c.opts.ResetCmd != "" {
		logging.Infof(ctx, "[%s] Running reset command: %s", c.name, c.opts.ResetCmd)
		out, rerr := exec.CommandContext(ctx, "/bin/sh", "-c", c.opts.ResetCmd).CombinedOutput()
		logging.Debugf(ctx, "[%s] Reset command output: %s", c.name, out)
		if rerr != nil && err == nil {
			err = errors.Wrap(rerr, "reset command failed")
		}
	}
	return err
}

// Ping sends SSH_MSG_IGNORE and waits for the reply.
func (c *Channel) Ping(ctx context.Context) (time.Duration, error) {
	cl := c.client()
	if cl == nil {
		return 0, com.ConnectionError(c.name, com.ErrNotConnected)
	}
	start := time.Now()
	if err := doAsync(ctx, func() error {
		_, _, err := cl.SendRequest(sshMsgIgnore, true, []byte{})
		return err
	}, nil); err != nil {
		return 0, com.TransportError(c.name, nil, errors.Wrap(err, "ping failed"))
	}
	return time.Since(start), nil
}

// FetchFile reads path on the SUT over SFTP.
func (c *Channel) FetchFile(ctx context.Context, path string) ([]byte, error) {
	cl := c.client()
	if cl == nil {
		return nil, com.ConnectionError(c.name, com.ErrNotConnected)
	}
	var data []byte
	err := doAsync(ctx, func() error {
		sc, err := sftp.NewClient(cl)
		if err != nil {
			return errors.Wrap(err, "failed to start SFTP")
		}
		defer sc.Close()
		f, err := sc.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		data, err = io.ReadAll(f)
		return err
	}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to fetch %s", c.name, path)
	}
	return data, nil
}
