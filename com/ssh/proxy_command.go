// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ssh

import (
	"bytes"
	"context"
	"io"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"

	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/internal/logging"
)

// dialProxyCommand starts proxyCommand and uses its stdin and stdout as the
// connection to hostPort. %h and %p are replaced by the host and port.
func dialProxyCommand(ctx context.Context, hostPort, proxyCommand string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, err
	}
	replaced := strings.NewReplacer("%%", "%", "%h", host, "%p", port).Replace(proxyCommand)
	args, err := shlex.Split(replaced)
	if err != nil || len(args) == 0 {
		return nil, errors.Errorf("bad proxy command %q", proxyCommand)
	}

	logging.Debugf(ctx, "Connecting with proxy command: %s", replaced)
	cmd := exec.Command(args[0], args[1:]...)

	conn := &proxyCommandConn{cmd: cmd}
	if conn.WriteCloser, err = cmd.StdinPipe(); err != nil {
		return nil, err
	}
	if conn.ReadCloser, err = cmd.StdoutPipe(); err != nil {
		return nil, err
	}
	cmd.Stderr = &conn.stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			logging.Debugf(ctx, "Proxy command %q exited: %v (stderr: %q)", replaced, err, conn.stderr.String())
		}
	}()
	return conn, nil
}

// proxyCommandConn implements net.Conn and net.Addr over the pipes of a
// proxy command.
type proxyCommandConn struct {
	io.ReadCloser
	io.WriteCloser
	cmd    *exec.Cmd
	stderr bytes.Buffer
}

func (c *proxyCommandConn) Close() error {
	readErr := c.ReadCloser.Close()
	writeErr := c.WriteCloser.Close()
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	if readErr == nil {
		return writeErr
	}
	return readErr
}

func (c *proxyCommandConn) LocalAddr() net.Addr  { return c }
func (c *proxyCommandConn) RemoteAddr() net.Addr { return c }

func (*proxyCommandConn) SetDeadline(t time.Time) error      { return errors.New("not supported") }
func (*proxyCommandConn) SetReadDeadline(t time.Time) error  { return errors.New("not supported") }
func (*proxyCommandConn) SetWriteDeadline(t time.Time) error { return errors.New("not supported") }

func (*proxyCommandConn) Network() string { return "proxycommand" }
func (*proxyCommandConn) String() string  { return "0.0.0.0:0" }
