// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package sshtest provides an SSH server for testing the ssh channel.
//
// The server runs "exec" requests as real commands on the local host,
// answers pings, honors the KILL signal and serves the SFTP subsystem.
package sshtest

import (
	"crypto/rsa"
	"log"
	"net"
	"os/exec"
	"sync/atomic"

	"github.com/gliderlabs/ssh"
	"github.com/pkg/sftp"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"

	"go.chromium.org/kirk/errors"
)

// sshMsgIgnore is the global request clients send to ping the server.
// See RFC 4253 11.2, "Ignored Data Message".
const sshMsgIgnore = "SSH_MSG_IGNORE"

// Server is an SSH server listening on a random localhost port.
type Server struct {
	srv      *ssh.Server
	listener net.Listener

	answerPings   atomic.Bool
	ignoreSignals atomic.Bool
	rejectConns   atomic.Int64
	execs       atomic.Int64
}

// NewServer starts a server using host key hk. Clients may authenticate with
// the private key matching pk, or with password if it is not empty.
func NewServer(pk *rsa.PublicKey, hk *rsa.PrivateKey, password string) (*Server, error) {
	pub, err := gossh.NewPublicKey(pk)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate SSH public key")
	}
	signer, err := gossh.NewSignerFromKey(hk)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate host signer")
	}
	ls, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return nil, err
	}

	s := &Server{listener: ls}
	s.answerPings.Store(true)
	s.srv = &ssh.Server{
		Handler: s.handleSession,
		PublicKeyHandler: func(ctx ssh.Context, key ssh.PublicKey) bool {
			return ssh.KeysEqual(key, pub)
		},
		ConnCallback: func(ctx ssh.Context, conn net.Conn) net.Conn {
			if s.rejectConns.Add(-1) >= 0 {
				conn.Close()
				return nil
			}
			return conn
		},
		RequestHandlers: map[string]ssh.RequestHandler{
			sshMsgIgnore: s.handlePing,
		},
		SubsystemHandlers: map[string]ssh.SubsystemHandler{
			"sftp": handleSFTP,
		},
	}
	if password != "" {
		s.srv.PasswordHandler = func(ctx ssh.Context, p string) bool {
			return p == password
		}
	}
	s.srv.AddHostKey(signer)

	go func() {
		if err := s.srv.Serve(ls); err != nil && err != ssh.ErrServerClosed {
			log.Print("SSH server stopped: ", err)
		}
	}()
	return s, nil
}

// Close stops the server and drops every connection.
func (s *Server) Close() error {
	return s.srv.Close()
}

// Addr returns the address on which the server is listening.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// AnswerPings controls whether the server replies to pings.
func (s *Server) AnswerPings(v bool) {
	s.answerPings.Store(v)
}

// IgnoreSignals controls whether the server drops signal requests, as many
// sshd versions do.
func (s *Server) IgnoreSignals(v bool) {
	s.ignoreSignals.Store(v)
}

// RejectConns instructs the server to reject the next n connections.
func (s *Server) RejectConns(n int) {
	s.rejectConns.Store(int64(n))
}

// Execs returns the number of commands started so far.
func (s *Server) Execs() int {
	return int(s.execs.Load())
}

func (s *Server) handlePing(ctx ssh.Context, srv *ssh.Server, req *gossh.Request) (bool, []byte) {
	if !s.answerPings.Load() {
		<-ctx.Done()
	}
	return false, nil
}

// handleSession runs the requested command with /bin/sh in its own process
// group, which is killed when the client sends SIGKILL.
func (s *Server) handleSession(sess ssh.Session) {
	s.execs.Add(1)
	cmd := exec.Command("/bin/sh", "-c", sess.RawCommand())
	cmd.Stdout = sess
	cmd.Stderr = sess.Stderr()
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		sess.Stderr().Write([]byte(err.Error() + "\n"))
		sess.Exit(127)
		return
	}

	sigs := make(chan ssh.Signal, 1)
	sess.Signals(sigs)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigs:
				if sig == ssh.SIGKILL && !s.ignoreSignals.Load() {
					unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
				}
			case <-done:
				return
			}
		}
	}()

	err := cmd.Wait()
	close(done)
	sess.Signals(nil)

	code := 0
	if ee, ok := err.(*exec.ExitError); ok {
		code = ee.ExitCode()
		if code < 0 {
			code = 128 + int(unix.SIGKILL)
		}
	} else if err != nil {
		code = 1
	}
	sess.Exit(code)
}

func handleSFTP(sess ssh.Session) {
	srv, err := sftp.NewServer(sess)
	if err != nil {
		log.Print("Failed to start SFTP server: ", err)
		return
	}
	srv.Serve()
	srv.Close()
}
