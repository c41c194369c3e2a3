// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package comtest provides a scriptable in-memory com.Channel for unit tests.
package comtest

import (
	"context"
	"io"
	"sync"
	"time"

	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/errors"
)

// Handler simulates a command. It returns the output and exit code of cmd,
// or an error which RunCommand returns as is.
type Handler func(ctx context.Context, cmd string, opts *com.RunOptions) (out string, code int, err error)

// Channel is a fake com.Channel whose commands are served by a Handler.
type Channel struct {
	name    string
	handler Handler

	// ConnectFunc, if set, is called by Connect with the 1-based attempt
	// number. A non-nil error fails the attempt.
	ConnectFunc func(attempt int) error
	// PingFunc, if set, is called by Ping.
	PingFunc func() error

	mu       sync.Mutex
	active   bool
	connects int
	stops    int
	commands []string
}

var (
	_ com.Channel = (*Channel)(nil)
	_ com.Pinger  = (*Channel)(nil)
)

// New returns a disconnected fake channel.
func New(name string, h Handler) *Channel {
	return &Channel{name: name, handler: h}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Connect marks the channel active unless ConnectFunc fails.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return nil
	}
	c.connects++
	if c.ConnectFunc != nil {
		if err := c.ConnectFunc(c.connects); err != nil {
			return com.ConnectionError(c.name, err)
		}
	}
	c.active = true
	return nil
}

// RunCommand passes cmd to the handler.
func (c *Channel) RunCommand(ctx context.Context, cmd string, opts *com.RunOptions) (*com.Result, error) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil, com.ConnectionError(c.name, com.ErrNotConnected)
	}
	c.commands = append(c.commands, cmd)
	c.mu.Unlock()

	start := time.Now()
	out, code, err := c.handler(ctx, cmd, opts)
	if w := opts.GetOutput(); w != nil && out != "" {
		io.WriteString(w, out)
	}
	if err != nil {
		return nil, err
	}
	return &com.Result{
		Command:    cmd,
		ReturnCode: code,
		Duration:   time.Since(start),
		Stdout:     out,
	}, nil
}

// Stop marks the channel inactive.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.active = false
	return nil
}

// Active reports whether the channel is connected.
func (c *Channel) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Ping succeeds while the channel is active.
func (c *Channel) Ping(ctx context.Context) (time.Duration, error) {
	if !c.Active() {
		return 0, com.ConnectionError(c.name, com.ErrNotConnected)
	}
	if c.PingFunc != nil {
		if err := c.PingFunc(); err != nil {
			return 0, com.TransportError(c.name, nil, err)
		}
	}
	return time.Millisecond, nil
}

// Disconnect simulates the loss of the connection and returns the transport
// error a real channel would report.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
	return com.TransportError(c.name, nil, errors.New("connection reset by peer"))
}

// Connects returns the number of connection attempts.
func (c *Channel) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Stops returns the number of Stop calls.
func (c *Channel) Stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

// Commands returns the commands run so far.
func (c *Channel) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

// Plugin returns a com.Plugin creating channels served by h.
func Plugin(name string, h Handler) *com.Plugin {
	return &com.Plugin{
		Name: name,
		Help: map[string]string{"delay": "ignored"},
		New: func(id string, opts com.Options) (com.Channel, error) {
			return New(id, h), nil
		},
	}
}
