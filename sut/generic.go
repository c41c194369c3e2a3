// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sut

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/exp/maps"

	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/com/shell"
	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/internal/logging"
	"go.chromium.org/kirk/shutil"
)

// DefaultName is the name of the generic SUT.
const DefaultName = "default"

// hostCommandTimeout bounds hook and recovery commands run on the host.
var hostCommandTimeout = 10 * time.Minute

var genericHelp = map[string]string{
	"com":         "communication channel name (default: shell)",
	"setup_cmd":   "command run on the SUT after connecting",
	"restart_cmd": "command run on the host to recover the SUT before restarting it",
	"retries":     "number of connection attempts (default: 10)",
}

// DefaultPlugin is the generic SUT binding a single named channel.
var DefaultPlugin = &Plugin{
	Name: DefaultName,
	Help: genericHelp,
	New:  func() SUT { return NewGeneric(DefaultName, nil, "", Hooks{}) },
}

// Hooks are shell scripts run on the host around the SUT lifecycle, for
// instance to power-cycle a board. Occurrences of {key} are replaced by the
// quoted value of option key.
type Hooks struct {
	Start   string
	Stop    string
	Restart string
}

func (h *Hooks) scripts() []string {
	return []string{h.Start, h.Stop, h.Restart}
}

var placeholderRe = regexp.MustCompile(`\{(\w+)\}`)

func expand(script string, opts com.Options) string {
	return placeholderRe.ReplaceAllStringFunc(script, func(m string) string {
		return shutil.Escape(opts[m[1:len(m)-1]])
	})
}

// Generic is a SUT reached through one channel of the registry. It
// optionally runs bring-up commands on the SUT and host hooks.
type Generic struct {
	name       string
	help       map[string]string
	defaultCom string
	hooks      Hooks

	lc         Lifecycle
	opts       com.Options
	ch         com.Channel
	host       com.Channel
	setupCmd   string
	restartCmd string
	retries    int
}

var _ SUT = (*Generic)(nil)

// NewGeneric returns a SUT named name accepting the generic options plus
// extraHelp. defaultCom is the channel used when the com option is not
// given ("shell" if empty).
func NewGeneric(name string, extraHelp map[string]string, defaultCom string, hooks Hooks) *Generic {
	help := maps.Clone(genericHelp)
	maps.Copy(help, extraHelp)
	if defaultCom == "" {
		defaultCom = shell.Name
	}
	return &Generic{
		name:       name,
		help:       help,
		defaultCom: defaultCom,
		hooks:      hooks,
		host:       shell.New(name+"-host", "/bin/sh", 0),
	}
}

// Name returns the SUT name.
func (s *Generic) Name() string { return s.name }

// Help returns the accepted options.
func (s *Generic) Help() map[string]string { return s.help }

// Setup resolves the channel named by the com option.
func (s *Generic) Setup(ctx context.Context, reg *com.Registry, opts com.Options) error {
	if err := opts.Check(s.help); err != nil {
		return SetupError(s.name, err)
	}
	name, ok := opts["com"]
	if !ok {
		name = s.defaultCom
	}
	if name == "" {
		return SetupError(s.name, errors.New("communication channel has not been defined"))
	}
	if reg == nil || len(reg.Channels()) == 0 {
		return SetupError(s.name, errors.New("no communication channels are provided"))
	}
	ch, ok := reg.Get(name)
	if !ok {
		return SetupError(s.name, errors.Errorf("can't find communication channel %q", name))
	}
	retries, err := opts.Int("retries", com.DefaultConnectRetries)
	if err != nil {
		return SetupError(s.name, err)
	}
	for _, script := range s.hooks.scripts() {
		for _, m := range placeholderRe.FindAllStringSubmatch(script, -1) {
			if _, ok := opts[m[1]]; !ok {
				return SetupError(s.name, errors.Errorf("option %q is required", m[1]))
			}
		}
	}

	s.opts = opts
	s.ch = ch
	s.retries = retries
	s.setupCmd = opts.String("setup_cmd", "")
	s.restartCmd = opts.String("restart_cmd", "")
	return nil
}

// Channel returns the bound channel.
func (s *Generic) Channel() com.Channel { return s.ch }

// IsRunning reports whether the bound channel is active.
func (s *Generic) IsRunning() bool {
	return s.ch != nil && s.ch.Active()
}

// State returns the lifecycle state.
func (s *Generic) State() State { return s.lc.State() }

// Start connects the channel and runs the bring-up commands.
func (s *Generic) Start(ctx context.Context) error {
	if s.ch == nil {
		return SetupError(s.name, errors.New("SUT is not initialized"))
	}
	switch s.lc.State() {
	case Running:
		if s.IsRunning() {
			return nil
		}
		// The channel died under us.
		if err := s.lc.Transition(Stopping); err != nil {
			return err
		}
		if err := s.lc.Transition(Stopped); err != nil {
			return err
		}
	}

	if err := s.lc.Transition(Starting); err != nil {
		return err
	}
	if err := s.bringUp(ctx); err != nil {
		// A half brought up SUT must not look running.
		if s.ch.Active() {
			if serr := s.ch.Stop(ctx); serr != nil {
				logging.Warningf(ctx, "Failed to stop %s after a failed bring-up: %v", s.ch.Name(), serr)
			}
		}
		s.lc.Transition(Stopped)
		return BringUpError(s.name, err)
	}
	return s.lc.Transition(Running)
}

func (s *Generic) bringUp(ctx context.Context) error {
	logging.Infof(ctx, "Starting SUT %s", s.name)
	if s.hooks.Start != "" {
		if err := s.runHost(ctx, s.hooks.Start); err != nil {
			return err
		}
	}
	if err := com.EnsureConnected(ctx, s.ch, s.retries); err != nil {
		return errors.Wrapf(err, "failed to connect %s", s.ch.Name())
	}
	if s.setupCmd != "" {
		logging.Infof(ctx, "Running setup command: %s", s.setupCmd)
		res, err := s.ch.RunCommand(ctx, s.setupCmd, nil)
		if err != nil {
			return errors.Wrap(err, "setup command failed")
		}
		if res.ReturnCode != 0 {
			return errors.Errorf("setup command %q failed with code %d: %s",
				s.setupCmd, res.ReturnCode, strings.TrimSpace(res.Stdout))
		}
	}
	return nil
}

// Stop disconnects the channel and runs the stop hook.
func (s *Generic) Stop(ctx context.Context) error {
	if s.ch == nil {
		return nil
	}
	if s.lc.State() == Stopped {
		if s.IsRunning() {
			return s.ch.Stop(ctx)
		}
		return nil
	}
	if err := s.lc.Transition(Stopping); err != nil {
		return err
	}
	logging.Infof(ctx, "Stopping SUT %s", s.name)

	var merr *multierror.Error
	if err := s.ch.Stop(ctx); err != nil {
		merr = multierror.Append(merr, errors.Wrapf(err, "failed to stop %s", s.ch.Name()))
	}
	if s.hooks.Stop != "" {
		if err := s.runHost(ctx, s.hooks.Stop); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if err := s.lc.Transition(Stopped); err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}

// Restart stops the SUT, runs the recovery commands on the host and starts
// the SUT again.
func (s *Generic) Restart(ctx context.Context) error {
	logging.Infof(ctx, "Restarting SUT %s", s.name)
	if err := s.Stop(ctx); err != nil {
		logging.Warningf(ctx, "Failed to stop SUT %s: %v", s.name, err)
	}
	for _, script := range []string{s.hooks.Restart, s.restartCmd} {
		if script == "" {
			continue
		}
		if err := s.runHost(ctx, script); err != nil {
			return BringUpError(s.name, errors.Wrap(err, "recovery failed"))
		}
	}
	return s.Start(ctx)
}

// runHost runs script on the host with the SUT options expanded.
func (s *Generic) runHost(ctx context.Context, script string) error {
	cmd := expand(script, s.opts)
	logging.Debugf(ctx, "Running on host: %s", cmd)
	if err := s.host.Connect(ctx); err != nil {
		return err
	}
	res, err := s.host.RunCommand(ctx, cmd, &com.RunOptions{Timeout: hostCommandTimeout})
	if err != nil {
		return errors.Wrapf(err, "host command %q", cmd)
	}
	if res.ReturnCode != 0 {
		return errors.Errorf("host command %q failed with code %d: %s", cmd, res.ReturnCode, strings.TrimSpace(res.Stdout))
	}
	return nil
}
