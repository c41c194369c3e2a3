// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sut

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/com/comtest"
	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/testutil"
)

func okHandler(ctx context.Context, cmd string, opts *com.RunOptions) (string, int, error) {
	return "", 0, nil
}

func newRegistry(t *testing.T, chs ...com.Channel) *com.Registry {
	t.Helper()
	reg, err := com.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	for _, ch := range chs {
		if err := reg.Add(ch); err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

func TestSetupErrors(t *testing.T) {
	ctx := context.Background()
	full := newRegistry(t, comtest.New("ch0", okHandler))
	empty := newRegistry(t)

	for _, tc := range []struct {
		name  string
		reg   *com.Registry
		opts  com.Options
		hooks Hooks
		want  string
	}{
		{"empty com", full, com.Options{"com": ""}, Hooks{}, "communication channel has not been defined"},
		{"no channels", empty, com.Options{"com": "ch0"}, Hooks{}, "no communication channels are provided"},
		{"unknown channel", full, com.Options{"com": "ch1"}, Hooks{}, `can't find communication channel "ch1"`},
		{"unknown option", full, com.Options{"com": "ch0", "foo": "1"}, Hooks{}, "foo"},
		{"bad retries", full, com.Options{"com": "ch0", "retries": "x"}, Hooks{}, "retries"},
		{"missing placeholder", full, com.Options{"com": "ch0"}, Hooks{Start: "pdu on {port}"}, `option "port" is required`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := NewGeneric("board", map[string]string{"port": "switch port"}, "", tc.hooks)
			err := s.Setup(ctx, tc.reg, tc.opts)
			if err == nil {
				t.Fatal("Setup succeeded unexpectedly")
			}
			if !IsSetup(err) {
				t.Errorf("Setup error %v is not a setup error", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Setup error %q does not contain %q", err, tc.want)
			}
		})
	}
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	ch := comtest.New("ch0", okHandler)
	s := NewGeneric(DefaultName, nil, "", Hooks{})
	if err := s.Setup(ctx, newRegistry(t, ch), com.Options{"com": "ch0", "setup_cmd": "modprobe foo"}); err != nil {
		t.Fatal("Setup failed: ", err)
	}

	if err := s.Start(ctx); err != nil {
		t.Fatal("Start failed: ", err)
	}
	if !s.IsRunning() || s.State() != Running {
		t.Errorf("After Start: IsRunning() = %v, State() = %v", s.IsRunning(), s.State())
	}
	// Starting a running SUT is a no-op.
	if err := s.Start(ctx); err != nil {
		t.Fatal("Second Start failed: ", err)
	}
	if diff := cmp.Diff(ch.Commands(), []string{"modprobe foo"}); diff != "" {
		t.Errorf("Commands mismatch (-got +want):\n%s", diff)
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatal("Stop failed: ", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatal("Second Stop failed: ", err)
	}
	if s.IsRunning() || s.State() != Stopped {
		t.Errorf("After Stop: IsRunning() = %v, State() = %v", s.IsRunning(), s.State())
	}
	if n := ch.Stops(); n != 1 {
		t.Errorf("Channel stopped %d times; want 1", n)
	}
}

func TestStartDeadChannel(t *testing.T) {
	ctx := context.Background()
	ch := comtest.New("ch0", okHandler)
	s := NewGeneric(DefaultName, nil, "", Hooks{})
	if err := s.Setup(ctx, newRegistry(t, ch), com.Options{"com": "ch0"}); err != nil {
		t.Fatal("Setup failed: ", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal("Start failed: ", err)
	}
	ch.Disconnect()
	if s.IsRunning() {
		t.Fatal("IsRunning() = true after the channel died")
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal("Start after disconnection failed: ", err)
	}
	if n := ch.Connects(); n != 2 {
		t.Errorf("Channel connected %d times; want 2", n)
	}
}

func TestStartSetupCommandFails(t *testing.T) {
	ctx := context.Background()
	ch := comtest.New("ch0", func(ctx context.Context, cmd string, opts *com.RunOptions) (string, int, error) {
		return "no such module\n", 1, nil
	})
	s := NewGeneric(DefaultName, nil, "", Hooks{})
	if err := s.Setup(ctx, newRegistry(t, ch), com.Options{"com": "ch0", "setup_cmd": "modprobe foo"}); err != nil {
		t.Fatal("Setup failed: ", err)
	}
	err := s.Start(ctx)
	if !IsBringUp(err) {
		t.Fatalf("Start returned %v; want a bring-up error", err)
	}
	if !strings.Contains(err.Error(), "no such module") {
		t.Errorf("Start error %q does not contain the command output", err)
	}
	if s.State() != Stopped {
		t.Errorf("State() = %v; want %v", s.State(), Stopped)
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true after a failed bring-up")
	}
	// The next Start brings the SUT up again.
	if err := s.Start(ctx); !IsBringUp(err) {
		t.Fatalf("Second Start returned %v; want a bring-up error", err)
	}
	if diff := cmp.Diff(ch.Commands(), []string{"modprobe foo", "modprobe foo"}); diff != "" {
		t.Errorf("Commands mismatch (-got +want):\n%s", diff)
	}
}

func TestStartConnectFails(t *testing.T) {
	ctx := context.Background()
	ch := comtest.New("ch0", okHandler)
	ch.ConnectFunc = func(int) error { return errors.New("refused") }
	s := NewGeneric(DefaultName, nil, "", Hooks{})
	if err := s.Setup(ctx, newRegistry(t, ch), com.Options{"com": "ch0", "retries": "1"}); err != nil {
		t.Fatal("Setup failed: ", err)
	}
	if err := s.Start(ctx); !IsBringUp(err) {
		t.Fatalf("Start returned %v; want a bring-up error", err)
	}
	if n := ch.Connects(); n != 1 {
		t.Errorf("Channel connected %d times; want 1", n)
	}
}

func TestHostHooks(t *testing.T) {
	ctx := context.Background()
	td := testutil.TempDir(t)
	log := filepath.Join(td, "hooks.log")

	ch := comtest.New("ch0", okHandler)
	s := NewGeneric("board", map[string]string{"port": "switch port"}, "ch0", Hooks{
		Start:   "echo on {port} >> " + log,
		Stop:    "echo off {port} >> " + log,
		Restart: "echo cycle {port} >> " + log,
	})
	opts := com.Options{"port": "a b", "restart_cmd": "echo recover >> " + log}
	if err := s.Setup(ctx, newRegistry(t, ch), opts); err != nil {
		t.Fatal("Setup failed: ", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal("Start failed: ", err)
	}
	if err := s.Restart(ctx); err != nil {
		t.Fatal("Restart failed: ", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatal("Stop failed: ", err)
	}

	b, err := os.ReadFile(log)
	if err != nil {
		t.Fatal(err)
	}
	want := "on a b\noff a b\ncycle a b\nrecover\non a b\noff a b\n"
	if diff := cmp.Diff(string(b), want); diff != "" {
		t.Errorf("Hook log mismatch (-got +want):\n%s", diff)
	}
}

func TestRestartRecoveryFails(t *testing.T) {
	ctx := context.Background()
	ch := comtest.New("ch0", okHandler)
	s := NewGeneric(DefaultName, nil, "", Hooks{})
	if err := s.Setup(ctx, newRegistry(t, ch), com.Options{"com": "ch0", "restart_cmd": "exit 3"}); err != nil {
		t.Fatal("Setup failed: ", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal("Start failed: ", err)
	}
	if err := s.Restart(ctx); !IsBringUp(err) {
		t.Fatalf("Restart returned %v; want a bring-up error", err)
	}
	if s.IsRunning() {
		t.Error("SUT is running after a failed recovery")
	}
}

func TestExpand(t *testing.T) {
	got := expand("on {port} {host}", com.Options{"port": "1", "host": "a'b"})
	if want := `on 1 'a'"'"'b'`; got != want {
		t.Errorf("expand() = %q; want %q", got, want)
	}
}
