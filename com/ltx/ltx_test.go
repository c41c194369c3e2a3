// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ltx

import (
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/testutil"
)

type testEnv struct {
	ch *Channel

	mu     sync.Mutex
	agents []*fakeAgent
}

func newTestEnv(t *testing.T, cwd string) *testEnv {
	t.Helper()
	e := &testEnv{}
	e.ch = New("ltx", Config{
		Cwd: cwd,
		Dial: func(ctx context.Context) (io.ReadWriteCloser, error) {
			client, server := net.Pipe()
			e.mu.Lock()
			e.agents = append(e.agents, newFakeAgent(server))
			e.mu.Unlock()
			return client, nil
		},
	})
	if err := e.ch.Connect(context.Background()); err != nil {
		t.Fatal("Connect failed: ", err)
	}
	t.Cleanup(func() { e.ch.Stop(context.Background()) })
	return e
}

func (e *testEnv) agent() *fakeAgent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agents[len(e.agents)-1]
}

func TestConnect(t *testing.T) {
	e := newTestEnv(t, "")
	if !e.ch.Active() {
		t.Error("Channel is inactive after Connect")
	}
	if v := e.ch.Version(); v != "0.1-fake" {
		t.Errorf("Version = %q; want 0.1-fake", v)
	}
	// Connecting again keeps the same agent.
	if err := e.ch.Connect(context.Background()); err != nil {
		t.Fatal("Second Connect failed: ", err)
	}
	if n := len(e.agents); n != 1 {
		t.Errorf("Connect dialed %d times; want 1", n)
	}
}

func TestRunCommand(t *testing.T) {
	e := newTestEnv(t, "")
	var live strings.Builder
	res, err := e.ch.RunCommand(context.Background(), "echo hello; exit 4", &com.RunOptions{Output: &live})
	if err != nil {
		t.Fatal("RunCommand failed: ", err)
	}
	if res.ReturnCode != 4 || res.Stdout != "hello\n" {
		t.Errorf("RunCommand = (%d, %q); want (4, %q)", res.ReturnCode, res.Stdout, "hello\n")
	}
	if live.String() != "hello\n" {
		t.Errorf("Live output = %q; want %q", live.String(), "hello\n")
	}
}

func TestRunCommandEnvAndCwd(t *testing.T) {
	dir := testutil.TempDir(t)
	sub := filepath.Join(dir, "sub")
	if err := testutil.WriteFiles(dir, map[string]string{"sub/file": ""}); err != nil {
		t.Fatal(err)
	}

	e := newTestEnv(t, dir)
	res, err := e.ch.RunCommand(context.Background(), "pwd", nil)
	if err != nil {
		t.Fatal("RunCommand failed: ", err)
	}
	if res.Stdout != dir+"\n" {
		t.Errorf("Slot cwd = %q; want %q", res.Stdout, dir)
	}

	res, err = e.ch.RunCommand(context.Background(), `echo "$PWD $FOO"`, &com.RunOptions{
		Cwd: sub,
		Env: map[string]string{"FOO": "bar"},
	})
	if err != nil {
		t.Fatal("RunCommand failed: ", err)
	}
	if exp := sub + " bar\n"; res.Stdout != exp {
		t.Errorf("Stdout = %q; want %q", res.Stdout, exp)
	}

	// Per-command settings do not leak into later commands.
	res, err = e.ch.RunCommand(context.Background(), `echo "$PWD $FOO"`, nil)
	if err != nil {
		t.Fatal("RunCommand failed: ", err)
	}
	if exp := dir + " \n"; res.Stdout != exp {
		t.Errorf("Stdout = %q; want %q", res.Stdout, exp)
	}
}

func TestConcurrentCommands(t *testing.T) {
	e := newTestEnv(t, "")
	const k = 6

	var wg sync.WaitGroup
	results := make([]*com.Result, k)
	errs := make([]error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Earlier commands exit later.
			cmd := fmt.Sprintf("echo start-%d; sleep 0.%d; echo end-%d; exit %d", i, k-i, i, i)
			results[i], errs[i] = e.ch.RunCommand(context.Background(), cmd, nil)
		}(i)
	}
	wg.Wait()

	for i := 0; i < k; i++ {
		if errs[i] != nil {
			t.Errorf("Command %d failed: %v", i, errs[i])
			continue
		}
		exp := fmt.Sprintf("start-%d\nend-%d\n", i, i)
		if results[i].Stdout != exp || results[i].ReturnCode != i {
			t.Errorf("Command %d = (%d, %q); want (%d, %q)", i, results[i].ReturnCode, results[i].Stdout, i, exp)
		}
	}
}

func TestSlots(t *testing.T) {
	e := newTestEnv(t, "")
	cl, err := e.ch.client()
	if err != nil {
		t.Fatal(err)
	}

	for want := 0; want < 3; want++ {
		if id, err := cl.Reserve(nil); err != nil || id != want {
			t.Fatalf("Reserve = (%d, %v); want %d", id, err, want)
		}
	}
	cl.Release(1)
	if id, err := cl.Reserve(nil); err != nil || id != 1 {
		t.Errorf("Reserve after Release(1) = (%d, %v); want 1", id, err)
	}

	for i := 3; i < MaxSlots; i++ {
		if _, err := cl.Reserve(nil); err != nil {
			t.Fatalf("Reserve #%d failed: %v", i, err)
		}
	}
	_, err = e.ch.RunCommand(context.Background(), "true", nil)
	if !errors.Is(err, ErrNoSlots) {
		t.Errorf("RunCommand with all slots busy returned %v; want %v", err, ErrNoSlots)
	}
	if err == nil || !strings.Contains(err.Error(), "no execution slots available") {
		t.Errorf("Error %q lacks the slot message", err)
	}
}

func TestTimeout(t *testing.T) {
	dir := testutil.TempDir(t)
	marker := filepath.Join(dir, "marker")
	e := newTestEnv(t, "")

	_, err := e.ch.RunCommand(context.Background(), "echo started; sleep 5; touch "+marker,
		&com.RunOptions{Timeout: 200 * time.Millisecond})
	if !com.IsTimeout(err) {
		t.Fatalf("RunCommand returned %v; want a timeout error", err)
	}
	res := com.PartialResult(err)
	if res == nil {
		t.Fatal("Timeout error carries no partial result")
	}
	if res.Stdout != "started\n" || res.ReturnCode != 137 {
		t.Errorf("Partial result = (%d, %q); want (137, %q)", res.ReturnCode, res.Stdout, "started\n")
	}
	if !e.ch.Active() {
		t.Fatal("Channel is inactive after a timeout")
	}
	if _, err := e.ch.RunCommand(context.Background(), "true", nil); err != nil {
		t.Error("RunCommand after a timeout failed: ", err)
	}
	if files, _ := testutil.ReadFiles(dir); len(files) != 0 {
		t.Errorf("Killed command left files %v", files)
	}
}

func TestInterrupted(t *testing.T) {
	e := newTestEnv(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res, err := e.ch.RunCommand(ctx, "echo x; sleep 5", nil)
	if err == nil || com.ErrorKind(err) != 0 {
		t.Fatalf("RunCommand returned %v; want a plain interruption error", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Error %v does not wrap the context error", err)
	}
	if res == nil || res.Stdout != "x\n" {
		t.Errorf("Partial result = %+v; want output x", res)
	}
}

func TestRunCommandNotConnected(t *testing.T) {
	ch := New("ltx", Config{Address: "127.0.0.1:1"})
	if _, err := ch.RunCommand(context.Background(), "true", nil); !com.IsConnection(err) {
		t.Errorf("RunCommand before Connect returned %v; want a connection error", err)
	}

	e := newTestEnv(t, "")
	if err := e.ch.Stop(context.Background()); err != nil {
		t.Fatal("Stop failed: ", err)
	}
	if err := e.ch.Stop(context.Background()); err != nil {
		t.Error("Second Stop failed: ", err)
	}
	if _, err := e.ch.RunCommand(context.Background(), "true", nil); !com.IsConnection(err) {
		t.Errorf("RunCommand after Stop returned %v; want a connection error", err)
	}
}

func TestStopKillsRunning(t *testing.T) {
	e := newTestEnv(t, "")
	done := make(chan error, 1)
	go func() {
		_, err := e.ch.RunCommand(context.Background(), "sleep 10", nil)
		done <- err
	}()
	time.Sleep(200 * time.Millisecond)
	if err := e.ch.Stop(context.Background()); err != nil {
		t.Fatal("Stop failed: ", err)
	}
	select {
	case err := <-done:
		if !com.IsTransport(err) {
			t.Errorf("RunCommand returned %v; want a transport error", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("RunCommand did not return after Stop")
	}
}

func TestDisconnect(t *testing.T) {
	e := newTestEnv(t, "")
	done := make(chan error, 1)
	go func() {
		_, err := e.ch.RunCommand(context.Background(), "sleep 10", nil)
		done <- err
	}()
	time.Sleep(200 * time.Millisecond)
	e.agent().Close()

	if err := <-done; !com.IsTransport(err) {
		t.Errorf("RunCommand returned %v; want a transport error", err)
	}
	if e.ch.Active() {
		t.Error("Channel is active after the agent went away")
	}

	// The channel reconnects to a new agent.
	if err := e.ch.Connect(context.Background()); err != nil {
		t.Fatal("Reconnect failed: ", err)
	}
	if _, err := e.ch.RunCommand(context.Background(), "true", nil); err != nil {
		t.Error("RunCommand after reconnect failed: ", err)
	}
}

func TestPing(t *testing.T) {
	e := newTestEnv(t, "")
	for i := 0; i < 3; i++ {
		if d, err := e.ch.Ping(context.Background()); err != nil || d <= 0 {
			t.Errorf("Ping = (%v, %v); want a positive duration", d, err)
		}
	}
}

func TestFiles(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "data")
	content := strings.Repeat("0123456789", 500)
	e := newTestEnv(t, "")

	if err := e.ch.SetFile(context.Background(), path, []byte(content)); err != nil {
		t.Fatal("SetFile failed: ", err)
	}
	files, err := testutil.ReadFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if files["data"] != content {
		t.Errorf("SetFile wrote %d bytes; want %d", len(files["data"]), len(content))
	}

	got, err := e.ch.FetchFile(context.Background(), path)
	if err != nil {
		t.Fatal("FetchFile failed: ", err)
	}
	if string(got) != content {
		t.Errorf("FetchFile returned %d bytes; want %d", len(got), len(content))
	}
}

func TestAgentError(t *testing.T) {
	e := newTestEnv(t, "")
	_, err := e.ch.FetchFile(context.Background(), errorPath)
	if !com.IsTransport(err) {
		t.Fatalf("FetchFile returned %v; want a transport error", err)
	}
	if !strings.Contains(err.Error(), "cannot read") {
		t.Errorf("Error %q lacks the agent message", err)
	}
	if e.ch.Active() {
		t.Error("Channel is active after an agent error")
	}
}

func TestConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		opts com.Options
		ok   bool
	}{
		{com.Options{"address": "sut:1234"}, true},
		{com.Options{"infile": "/in", "outfile": "/out"}, true},
		{com.Options{"command": "ltx -v"}, true},
		{com.Options{}, false},
		{com.Options{"infile": "/in"}, false},
		{com.Options{"address": "sut:1234", "command": "ltx"}, false},
		{com.Options{"address": "sut:1234", "max_output": "x"}, false},
	} {
		_, err := Plugin.New("ltx", tc.opts)
		if tc.ok && err != nil {
			t.Errorf("New(%v) failed: %v", tc.opts, err)
		} else if !tc.ok && err == nil {
			t.Errorf("New(%v) succeeded; want error", tc.opts)
		}
	}
}
