// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package shell

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/testutil"
)

func newConnected(t *testing.T) *Channel {
	t.Helper()
	ch := New("shell", "/bin/sh", 0)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal("Connect failed: ", err)
	}
	t.Cleanup(func() { ch.Stop(context.Background()) })
	return ch
}

func TestRunCommand(t *testing.T) {
	ch := newConnected(t)
	var live bytes.Buffer
	res, err := ch.RunCommand(context.Background(), "echo hello; echo oops >&2; exit 3", &com.RunOptions{Output: &live})
	if err != nil {
		t.Fatal("RunCommand failed: ", err)
	}
	if res.ReturnCode != 3 {
		t.Errorf("ReturnCode = %d; want 3", res.ReturnCode)
	}
	if !strings.Contains(res.Stdout, "hello\n") || !strings.Contains(res.Stdout, "oops\n") {
		t.Errorf("Stdout = %q; want both streams", res.Stdout)
	}
	if live.String() != res.Stdout {
		t.Errorf("Live output %q differs from captured %q", live.String(), res.Stdout)
	}
	if res.Duration <= 0 {
		t.Errorf("Duration = %v; want positive", res.Duration)
	}
}

func TestRunCommandEnvAndCwd(t *testing.T) {
	ch := newConnected(t)
	dir := testutil.TempDir(t)
	res, err := ch.RunCommand(context.Background(), `printf '%s %s' "$PWD" "$GREETING"`, &com.RunOptions{
		Cwd: dir,
		Env: map[string]string{"GREETING": "hi there"},
	})
	if err != nil {
		t.Fatal("RunCommand failed: ", err)
	}
	if exp := dir + " hi there"; res.Stdout != exp {
		t.Errorf("Stdout = %q; want %q", res.Stdout, exp)
	}
}

func TestRunCommandTimeout(t *testing.T) {
	ch := newConnected(t)
	start := time.Now()
	_, err := ch.RunCommand(context.Background(), "echo started; sleep 30", &com.RunOptions{Timeout: 200 * time.Millisecond})
	if !com.IsTimeout(err) {
		t.Fatalf("RunCommand returned %v; want timeout error", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("RunCommand took %v after timeout", elapsed)
	}
	if res := com.PartialResult(err); res == nil || !strings.Contains(res.Stdout, "started") {
		t.Errorf("Partial result %+v lacks output", res)
	}
	if !ch.Active() {
		t.Fatal("Channel inactive after timeout")
	}
	res, err := ch.RunCommand(context.Background(), "echo still", nil)
	if err != nil || res.Stdout != "still\n" {
		t.Errorf("RunCommand after timeout = (%+v, %v)", res, err)
	}
}

func TestRunCommandTruncated(t *testing.T) {
	ch := New("shell", "/bin/sh", 4)
	ch.Connect(context.Background())
	defer ch.Stop(context.Background())
	res, err := ch.RunCommand(context.Background(), "echo 0123456789", nil)
	if err != nil {
		t.Fatal("RunCommand failed: ", err)
	}
	if res.Stdout != "0123" || !res.Truncated {
		t.Errorf("Result = (%q, %v); want (%q, true)", res.Stdout, res.Truncated, "0123")
	}
}

func TestRunCommandAfterStop(t *testing.T) {
	ch := newConnected(t)
	if err := ch.Stop(context.Background()); err != nil {
		t.Fatal("Stop failed: ", err)
	}
	if err := ch.Stop(context.Background()); err != nil {
		t.Error("Second Stop failed: ", err)
	}
	if _, err := ch.RunCommand(context.Background(), "true", nil); !com.IsConnection(err) {
		t.Errorf("RunCommand after Stop returned %v; want connection error", err)
	}
	if _, err := New("shell", "/bin/sh", 0).RunCommand(context.Background(), "true", nil); !com.IsConnection(err) {
		t.Errorf("RunCommand before Connect returned %v; want connection error", err)
	}
}

func TestStopKillsRunning(t *testing.T) {
	ch := newConnected(t)
	errc := make(chan error, 1)
	go func() {
		_, err := ch.RunCommand(context.Background(), "sleep 30", nil)
		errc <- err
	}()
	time.Sleep(200 * time.Millisecond)
	ch.Stop(context.Background())

	select {
	case err := <-errc:
		if !com.IsTransport(err) {
			t.Errorf("RunCommand returned %v; want transport error", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("RunCommand did not return after Stop")
	}
}

func TestConnectMissingShell(t *testing.T) {
	ch := New("shell", "/nonexistent/sh", 0)
	if err := ch.Connect(context.Background()); !com.IsConnection(err) {
		t.Errorf("Connect returned %v; want connection error", err)
	}
}
