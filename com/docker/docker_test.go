// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package docker

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"go.chromium.org/kirk/com"
)

func TestPIDWriter(t *testing.T) {
	var out strings.Builder
	pw := newPIDWriter(&out)
	if _, ok := pw.PID(); ok {
		t.Error("PID available before any write")
	}
	for _, s := range []string{"12", "34\nhel", "lo\n"} {
		if n, err := pw.Write([]byte(s)); err != nil || n != len(s) {
			t.Fatalf("Write(%q) = (%d, %v)", s, n, err)
		}
	}
	if pid, ok := pw.PID(); !ok || pid != 1234 {
		t.Errorf("PID() = (%d, %v); want (1234, true)", pid, ok)
	}
	if out.String() != "hello\n" {
		t.Errorf("Forwarded %q; want %q", out.String(), "hello\n")
	}
}

func TestPIDWriterGarbage(t *testing.T) {
	var out strings.Builder
	pw := newPIDWriter(&out)
	pw.Write([]byte("not a pid\nrest"))
	if _, ok := pw.PID(); ok {
		t.Error("PID parsed from garbage")
	}
	if out.String() != "rest" {
		t.Errorf("Forwarded %q; want %q", out.String(), "rest")
	}
}

func TestPlugin(t *testing.T) {
	if _, err := Plugin.New("docker", com.Options{}); err == nil {
		t.Error("New succeeded without a container")
	}
	ch, err := Plugin.New("sut", com.Options{"container": "ltp", "user": "ltp"})
	if err != nil {
		t.Fatal("New failed: ", err)
	}
	if ch.Name() != "sut" || ch.Active() {
		t.Errorf("New returned %q active=%v; want inactive sut", ch.Name(), ch.Active())
	}
	if _, err := ch.RunCommand(context.Background(), "true", nil); !com.IsConnection(err) {
		t.Errorf("RunCommand before Connect returned %v; want a connection error", err)
	}
}

// TestContainer runs against a real daemon when KIRK_TEST_CONTAINER names a
// running container.
func TestContainer(t *testing.T) {
	name := os.Getenv("KIRK_TEST_CONTAINER")
	if name == "" {
		t.Skip("KIRK_TEST_CONTAINER is not set")
	}
	ch := New("docker", name, "", "", 0)
	ctx := context.Background()
	if err := ch.Connect(ctx); err != nil {
		t.Fatal("Connect failed: ", err)
	}
	defer ch.Stop(ctx)

	res, err := ch.RunCommand(ctx, "echo out; echo err >&2; exit 5", &com.RunOptions{Env: map[string]string{"A": "1"}})
	if err != nil {
		t.Fatal("RunCommand failed: ", err)
	}
	if res.ReturnCode != 5 || !strings.Contains(res.Stdout, "out\n") || !strings.Contains(res.Stdout, "err\n") {
		t.Errorf("RunCommand = (%d, %q); want code 5 with both streams", res.ReturnCode, res.Stdout)
	}

	if _, err := ch.RunCommand(ctx, "sleep 30", &com.RunOptions{Timeout: time.Second}); !com.IsTimeout(err) {
		t.Errorf("RunCommand returned %v; want a timeout error", err)
	}
	if !ch.Active() {
		t.Error("Channel is inactive after a timeout")
	}

	if err := ch.SetFile(ctx, "/tmp/kirk_docker_test", []byte("data")); err != nil {
		t.Fatal("SetFile failed: ", err)
	}
	if b, err := ch.FetchFile(ctx, "/tmp/kirk_docker_test"); err != nil || string(b) != "data" {
		t.Errorf("FetchFile = (%q, %v); want data", b, err)
	}
}
