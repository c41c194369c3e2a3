// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package qemu

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/errors"
)

// newShellConsole returns a console talking to a non-interactive shell over
// pipes.
func newShellConsole(t *testing.T) *console {
	t.Helper()
	cmd := exec.Command("/bin/sh")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		t.Fatal("Failed to start shell: ", err)
	}
	t.Cleanup(func() {
		stdin.Close()
		cmd.Process.Kill()
		cmd.Wait()
	})
	return newConsole(stdout, stdin)
}

func TestConsoleExec(t *testing.T) {
	con := newShellConsole(t)
	ctx := context.Background()

	for _, tc := range []struct {
		cmd  string
		out  string
		code int
	}{
		{"echo hello", "hello\n", 0},
		{"false", "", 1},
		{"echo a; echo b >&2; (exit 42)", "a\nb\n", 42},
		{"printf 'no newline'", "no newline", 0},
		{"", "", 0},
	} {
		var out strings.Builder
		code, err := con.exec(ctx, tc.cmd, &out)
		if err != nil {
			t.Errorf("exec(%q) failed: %v", tc.cmd, err)
			continue
		}
		if out.String() != tc.out || code != tc.code {
			t.Errorf("exec(%q) = (%q, %d); want (%q, %d)", tc.cmd, out.String(), code, tc.out, tc.code)
		}
	}
}

func TestConsoleLargeOutput(t *testing.T) {
	con := newShellConsole(t)
	const lines = 200000
	var out countWriter
	code, err := con.exec(context.Background(), fmt.Sprintf("seq %d", lines), &out)
	if err != nil {
		t.Fatal("exec failed: ", err)
	}
	if code != 0 {
		t.Errorf("exec returned code %d; want 0", code)
	}
	var want int
	for i := 1; i <= lines; i++ {
		want += len(strconv.Itoa(i)) + 1
	}
	if out.n != want {
		t.Errorf("exec wrote %d bytes; want %d", out.n, want)
	}
	if !strings.HasSuffix(out.last, fmt.Sprintf("%d\n", lines)) {
		t.Errorf("Output ends with %q; want the last line of seq", out.last)
	}
}

// countWriter counts the bytes written to it and remembers the last write.
type countWriter struct {
	n    int
	last string
}

func (w *countWriter) Write(p []byte) (int, error) {
	w.n += len(p)
	w.last = string(p)
	return len(p), nil
}

func TestConsoleSplitReads(t *testing.T) {
	r, w := io.Pipe()
	con := newConsole(r, io.Discard)
	go func() {
		for _, chunk := range []string{"\r\nout\x1b[?20", "04l\r", "\nmore\r\n", "1", "7-MA", "RK\r\nnext"} {
			io.WriteString(w, chunk)
			time.Sleep(10 * time.Millisecond)
		}
	}()

	var out strings.Builder
	tail, err := con.waitFor(context.Background(), "MARK", statusHold, &textWriter{w: &out})
	if err != nil {
		t.Fatal("waitFor failed: ", err)
	}
	if got := out.String() + plainText(tail); got != "out\nmore\n17-" {
		t.Errorf("Output = %q; want %q", got, "out\nmore\n17-")
	}
	if !strings.HasSuffix(tail, "17-") {
		t.Errorf("Tail %q lacks the status", tail)
	}
}

func TestConsoleTimeout(t *testing.T) {
	con := newShellConsole(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var out strings.Builder
	_, err := con.exec(ctx, "echo before; sleep 1", &out)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("exec returned %v; want a deadline error", err)
	}
	if out.String() != "before\n" {
		t.Errorf("Partial output = %q; want %q", out.String(), "before\n")
	}

	// The marker of the timed out command is skipped once the shell is free.
	out.Reset()
	code, err := con.exec(context.Background(), "echo after", &out)
	if err != nil {
		t.Fatal("exec after timeout failed: ", err)
	}
	if !strings.HasSuffix(out.String(), "after\n") || code != 0 {
		t.Errorf("exec after timeout = (%q, %d); want output ending in %q", out.String(), code, "after\n")
	}
}

func TestConsoleKernelPanic(t *testing.T) {
	defer func(d time.Duration) { panicGrace = d }(panicGrace)
	panicGrace = 100 * time.Millisecond

	con := newShellConsole(t)
	var out strings.Builder
	_, err := con.exec(context.Background(), "echo 'Kernel panic - not syncing: VFS'; echo trace; sleep 2", &out)
	if !errors.Is(err, com.ErrKernelPanic) {
		t.Fatalf("exec returned %v; want %v", err, com.ErrKernelPanic)
	}
	if !strings.Contains(out.String(), "not syncing") {
		t.Errorf("Output %q lacks the panic message", out.String())
	}
}

func TestConsoleClosed(t *testing.T) {
	con := newShellConsole(t)
	if _, err := con.exec(context.Background(), "exit 3", nil); !errors.Is(err, errConsoleClosed) {
		t.Errorf("exec after the shell exited returned %v; want %v", err, errConsoleClosed)
	}
}

func TestTextWriter(t *testing.T) {
	for _, tc := range []struct {
		in, want string
	}{
		{"\r\nline1\r\nline2\r\n", "line1\nline2\n"},
		{"\x1b[?2004lout\n", "out\n"},
		{"plain", "plain"},
	} {
		var out strings.Builder
		(&textWriter{w: &out}).write([]byte(tc.in))
		if got := out.String(); got != tc.want {
			t.Errorf("textWriter wrote %q for %q; want %q", got, tc.in, tc.want)
		}
	}
}
