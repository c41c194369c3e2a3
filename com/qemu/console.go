// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package qemu

import (
	"bytes"
	"context"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/errors"
)

// panicMessage is printed on the console when the guest kernel panics.
const panicMessage = "Kernel panic"

// panicGrace is how long the console keeps reading after a panic message so
// that the backtrace ends up in the output.
var panicGrace = 2 * time.Second

var errConsoleClosed = errors.New("console closed")

// console scrapes a shell running on a serial line. Commands are written
// followed by an echo of their exit status and a unique marker; the output
// is read until the marker shows up.
type console struct {
	w io.Writer

	mu     sync.Mutex
	buf    []byte // read but not yet consumed
	closed bool
	notify chan struct{}
}

func newConsole(r io.Reader, w io.Writer) *console {
	c := &console{w: w, notify: make(chan struct{}, 1)}
	go c.read(r)
	return c
}

func (c *console) read(r io.Reader) {
	b := make([]byte, 4096)
	for {
		n, err := r.Read(b)
		c.mu.Lock()
		c.buf = append(c.buf, b[:n]...)
		if err != nil {
			c.closed = true
		}
		c.mu.Unlock()
		c.wake()
		if err != nil {
			return
		}
	}
}

func (c *console) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// take returns and consumes the buffered output.
func (c *console) take() (data []byte, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, c.buf = c.buf, nil
	return data, c.closed
}

// unread puts s back in front of the buffered output.
func (c *console) unread(s string) {
	if s == "" {
		return
	}
	c.mu.Lock()
	c.buf = append([]byte(s), c.buf...)
	c.mu.Unlock()
	c.wake()
}

// discard drops the buffered output.
func (c *console) discard() {
	c.take()
}

func (c *console) write(s string) error {
	if _, err := io.WriteString(c.w, s); err != nil {
		return errors.Wrap(err, "failed to write to console")
	}
	return nil
}

// textWriter converts terminal output to plain text and writes it to w. The
// line break following the previous marker is dropped. A nil textWriter
// discards everything.
type textWriter struct {
	w       io.Writer
	started bool
}

func (t *textWriter) write(b []byte) {
	if t == nil || t.w == nil || len(b) == 0 {
		return
	}
	s := plainText(string(b))
	if !t.started {
		if s = strings.TrimPrefix(s, "\n"); s == "" {
			return
		}
		t.started = true
	}
	io.WriteString(t.w, s)
}

// maxEscapeLen bounds the terminal escape sequences kept whole across reads.
const maxEscapeLen = 32

// cut returns n lowered so that b[:n] doesn't end inside a CRLF pair or a
// terminal escape sequence.
func cut(b []byte, n int) int {
	if n <= 0 {
		return 0
	}
	if n > len(b) {
		n = len(b)
	}
	if b[n-1] == '\r' {
		n--
	}
	if i := bytes.LastIndexByte(b[:n], '\x1b'); i >= 0 && n-i < maxEscapeLen {
		if loc := escapeRe.FindIndex(b[i:n]); loc == nil || loc[0] != 0 {
			n = i
		}
	}
	return n
}

// waitFor reads until s appears. The output preceding s is written to out as
// it arrives, except for its last hold bytes, which are returned. Output
// after s is kept for the next read. Only a bounded tail of the output is
// kept in memory.
func (c *console) waitFor(ctx context.Context, s string, hold int, out *textWriter) (string, error) {
	marker := []byte(s)
	// Bytes that may belong to an incomplete marker, status or panic message.
	keep := hold + len(marker)
	if len(panicMessage) > keep {
		keep = len(panicMessage)
	}

	var pending []byte
	for {
		data, closed := c.take()
		pending = append(pending, data...)

		if i := bytes.Index(pending, marker); i >= 0 {
			c.unread(string(pending[i+len(marker):]))
			pending = pending[:i]
			n := cut(pending, len(pending)-hold)
			out.write(pending[:n])
			return string(pending[n:]), nil
		}
		if bytes.Contains(pending, []byte(panicMessage)) {
			out.write(pending)
			return "", c.collectPanic(ctx, out)
		}
		if closed {
			out.write(pending)
			return "", errConsoleClosed
		}
		if n := cut(pending, len(pending)-keep); n > 0 {
			out.write(pending[:n])
			pending = pending[n:]
		}

		select {
		case <-c.notify:
		case <-ctx.Done():
			out.write(pending)
			return "", ctx.Err()
		}
	}
}

func (c *console) collectPanic(ctx context.Context, out *textWriter) error {
	timer := time.NewTimer(panicGrace)
	defer timer.Stop()
	for {
		select {
		case <-c.notify:
			data, _ := c.take()
			out.write(data)
		case <-timer.C:
			return com.ErrKernelPanic
		case <-ctx.Done():
			return com.ErrKernelPanic
		}
	}
}

var (
	statusRe = regexp.MustCompile(`(\d+)-$`)
	escapeRe = regexp.MustCompile("\x1b\\[[0-9;?]*[a-zA-Z]")
)

// statusHold is the number of bytes held back from the output of a command
// until its marker shows up. It covers the exit status echoed before the
// marker.
const statusHold = 16

// exec runs cmd in the console shell, writes its output to out (which may be
// nil) and returns its exit status. An empty cmd only reports the status of
// the previous command.
func (c *console) exec(ctx context.Context, cmd string, out io.Writer) (int, error) {
	marker := uuid.NewString()
	line := "echo $?-" + marker + "\n"
	if strings.TrimSpace(cmd) != "" {
		line = cmd + "; " + line
	}
	if err := c.write(line); err != nil {
		return -1, err
	}

	tw := &textWriter{w: out}
	tail, err := c.waitFor(ctx, marker, statusHold, tw)
	if err != nil {
		return -1, err
	}
	m := statusRe.FindStringSubmatchIndex(tail)
	if m == nil {
		tw.write([]byte(tail))
		return -1, errors.Errorf("can't read return code from reply %q", tail)
	}
	tw.write([]byte(tail[:m[0]]))
	code, err := strconv.Atoi(tail[m[2]:m[3]])
	if err != nil {
		return -1, errors.Wrapf(err, "bad return code in reply %q", tail)
	}
	return code, nil
}

// plainText converts terminal output to plain text.
func plainText(s string) string {
	s = escapeRe.ReplaceAllString(s, "")
	return strings.ReplaceAll(s, "\r\n", "\n")
}
