// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ltx

import (
	"bytes"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sys/unix"
)

// fakeAgent serves the LTX protocol on one end of a net.Pipe, running
// commands with /bin/sh.
type fakeAgent struct {
	conn net.Conn

	wmu sync.Mutex

	mu    sync.Mutex
	cwd   string
	procs map[uint64]*exec.Cmd
	wg    sync.WaitGroup
}

// errorPath makes GET_FILE answer with ERROR.
const errorPath = "/fake/error"

func newFakeAgent(conn net.Conn) *fakeAgent {
	a := &fakeAgent{conn: conn, procs: make(map[uint64]*exec.Cmd)}
	go a.serve()
	return a
}

func (a *fakeAgent) reply(t MsgType, args ...interface{}) {
	var buf bytes.Buffer
	if err := Encode(&buf, t, args...); err != nil {
		panic(err)
	}
	a.wmu.Lock()
	defer a.wmu.Unlock()
	a.conn.Write(buf.Bytes())
}

func now() uint64 { return uint64(time.Now().UnixNano()) }

func (a *fakeAgent) serve() {
	defer a.killAll()
	dec := msgpack.NewDecoder(a.conn)
	for {
		m, err := Decode(dec)
		if err != nil {
			return
		}
		switch m.Type {
		case MsgVersion:
			a.reply(MsgVersion, "0.1-fake")
		case MsgPing:
			a.reply(MsgPing)
			a.reply(MsgPong, now())
		case MsgGetFile:
			path, _ := m.Str(0)
			if path == errorPath {
				a.reply(MsgError, "cannot read "+path)
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				a.reply(MsgError, err.Error())
				continue
			}
			for len(data) > 0 {
				n := len(data)
				if n > 1024 {
					n = 1024
				}
				a.reply(MsgData, data[:n])
				data = data[n:]
			}
			a.reply(MsgGetFile, path)
		case MsgSetFile:
			path, _ := m.Str(0)
			data, _ := m.Bytes(1)
			os.WriteFile(path, data, 0644)
			a.reply(MsgSetFile, path)
		case MsgEnv:
			id, _ := m.Uint(0)
			key, _ := m.Str(1)
			val, _ := m.Str(2)
			a.reply(MsgEnv, id, key, val)
		case MsgCwd:
			id, _ := m.Uint(0)
			path, _ := m.Str(1)
			a.mu.Lock()
			a.cwd = path
			a.mu.Unlock()
			a.reply(MsgCwd, id, path)
		case MsgExec:
			id, _ := m.Uint(0)
			cmd, _ := m.Str(1)
			a.reply(MsgExec, id, cmd)
			a.exec(id, cmd)
		case MsgKill:
			id, _ := m.Uint(0)
			a.mu.Lock()
			if p, ok := a.procs[id]; ok {
				unix.Kill(-p.Process.Pid, unix.SIGKILL)
			}
			a.mu.Unlock()
			a.reply(MsgKill, id)
		default:
			a.reply(MsgError, "unknown message")
		}
	}
}

func (a *fakeAgent) exec(id uint64, script string) {
	pr, pw, err := os.Pipe()
	if err != nil {
		a.reply(MsgError, err.Error())
		return
	}
	cmd := exec.Command("/bin/sh", "-c", script)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	a.mu.Lock()
	cmd.Dir = a.cwd
	err = cmd.Start()
	if err == nil {
		a.procs[id] = cmd
	}
	a.mu.Unlock()
	pw.Close()
	if err != nil {
		pr.Close()
		a.reply(MsgError, err.Error())
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		buf := make([]byte, 1024)
		for {
			n, err := pr.Read(buf)
			if n > 0 {
				a.reply(MsgLog, id, now(), string(buf[:n]))
			}
			if err != nil {
				break
			}
		}
		pr.Close()
		cmd.Wait()

		a.mu.Lock()
		delete(a.procs, id)
		a.mu.Unlock()

		ws := cmd.ProcessState.Sys().(syscall.WaitStatus)
		code, status := uint64(cldExited), uint64(ws.ExitStatus())
		if ws.Signaled() {
			code, status = cldKilled, uint64(ws.Signal())
		}
		a.reply(MsgResult, id, now(), code, status)
	}()
}

func (a *fakeAgent) killAll() {
	a.mu.Lock()
	for _, p := range a.procs {
		unix.Kill(-p.Process.Pid, unix.SIGKILL)
	}
	a.mu.Unlock()
	a.conn.Close()
	a.wg.Wait()
}

// Close disconnects the agent from the client.
func (a *fakeAgent) Close() {
	a.conn.Close()
}
