// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ltx

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/internal/logging"
)

// ErrNoSlots is returned when every execution slot is in use.
var ErrNoSlots = errors.New("no execution slots available")

// ExecResult is the outcome of a command run by the agent.
type ExecResult struct {
	// TimeNS is the agent clock when the command finished.
	TimeNS uint64
	// SICode and SIStatus are the siginfo fields reported by waitid(2).
	SICode   int
	SIStatus int
}

// ExitCode converts the siginfo fields to a shell-style exit code: the exit
// status, or 128+signal for killed processes.
func (r *ExecResult) ExitCode() int {
	switch r.SICode {
	case cldKilled, cldDumped:
		return 128 + r.SIStatus
	default:
		return r.SIStatus
	}
}

type slot struct {
	out    io.Writer
	echoed bool
	envs   int
	result chan *ExecResult
	killed chan struct{}
}

// Client speaks the LTX protocol over a byte stream. Requests may be issued
// concurrently: slot-bound replies are routed by slot id, other replies are
// matched to requests in order.
type Client struct {
	conn io.ReadWriteCloser
	dec  *msgpack.Decoder
	log  context.Context // carries loggers for the reader goroutine

	wmu sync.Mutex // serializes frames

	mu       sync.Mutex
	slots    [MaxSlots]*slot
	versions []chan string
	pings    []chan uint64
	pingEcho int
	gets     []*getFile
	sets     []chan struct{}
	globals  []chan struct{} // ENV/CWD on AllSlots
	err      error
	done     chan struct{}
}

type getFile struct {
	data bytes.Buffer
	done chan []byte
}

// NewClient starts reading messages from conn. Close releases it.
func NewClient(ctx context.Context, conn io.ReadWriteCloser) *Client {
	c := &Client{
		conn: conn,
		dec:  msgpack.NewDecoder(bufio.NewReader(conn)),
		log:  context.WithoutCancel(ctx),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Done is closed when the client stops, after Close or a fatal error.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that stopped the client.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection and waits for the reader to exit.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) send(t MsgType, args ...interface{}) error {
	var buf bytes.Buffer
	if err := Encode(&buf, t, args...); err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		return errors.Wrapf(err, "failed to send %v", t)
	}
	return nil
}

// wait blocks until ch yields or the client or ctx is done.
func wait[T any](ctx context.Context, c *Client, ch <-chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-c.done:
		// A reply may have been delivered right before the reader stopped.
		select {
		case v := <-ch:
			return v, nil
		default:
		}
		return zero, c.stoppedErr()
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (c *Client) stoppedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return errors.New("connection closed")
}

// Version performs the handshake and returns the agent version.
func (c *Client) Version(ctx context.Context) (string, error) {
	ch := make(chan string, 1)
	c.mu.Lock()
	c.versions = append(c.versions, ch)
	c.mu.Unlock()
	if err := c.send(MsgVersion); err != nil {
		return "", err
	}
	return wait(ctx, c, ch)
}

// Ping sends PING and returns the agent clock reported by PONG.
func (c *Client) Ping(ctx context.Context) (uint64, error) {
	ch := make(chan uint64, 1)
	c.mu.Lock()
	c.pings = append(c.pings, ch)
	c.mu.Unlock()
	if err := c.send(MsgPing); err != nil {
		return 0, err
	}
	return wait(ctx, c, ch)
}

// GetFile reads a file from the SUT.
func (c *Client) GetFile(ctx context.Context, path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("path is empty")
	}
	g := &getFile{done: make(chan []byte, 1)}
	c.mu.Lock()
	c.gets = append(c.gets, g)
	c.mu.Unlock()
	if err := c.send(MsgGetFile, path); err != nil {
		return nil, err
	}
	return wait(ctx, c, g.done)
}

// SetFile writes data to path on the SUT.
func (c *Client) SetFile(ctx context.Context, path string, data []byte) error {
	if path == "" {
		return errors.New("path is empty")
	}
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.sets = append(c.sets, ch)
	c.mu.Unlock()
	if err := c.send(MsgSetFile, path, data); err != nil {
		return err
	}
	_, err := wait(ctx, c, ch)
	return err
}

// SetEnvAll sets an environment variable on every slot.
func (c *Client) SetEnvAll(ctx context.Context, key, value string) error {
	if key == "" {
		return errors.New("key is empty")
	}
	return c.global(ctx, MsgEnv, AllSlots, key, value)
}

// SetCwdAll sets the working directory of every slot.
func (c *Client) SetCwdAll(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("path is empty")
	}
	return c.global(ctx, MsgCwd, AllSlots, path)
}

func (c *Client) global(ctx context.Context, t MsgType, args ...interface{}) error {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.globals = append(c.globals, ch)
	c.mu.Unlock()
	if err := c.send(t, args...); err != nil {
		return err
	}
	_, err := wait(ctx, c, ch)
	return err
}

// Reserve returns the lowest free slot id. out receives the output of the
// command run on the slot.
func (c *Client) Reserve(out io.Writer) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.slots {
		if s == nil {
			c.slots[i] = &slot{
				out:    out,
				result: make(chan *ExecResult, 1),
				killed: make(chan struct{}, 1),
			}
			return i, nil
		}
	}
	return 0, ErrNoSlots
}

// Release frees a slot reserved by Reserve.
func (c *Client) Release(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[id] = nil
}

// Active returns the ids of reserved slots.
func (c *Client) Active() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []int
	for i, s := range c.slots {
		if s != nil {
			ids = append(ids, i)
		}
	}
	return ids
}

func (c *Client) slot(id int) (*slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < 0 || id >= MaxSlots || c.slots[id] == nil {
		return nil, errors.Errorf("slot %d is not reserved", id)
	}
	return c.slots[id], nil
}

// SetEnv sets an environment variable of a reserved slot.
func (c *Client) SetEnv(id int, key, value string) error {
	s, err := c.slot(id)
	if err != nil {
		return err
	}
	if key == "" {
		return errors.New("key is empty")
	}
	c.mu.Lock()
	if s.envs >= MaxEnvs {
		c.mu.Unlock()
		return errors.Errorf("slot %d: too many environment variables (max %d)", id, MaxEnvs)
	}
	s.envs++
	c.mu.Unlock()
	return c.send(MsgEnv, id, key, value)
}

// SetCwd sets the working directory of a reserved slot.
func (c *Client) SetCwd(id int, path string) error {
	if _, err := c.slot(id); err != nil {
		return err
	}
	if path == "" {
		return errors.New("path is empty")
	}
	return c.send(MsgCwd, id, path)
}

// Exec starts cmd on a reserved slot. The result is delivered by Wait.
func (c *Client) Exec(id int, cmd string) error {
	if _, err := c.slot(id); err != nil {
		return err
	}
	if cmd == "" {
		return errors.New("command is empty")
	}
	return c.send(MsgExec, id, cmd)
}

// Wait waits for the command running on slot id to finish.
func (c *Client) Wait(ctx context.Context, id int) (*ExecResult, error) {
	s, err := c.slot(id)
	if err != nil {
		return nil, err
	}
	return wait(ctx, c, s.result)
}

// Kill sends KILL for slot id and waits for its echo.
func (c *Client) Kill(ctx context.Context, id int) error {
	s, err := c.slot(id)
	if err != nil {
		return err
	}
	if err := c.send(MsgKill, id); err != nil {
		return err
	}
	_, err = wait(ctx, c, s.killed)
	return err
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	}()
	for {
		var m *Message
		if m, err = Decode(c.dec); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				err = errors.New("connection closed by agent")
			}
			return
		}
		logging.Debugf(c.log, "LTX received %v", m)
		if err = c.dispatch(m); err != nil {
			return
		}
	}
}

func (c *Client) dispatch(m *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch m.Type {
	case MsgError:
		msg, _ := m.Str(0)
		return errors.Errorf("agent error: %s", msg)
	case MsgVersion:
		v, err := m.Str(0)
		if err != nil {
			return err
		}
		if len(c.versions) == 0 {
			return errors.New("unexpected VERSION reply")
		}
		c.versions[0] <- v
		c.versions = c.versions[1:]
	case MsgPing:
		if c.pingEcho >= len(c.pings) {
			return errors.New("unexpected PING echo")
		}
		c.pingEcho++
	case MsgPong:
		ns, err := m.Uint(0)
		if err != nil {
			return err
		}
		if c.pingEcho == 0 {
			return errors.New("PONG received without PING echo")
		}
		c.pingEcho--
		c.pings[0] <- ns
		c.pings = c.pings[1:]
	case MsgData:
		data, err := m.Bytes(0)
		if err != nil {
			return err
		}
		if len(c.gets) == 0 {
			return errors.New("unexpected DATA")
		}
		c.gets[0].data.Write(data)
	case MsgGetFile:
		if len(c.gets) == 0 {
			return errors.New("unexpected GET_FILE echo")
		}
		g := c.gets[0]
		c.gets = c.gets[1:]
		g.done <- g.data.Bytes()
	case MsgSetFile:
		if len(c.sets) == 0 {
			return errors.New("unexpected SET_FILE echo")
		}
		c.sets[0] <- struct{}{}
		c.sets = c.sets[1:]
	case MsgEnv, MsgCwd, MsgExec, MsgLog, MsgResult, MsgKill:
		return c.dispatchSlot(m)
	default:
		return errors.Errorf("unknown message type %v", m.Type)
	}
	return nil
}

// dispatchSlot routes a slot-bound message. c.mu is held.
func (c *Client) dispatchSlot(m *Message) error {
	id, err := m.Uint(0)
	if err != nil {
		return err
	}
	if id == AllSlots && (m.Type == MsgEnv || m.Type == MsgCwd) {
		if len(c.globals) == 0 {
			return errors.Errorf("unexpected %v echo", m.Type)
		}
		c.globals[0] <- struct{}{}
		c.globals = c.globals[1:]
		return nil
	}
	if id >= MaxSlots || c.slots[id] == nil {
		// Late messages of a released slot, e.g. after a timeout.
		logging.Debugf(c.log, "LTX dropped %v for free slot %d", m, id)
		return nil
	}
	s := c.slots[id]

	switch m.Type {
	case MsgExec:
		s.echoed = true
	case MsgLog:
		if !s.echoed {
			return errors.New("LOG received without EXEC echo")
		}
		text, err := m.Bytes(2)
		if err != nil {
			return err
		}
		if s.out != nil && len(text) > 0 {
			s.out.Write(text)
		}
	case MsgResult:
		if !s.echoed {
			return errors.New("RESULT received without EXEC echo")
		}
		var r ExecResult
		var code, status uint64
		if r.TimeNS, err = m.Uint(1); err != nil {
			return err
		}
		if code, err = m.Uint(2); err != nil {
			return err
		}
		if status, err = m.Uint(3); err != nil {
			return err
		}
		r.SICode, r.SIStatus = int(code), int(status)
		s.echoed = false
		select {
		case s.result <- &r:
		default:
		}
	case MsgKill:
		select {
		case s.killed <- struct{}{}:
		default:
		}
	}
	return nil
}
