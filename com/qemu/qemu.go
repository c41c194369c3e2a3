// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package qemu implements a communication channel booting a virtual machine
// with qemu and running commands on its serial console.
//
// The console is a single shell, so commands run strictly one at a time.
package qemu

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/shlex"

	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/ctxutil"
	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/internal/logging"
	"go.chromium.org/kirk/shutil"
)

// Name is the protocol name of the channel.
const Name = "qemu"

const (
	defaultPoweroff = "poweroff; poweroff -f"
	// interruptChar is written to the console to interrupt the foreground
	// command.
	interruptChar = "\x03"
)

var (
	// settleDelay lets the shell print its prompt completely.
	settleDelay = 200 * time.Millisecond
	// resyncTimeout bounds the wait for the shell after an interrupt.
	resyncTimeout = 10 * time.Second
	// poweroffTimeout bounds the wait for the guest to power off.
	poweroffTimeout = 30 * time.Second
	// killTimeout is reserved from the Stop context to kill qemu.
	killTimeout = 5 * time.Second
)

// Plugin creates qemu channels.
var Plugin = &com.Plugin{
	Name: Name,
	Help: map[string]string{
		"image":      "qemu image location",
		"kernel":     "kernel image location",
		"initrd":     "initrd image location",
		"user":       "user name (default: '')",
		"password":   "user password (default: '')",
		"prompt":     "prompt string (default: '#')",
		"system":     "system architecture (default: x86_64)",
		"ram":        "RAM of the VM (default: 2G)",
		"smp":        "number of CPUs (default: 2)",
		"serial":     "type of serial protocol. isa|virtio (default: isa)",
		"virtfs":     "directory to mount inside VM",
		"options":    "user defined options",
		"tmpdir":     "directory for the console log (default: system temporary directory)",
		"max_output": "maximum number of output bytes kept per command",
	},
	New: func(id string, opts com.Options) (com.Channel, error) {
		cfg := &Config{
			Image:    opts.String("image", ""),
			Kernel:   opts.String("kernel", ""),
			Initrd:   opts.String("initrd", ""),
			User:     opts.String("user", ""),
			Password: opts.String("password", ""),
			Prompt:   opts.String("prompt", "#"),
			System:   opts.String("system", "x86_64"),
			RAM:      opts.String("ram", "2G"),
			SMP:      opts.String("smp", "2"),
			Serial:   opts.String("serial", "isa"),
			VirtFS:   opts.String("virtfs", ""),
			Options:  opts.String("options", ""),
			TmpDir:   opts.String("tmpdir", os.TempDir()),
		}
		var err error
		if cfg.MaxOutput, err = opts.Int("max_output", com.DefaultMaxCapture); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return New(id, cfg), nil
	},
}

// Config describes the virtual machine.
type Config struct {
	Image, Kernel, Initrd string
	User, Password        string
	Prompt                string
	System                string
	RAM, SMP              string
	Serial                string // isa or virtio
	VirtFS                string
	Options               string
	TmpDir                string
	MaxOutput             int

	// Cmdline replaces the qemu command line when set.
	Cmdline []string
	// Poweroff is the shell command shutting the guest down.
	Poweroff string
}

// Validate checks that the configured files exist.
func (c *Config) Validate() error {
	if st, err := os.Stat(c.TmpDir); err != nil || !st.IsDir() {
		return errors.Errorf("temporary directory doesn't exist: %s", c.TmpDir)
	}
	for _, f := range []struct{ what, path string }{
		{"Image", c.Image},
		{"Kernel", c.Kernel},
		{"initrd", c.Initrd},
	} {
		if f.path == "" {
			continue
		}
		if st, err := os.Stat(f.path); err != nil || !st.Mode().IsRegular() {
			return errors.Errorf("%s location doesn't exist: %s", f.what, f.path)
		}
	}
	if c.RAM == "" {
		return errors.New("RAM is not defined")
	}
	if c.SMP == "" {
		return errors.New("CPU is not defined")
	}
	if c.VirtFS != "" {
		if st, err := os.Stat(c.VirtFS); err != nil || !st.IsDir() {
			return errors.Errorf("virtual FS directory doesn't exist: %s", c.VirtFS)
		}
	}
	if c.Serial != "isa" && c.Serial != "virtio" {
		return errors.New("serial protocol must be isa or virtio")
	}
	return nil
}

// Command returns the qemu command line.
func (c *Config) Command() ([]string, error) {
	if len(c.Cmdline) > 0 {
		return c.Cmdline, nil
	}
	logFile := filepath.Join(c.TmpDir, fmt.Sprintf("ttyS0-%d.log", os.Getpid()))
	args := []string{
		"qemu-system-" + c.System,
		"-enable-kvm",
		"-display", "none",
		"-m", c.RAM,
		"-smp", c.SMP,
		"-device", "virtio-rng-pci",
		"-chardev", "stdio,id=tty,logfile=" + logFile,
	}
	console := "ttyS0"
	switch c.Serial {
	case "isa":
		args = append(args, "-serial", "chardev:tty")
	case "virtio":
		args = append(args, "-device", "virtio-serial", "-device", "virtconsole,chardev=tty")
		console = "hvc0"
	default:
		return nil, errors.Errorf("unsupported serial device type %q", c.Serial)
	}
	if c.VirtFS != "" {
		args = append(args, "-virtfs",
			"local,path="+c.VirtFS+",mount_tag=host0,security_model=mapped-xattr,readonly=on")
	}
	if c.Image != "" {
		args = append(args, "-drive", "if=virtio,cache=unsafe,file="+c.Image)
	}
	if c.Initrd != "" {
		args = append(args, "-initrd", c.Initrd)
	}
	if c.Kernel != "" {
		args = append(args, "-append", "console="+console+" ignore_loglevel", "-kernel", c.Kernel)
	}
	if c.Options != "" {
		extra, err := shlex.Split(c.Options)
		if err != nil {
			return nil, errors.Wrapf(err, "bad qemu options %q", c.Options)
		}
		args = append(args, extra...)
	}
	return args, nil
}

// Channel drives a virtual machine through its serial console.
type Channel struct {
	name string
	cfg  Config

	mu       sync.Mutex
	proc     *exec.Cmd
	ptmx     *os.File
	con      *console
	exited   chan struct{}
	loggedIn bool
	panicked bool
	stopping bool

	cmdMu sync.Mutex // held while a command runs on the console
}

var (
	_ com.Channel      = (*Channel)(nil)
	_ com.Pinger       = (*Channel)(nil)
	_ com.FileFetcher  = (*Channel)(nil)
	_ com.Parallelizer = (*Channel)(nil)
)

// New returns a channel for a virtual machine that is not started yet.
func New(name string, cfg *Config) *Channel {
	c := *cfg
	if c.Prompt == "" {
		c.Prompt = "#"
	}
	if c.Poweroff == "" {
		c.Poweroff = defaultPoweroff
	}
	if c.MaxOutput <= 0 {
		c.MaxOutput = com.DefaultMaxCapture
	}
	return &Channel{name: name, cfg: c}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// ParallelExecution returns false: the console runs one command at a time.
func (c *Channel) ParallelExecution() bool { return false }

// Active reports whether the virtual machine is running.
func (c *Channel) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningLocked()
}

func (c *Channel) runningLocked() bool {
	if c.proc == nil {
		return false
	}
	select {
	case <-c.exited:
		return false
	default:
		return true
	}
}

// Connect boots the virtual machine and prepares its console.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runningLocked() && c.loggedIn {
		return nil
	}
	if c.runningLocked() {
		return com.ConnectionError(c.name, errors.New("virtual machine is already running"))
	}
	// Reap a machine that went away by itself.
	c.killLocked(ctx)

	args, err := c.cfg.Command()
	if err != nil {
		return com.ConnectionError(c.name, err)
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return com.ConnectionError(c.name, errors.Wrapf(err, "command not found: %s", args[0]))
	}

	logging.Infof(ctx, "[%s] Starting virtual machine", c.name)
	logging.Debugf(ctx, "[%s] %s", c.name, shutil.EscapeSlice(args))
	proc := exec.Command(args[0], args[1:]...)
	ptmx, err := pty.Start(proc)
	if err != nil {
		return com.ConnectionError(c.name, errors.Wrapf(err, "failed to start %s", args[0]))
	}
	exited := make(chan struct{})
	go func() {
		proc.Wait()
		close(exited)
	}()
	c.proc, c.ptmx, c.exited = proc, ptmx, exited
	c.con = newConsole(ptmx, ptmx)
	c.panicked = false

	if err := c.bringUp(ctx); err != nil {
		if errors.Is(err, com.ErrKernelPanic) {
			c.panicked = true
		}
		c.killLocked(ctx)
		return com.ConnectionError(c.name, err)
	}
	c.loggedIn = true
	logging.Infof(ctx, "[%s] Virtual machine started", c.name)
	return nil
}

func (c *Channel) bringUp(ctx context.Context) error {
	con := c.con
	expect := func(s string) error {
		logging.Debugf(ctx, "[%s] Waiting for %q", c.name, s)
		if _, err := con.waitFor(ctx, s, 0, nil); err != nil {
			return errors.Wrapf(err, "waiting for %q", s)
		}
		return nil
	}
	settle := func() {
		time.Sleep(settleDelay)
		con.discard()
	}

	if c.cfg.User != "" {
		if err := expect("login:"); err != nil {
			return err
		}
		if err := con.write(c.cfg.User + "\n"); err != nil {
			return err
		}
		if c.cfg.Password != "" {
			if err := expect("Password:"); err != nil {
				return err
			}
			if err := con.write(c.cfg.Password + "\n"); err != nil {
				return err
			}
		}
		time.Sleep(settleDelay)
	}

	if err := expect(c.cfg.Prompt); err != nil {
		return err
	}
	settle()
	for _, cmd := range []string{"stty -echo; stty cols 1024", "dmesg -D"} {
		if err := con.write(cmd + "\n"); err != nil {
			return err
		}
		if err := expect(c.cfg.Prompt); err != nil {
			return err
		}
	}
	settle()

	if code, err := con.exec(ctx, "export PS1=''", nil); err != nil {
		return err
	} else if code != 0 {
		return errors.New("can't setup prompt string")
	}
	if c.cfg.VirtFS != "" {
		var out strings.Builder
		if code, err := con.exec(ctx, "mount -t 9p -o trans=virtio host0 /mnt", &out); err != nil {
			return err
		} else if code != 0 {
			return errors.Errorf("failed to mount virtfs: %s", out.String())
		}
	}
	return nil
}

// session returns the console when the machine is usable.
func (c *Channel) session() (*console, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.runningLocked() || !c.loggedIn {
		return nil, com.ConnectionError(c.name, com.ErrNotConnected)
	}
	return c.con, nil
}

// RunCommand runs cmd on the console. Commands are serialized.
func (c *Channel) RunCommand(ctx context.Context, cmd string, opts *com.RunOptions) (*com.Result, error) {
	if strings.TrimSpace(cmd) == "" {
		return nil, errors.New("command is empty")
	}
	if _, err := c.session(); err != nil {
		return nil, err
	}
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	con, err := c.session()
	if err != nil {
		return nil, err
	}

	script := cmd
	if opts.GetCwd() != "" || len(opts.GetEnv()) > 0 {
		// A subshell keeps the console shell state untouched.
		s, err := shutil.Script(cmd, opts.GetCwd(), opts.GetEnv())
		if err != nil {
			return nil, err
		}
		script = "(" + s + ")"
	}

	ectx := ctx
	if d := opts.GetTimeout(); d > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	logging.Debugf(ctx, "[%s] Running: %s", c.name, script)
	start := time.Now()
	buf := com.NewOutputBuffer(opts.GetOutput(), c.cfg.MaxOutput)
	code, err := con.exec(ectx, script, buf)
	res := &com.Result{Command: cmd, ReturnCode: code, Duration: time.Since(start)}
	buf.Fill(res)

	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, com.ErrKernelPanic):
		c.mu.Lock()
		c.panicked = true
		c.mu.Unlock()
		return nil, com.TransportError(c.name, res, err)
	case ectx.Err() == nil || c.isStopping():
		return nil, com.TransportError(c.name, res, err)
	}

	// Timed out or interrupted: stop the command and wait for the shell.
	logging.Debugf(ctx, "[%s] Interrupting %q", c.name, cmd)
	code, err = c.resync(context.WithoutCancel(ctx), con)
	if err != nil {
		return nil, com.TransportError(c.name, res, errors.Wrap(err, "console did not recover after interrupt"))
	}
	res.ReturnCode = code
	res.Duration = time.Since(start)
	if ctx.Err() != nil {
		return res, errors.Wrapf(ctx.Err(), "%s: command interrupted", c.name)
	}
	return nil, com.TimeoutError(c.name, res, errors.Errorf("command timed out after %v", opts.GetTimeout()))
}

// resync interrupts the foreground command and waits for the shell to
// answer a fresh marker. It returns the status of the interrupted command.
func (c *Channel) resync(ctx context.Context, con *console) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, resyncTimeout)
	defer cancel()
	if err := con.write(interruptChar); err != nil {
		return -1, err
	}
	return con.exec(ctx, "", nil)
}

func (c *Channel) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

// Stop powers the guest off, killing qemu if it doesn't exit in time.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.proc == nil {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	con, exited := c.con, c.exited
	graceful := c.runningLocked() && c.loggedIn && !c.panicked
	c.mu.Unlock()

	if graceful {
		logging.Infof(ctx, "[%s] Shutting down virtual machine", c.name)
		if !c.cmdMu.TryLock() {
			logging.Infof(ctx, "[%s] Stop running command", c.name)
			con.write(interruptChar)
		} else {
			c.cmdMu.Unlock()
		}
		if err := con.write(c.cfg.Poweroff + "\n"); err == nil {
			sctx, cancel := ctxutil.Shorten(ctx, killTimeout)
			select {
			case <-exited:
			case <-time.After(poweroffTimeout):
			case <-sctx.Done():
			}
			cancel()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.killLocked(ctx)
	c.stopping = false
	return nil
}

// killLocked kills qemu if it still runs and releases the console.
func (c *Channel) killLocked(ctx context.Context) {
	if c.proc == nil {
		return
	}
	if c.runningLocked() {
		logging.Infof(ctx, "[%s] Killing virtual machine", c.name)
		c.proc.Process.Kill()
	}
	<-c.exited
	c.ptmx.Close()
	c.proc, c.ptmx, c.con = nil, nil, nil
	c.loggedIn = false
	logging.Infof(ctx, "[%s] Qemu process ended", c.name)
}

// Ping measures how long the console takes to run a no-op command.
func (c *Channel) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	res, err := c.RunCommand(ctx, "test .", nil)
	if err != nil {
		return 0, err
	}
	if res.ReturnCode != 0 {
		return 0, com.TransportError(c.name, res, errors.New("ping command failed"))
	}
	return time.Since(start), nil
}

// FetchFile reads path by dumping it in base64 on the console.
func (c *Channel) FetchFile(ctx context.Context, path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("target path is empty")
	}
	res, err := c.RunCommand(ctx, "base64 "+shutil.Escape(path), nil)
	if err != nil {
		return nil, err
	}
	if res.ReturnCode != 0 {
		return nil, errors.Errorf("can't read %s: %s", path, strings.TrimSpace(res.Stdout))
	}
	if res.Truncated {
		return nil, errors.Errorf("%s is too large to fetch over the console", path)
	}
	data, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(res.Stdout), ""))
	if err != nil {
		return nil, errors.Wrapf(err, "bad base64 data for %s", path)
	}
	return data, nil
}
