// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sut

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/errors"
)

// Unknown is reported for SUT properties that could not be read.
const Unknown = "unknown"

// infoTimeout bounds each command run by Info.
var infoTimeout = 1500 * time.Millisecond

// Info describes the SUT software and hardware.
type Info struct {
	Distro        string `json:"distro"`
	DistroVersion string `json:"distro_ver"`
	Kernel        string `json:"kernel"`
	Arch          string `json:"arch"`
	CPU           string `json:"cpu"`
	RAM           string `json:"ram"`
	Swap          string `json:"swap"`
}

var (
	memTotalRe  = regexp.MustCompile(`MemTotal:\s+(\d+\s+kB)`)
	swapTotalRe = regexp.MustCompile(`SwapTotal:\s+(\d+\s+kB)`)
)

// ReadInfo inspects the SUT through ch. Properties that cannot be read within
// infoTimeout are Unknown.
func ReadInfo(ctx context.Context, ch com.Channel) *Info {
	cmds := []string{
		`. /etc/os-release && echo "$ID"`,
		`. /etc/os-release && echo "$VERSION_ID"`,
		"uname -s -r -v",
		"uname -m",
		"uname -p",
		"cat /proc/meminfo",
	}
	outs := make([]string, len(cmds))

	var g errgroup.Group
	if !com.SupportsParallel(ch) {
		g.SetLimit(1)
	}
	for i, cmd := range cmds {
		i, cmd := i, cmd
		g.Go(func() error {
			outs[i] = readOutput(ctx, ch, cmd)
			return nil
		})
	}
	g.Wait()

	info := &Info{
		Distro:        outs[0],
		DistroVersion: outs[1],
		Kernel:        outs[2],
		Arch:          outs[3],
		CPU:           outs[4],
		RAM:           Unknown,
		Swap:          Unknown,
	}
	if m := memTotalRe.FindStringSubmatch(outs[5]); m != nil {
		info.RAM = m[1]
	}
	if m := swapTotalRe.FindStringSubmatch(outs[5]); m != nil {
		info.Swap = m[1]
	}
	return info
}

func readOutput(ctx context.Context, ch com.Channel, cmd string) string {
	res, err := ch.RunCommand(ctx, cmd, &com.RunOptions{Timeout: infoTimeout})
	if err != nil || res.ReturnCode != 0 {
		return Unknown
	}
	return strings.TrimRight(res.Stdout, " \t\r\n")
}

// TaintMessages describes the bits of /proc/sys/kernel/tainted, least
// significant first.
var TaintMessages = []string{
	"proprietary module was loaded",
	"module was force loaded",
	"kernel running on an out of specification system",
	"module was force unloaded",
	"processor reported a Machine Check Exception (MCE)",
	"bad page referenced or some unexpected page flags",
	"taint requested by userspace application",
	"kernel died recently, i.e. there was an OOPS or BUG",
	"ACPI table overridden by user",
	"kernel issued warning",
	"staging driver was loaded",
	"workaround for bug in platform firmware applied",
	"externally-built (“out-of-tree”) module was loaded",
	"unsigned module was loaded",
	"soft lockup occurred",
	"kernel has been live patched",
	"auxiliary taint, defined for and used by distros",
	"kernel was built with the struct randomization plugin",
}

// Taint is the tainted status of the SUT kernel.
type Taint struct {
	Code     uint64
	Messages []string
}

// ParseTaint decodes the content of /proc/sys/kernel/tainted.
func ParseTaint(s string) (*Taint, error) {
	s = strings.TrimSpace(s)
	code, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, errors.Errorf("bad tainted value %q", s)
	}
	t := &Taint{Code: code}
	for i, msg := range TaintMessages {
		if code&(1<<uint(i)) != 0 {
			t.Messages = append(t.Messages, msg)
		}
	}
	return t, nil
}

// TaintedInfo reads the tainted status of the SUT kernel.
func TaintedInfo(ctx context.Context, ch com.Channel) (*Taint, error) {
	res, err := ch.RunCommand(ctx, "cat /proc/sys/kernel/tainted", nil)
	if err != nil {
		return nil, err
	}
	if res.ReturnCode != 0 {
		return nil, errors.Errorf("can't read tainted kernel information: %s", strings.TrimSpace(res.Stdout))
	}
	return ParseTaint(res.Stdout)
}

// TaintMonitor reads the tainted status on behalf of concurrent tests. While
// a read is in flight, other callers get the last known status.
type TaintMonitor struct {
	ch com.Channel

	readMu sync.Mutex
	mu     sync.Mutex
	last   *Taint
}

// NewTaintMonitor returns a monitor reading through ch.
func NewTaintMonitor(ch com.Channel) *TaintMonitor {
	return &TaintMonitor{ch: ch}
}

// Check returns the current tainted status.
func (m *TaintMonitor) Check(ctx context.Context) (*Taint, error) {
	if !m.readMu.TryLock() {
		m.mu.Lock()
		last := m.last
		m.mu.Unlock()
		if last != nil {
			return last, nil
		}
		m.readMu.Lock()
	}
	defer m.readMu.Unlock()

	t, err := TaintedInfo(ctx, m.ch)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.last = t
	m.mu.Unlock()
	return t, nil
}

// LoggedAsRoot reports whether commands run as root on the SUT.
func LoggedAsRoot(ctx context.Context, ch com.Channel) (bool, error) {
	res, err := ch.RunCommand(ctx, "id -u", nil)
	if err != nil {
		return false, err
	}
	if res.ReturnCode != 0 {
		return false, errors.New("can't determine if we are running as root")
	}
	val := strings.TrimSpace(res.Stdout)
	uid, err := strconv.Atoi(val)
	if err != nil {
		return false, errors.Errorf("'id -u' returned %q", val)
	}
	return uid == 0, nil
}

// FaultInjectionFiles are the debugfs fault injection capabilities.
var FaultInjectionFiles = []string{
	"fail_io_timeout",
	"fail_make_request",
	"fail_page_alloc",
	"failslab",
}

const debugfs = "/sys/kernel/debug"

// FaultInjectionEnabled reports whether the SUT kernel exposes every fault
// injection capability.
func FaultInjectionEnabled(ctx context.Context, ch com.Channel) (bool, error) {
	for _, f := range FaultInjectionFiles {
		res, err := ch.RunCommand(ctx, fmt.Sprintf("test -d %s/%s", debugfs, f), nil)
		if err != nil {
			return false, err
		}
		if res.ReturnCode != 0 {
			return false, nil
		}
	}
	return true, nil
}

// SetupFaultInjection sets the failure probability (0-100) of every fault
// injection capability. Zero restores the kernel defaults.
func SetupFaultInjection(ctx context.Context, ch com.Channel, prob int) error {
	if prob < 0 || prob > 100 {
		return errors.Errorf("fault probability %d is out of range 0-100", prob)
	}
	interval, times := 100, -1
	if prob == 0 {
		interval, times = 1, 1
	}
	for _, f := range FaultInjectionFiles {
		dir := debugfs + "/" + f
		for _, kv := range []struct {
			name  string
			value int
		}{
			{"space", 0},
			{"times", times},
			{"interval", interval},
			{"probability", prob},
		} {
			path := dir + "/" + kv.name
			res, err := ch.RunCommand(ctx, fmt.Sprintf("echo %d > %s", kv.value, path), nil)
			if err != nil {
				return err
			}
			if res.ReturnCode != 0 {
				return errors.Errorf("can't setup %s: %s", path, strings.TrimSpace(res.Stdout))
			}
		}
	}
	return nil
}
