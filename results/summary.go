// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package results

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

// TestLine returns the line printed when a test finishes, e.g.
// "abs01: pass (1.2s)".
func TestLine(r *TestResult) string {
	line := fmt.Sprintf("%s: %s (%s)", r.Test.Name, r.Status, r.Duration.Round(100*time.Millisecond))
	if len(r.Taint) > 0 {
		line += ", tainted: " + strings.Join(r.Taint, ", ")
	}
	return line
}

var kbRe = regexp.MustCompile(`^(\d+)\s*kB$`)

// memory formats a /proc/meminfo amount for humans.
func memory(s string) string {
	m := kbRe.FindStringSubmatch(s)
	if m == nil {
		return s
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return s
	}
	return humanize.IBytes(n * 1024)
}

// WriteSummary writes a table describing suites to w.
func WriteSummary(w io.Writer, suites []*SuiteResult) error {
	sep := strings.Repeat("-", 80)
	for _, s := range suites {
		fmt.Fprintln(w, sep)
		tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
		fmt.Fprintf(tw, "Suite:\t%s\n", s.Suite)
		fmt.Fprintf(tw, "Distro:\t%s %s\n", s.SUTInfo.Distro, s.SUTInfo.DistroVersion)
		fmt.Fprintf(tw, "Kernel:\t%s\n", s.SUTInfo.Kernel)
		fmt.Fprintf(tw, "Arch:\t%s (%s)\n", s.SUTInfo.Arch, s.SUTInfo.CPU)
		fmt.Fprintf(tw, "Memory:\t%s RAM, %s swap\n", memory(s.SUTInfo.RAM), memory(s.SUTInfo.Swap))
		fmt.Fprintf(tw, "Runtime:\t%s\n", s.Duration.Round(time.Millisecond))
		fmt.Fprintf(tw, "Runs:\t%s\n", humanize.Comma(int64(s.Runs())))
		fmt.Fprintf(tw, "Passed:\t%s\n", humanize.Comma(int64(s.Passed())))
		fmt.Fprintf(tw, "Failed:\t%s\n", humanize.Comma(int64(s.Failed())))
		fmt.Fprintf(tw, "Broken:\t%s\n", humanize.Comma(int64(s.Broken())))
		fmt.Fprintf(tw, "Skipped:\t%s\n", humanize.Comma(int64(s.Skipped())))
		fmt.Fprintf(tw, "Warnings:\t%s\n", humanize.Comma(int64(s.Warnings())))
		if err := tw.Flush(); err != nil {
			return err
		}

		var bad []*TestResult
		for _, t := range s.Tests {
			if t.Status == Fail || t.Status == Broken {
				bad = append(bad, t)
			}
		}
		if len(bad) > 0 {
			fmt.Fprintln(w)
			tw = tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
			for _, t := range bad {
				fmt.Fprintf(tw, "%s\t[ %s ]\t%d\n", t.Test.Name, strings.ToUpper(t.Status.String()), t.ReturnCode)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintln(w, sep)
	return err
}
