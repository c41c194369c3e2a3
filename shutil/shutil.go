// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package shutil builds shell command lines for channels that only accept a
// single command string.
package shutil

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const (
	// Leading equals sign is unsafe in zsh.
	leadingSafeChars  = `-\w@%+:,./`
	trailingSafeChars = leadingSafeChars + "="
)

var safeRE = regexp.MustCompile(fmt.Sprintf("^[%s][%s]*$", leadingSafeChars, trailingSafeChars))

// envKeyRE matches names accepted by POSIX shells in an assignment.
var envKeyRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Escape escapes a string so it can be safely included as an argument in a shell command line.
// The string is not modified if it can already be safely included.
func Escape(s string) string {
	if safeRE.MatchString(s) {
		return s
	}
	return "'" + strings.Replace(s, "'", `'"'"'`, -1) + "'"
}

// EscapeSlice escapes a slice of strings so each will be treated as a separate
// argument in the returned shell command line.
func EscapeSlice(args []string) string {
	escaped := make([]string, len(args))
	for i, arg := range args {
		escaped[i] = Escape(arg)
	}
	return strings.Join(escaped, " ")
}

// ValidEnvKey reports whether key can be exported by a shell.
func ValidEnvKey(key string) bool {
	return envKeyRE.MatchString(key)
}

// Script returns a command line that changes to cwd (if non-empty), exports
// env in key order and then runs cmd. cmd is included verbatim so that it may
// contain pipes and redirections.
func Script(cmd, cwd string, env map[string]string) (string, error) {
	var b strings.Builder
	if cwd != "" {
		fmt.Fprintf(&b, "cd %s && ", Escape(cwd))
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		if !ValidEnvKey(k) {
			return "", fmt.Errorf("invalid environment variable name %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s && ", k, Escape(env[k]))
	}
	b.WriteString(cmd)
	return b.String(), nil
}
