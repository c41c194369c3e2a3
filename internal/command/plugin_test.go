// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package command

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParsePluginSpec(t *testing.T) {
	for _, tc := range []struct {
		in  string
		exp *PluginSpec
	}{
		{"default", &PluginSpec{Name: "default", Options: map[string]string{}}},
		{"help", &PluginSpec{Name: "help"}},
		{"ssh:host=10.0.0.2:user=root:id=dut", &PluginSpec{
			Name:    "ssh",
			Options: map[string]string{"host": "10.0.0.2", "user": "root", "id": "dut"},
		}},
		{"default:setup_cmd=echo a=b", &PluginSpec{
			Name:    "default",
			Options: map[string]string{"setup_cmd": "echo a=b"},
		}},
		{"qemu:password=", &PluginSpec{Name: "qemu", Options: map[string]string{"password": ""}}},
	} {
		got, err := ParsePluginSpec(tc.in)
		if err != nil {
			t.Errorf("ParsePluginSpec(%q) failed: %v", tc.in, err)
			continue
		}
		if diff := cmp.Diff(got, tc.exp); diff != "" {
			t.Errorf("ParsePluginSpec(%q) mismatch (-got +want):\n%s", tc.in, diff)
		}
	}
}

func TestParsePluginSpecErrors(t *testing.T) {
	for _, in := range []string{"", ":host=a", "ssh:host", "ssh:=value"} {
		if _, err := ParsePluginSpec(in); err == nil {
			t.Errorf("ParsePluginSpec(%q) succeeded; want error", in)
		}
	}
}

func TestParseEnv(t *testing.T) {
	got, err := ParseEnv("LTP_COLORIZE_OUTPUT=1:PATH=/bin:/usr/bin")
	if err == nil {
		t.Fatalf("ParseEnv accepted a value without assignment: %v", got)
	}
	got, err = ParseEnv("A=1:B=two")
	if err != nil {
		t.Fatal("ParseEnv failed: ", err)
	}
	if diff := cmp.Diff(got, map[string]string{"A": "1", "B": "two"}); diff != "" {
		t.Error("ParseEnv mismatch (-got +want):\n", diff)
	}
}
