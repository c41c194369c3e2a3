// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package session

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/kirk/results"
	"go.chromium.org/kirk/scheduler"
	"go.chromium.org/kirk/testutil"
)

func TestReadProgressLatest(t *testing.T) {
	root := testutil.TempDir(t)
	td, err := NewTempDir(root, DefaultMaxDirs)
	if err != nil {
		t.Fatal("NewTempDir failed: ", err)
	}
	defer td.Close()
	want := &scheduler.Progress{Completed: []*results.SuiteResult{{Suite: "math"}}, Current: "net"}
	if err := (&fileStore{dir: td.Path()}).Save(want); err != nil {
		t.Fatal(err)
	}

	got, dir, err := ReadProgress(filepath.Join(root, dirPrefix+userName(), latestLink))
	if err != nil {
		t.Fatal("ReadProgress failed: ", err)
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Progress mismatch (-got +want):\n%s", diff)
	}
	wantDir, err := filepath.EvalSymlinks(td.Path())
	if err != nil {
		t.Fatal(err)
	}
	if dir != wantDir {
		t.Errorf("ReadProgress resolved the directory to %s; want %s", dir, wantDir)
	}
}

func TestReadProgressErrors(t *testing.T) {
	td := testutil.TempDir(t)
	if err := testutil.WriteFiles(td, map[string]string{
		"empty/README":         "",
		"bad/" + ProgressFile: "{",
	}); err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		dir  string
		want string
	}{
		{"missing", "not a session directory"},
		{"empty", "not a session directory"},
		{"bad", "bad progress file"},
	} {
		_, _, err := ReadProgress(filepath.Join(td, tc.dir))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("ReadProgress(%s) returned %v; want an error containing %q", tc.dir, err, tc.want)
		}
	}
}
