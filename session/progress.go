// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package session

import (
	"encoding/json"
	"os"
	"path/filepath"

	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/scheduler"
)

// ProgressFile is the name of the file holding the progress of a session
// in its directory.
const ProgressFile = "progress.json"

// fileStore saves the progress of a session to a directory.
type fileStore struct {
	dir string
}

var _ scheduler.ProgressStore = (*fileStore)(nil)

// Save replaces the progress file atomically.
func (s *fileStore) Save(p *scheduler.Progress) error {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(s.dir, ProgressFile+".*")
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return err
	}
	return os.Rename(f.Name(), filepath.Join(s.dir, ProgressFile))
}

// ReadProgress reads the progress saved by a session in dir, which may be a
// symlink such as latest. It also returns the resolved directory, which
// must be kept by NewTempDir for as long as the progress is used.
func ReadProgress(dir string) (*scheduler.Progress, string, error) {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", errors.Errorf("%s is not a session directory", dir)
		}
		return nil, "", err
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return nil, "", err
	}
	b, err := os.ReadFile(filepath.Join(resolved, ProgressFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", errors.Errorf("%s is not a session directory", dir)
		}
		return nil, "", err
	}
	var p scheduler.Progress
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, "", errors.Wrapf(err, "bad progress file in %s", dir)
	}
	return &p, resolved, nil
}
