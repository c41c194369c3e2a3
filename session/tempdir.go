// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package session

import (
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/gofrs/flock"
	"golang.org/x/exp/slices"

	"go.chromium.org/kirk/errors"
)

const (
	// DefaultMaxDirs is the number of session directories kept by default.
	DefaultMaxDirs = 5

	dirPrefix  = "kirk."
	latestLink = "latest" // symlink to the newest session directory
	lockName   = ".lock"  // locked while a session uses its directory
)

// TempDir is a session directory. It is created under
// <root>/kirk.<user>, which keeps a limited number of them, and stays
// locked until Close is called.
type TempDir struct {
	path string
	lock *flock.Flock
}

func userName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return strconv.Itoa(os.Getuid())
}

// NewTempDir creates a new session directory under root, removing the
// oldest unlocked directories so that at most keep are kept. root defaults
// to the system temporary directory. The resolved directories in preserve,
// e.g. a session being restored, are never removed.
func NewTempDir(root string, keep int, preserve ...string) (*TempDir, error) {
	if root == "" {
		root = os.TempDir()
	}
	if fi, err := os.Stat(root); err != nil {
		return nil, errors.Wrap(err, "bad temporary directory")
	} else if !fi.IsDir() {
		return nil, errors.Errorf("%s is not a directory", root)
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	base := filepath.Join(root, dirPrefix+userName())
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, err
	}
	if err := rotate(base, keep, preserve); err != nil {
		return nil, errors.Wrap(err, "failed to rotate session directories")
	}

	dir, err := os.MkdirTemp(base, "")
	if err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(dir, lockName))
	if ok, err := lock.TryLock(); err != nil {
		return nil, errors.Wrapf(err, "failed to lock %s", dir)
	} else if !ok {
		return nil, errors.Errorf("%s is used by another session", dir)
	}

	link := filepath.Join(base, latestLink)
	if fi, err := os.Lstat(link); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		os.Remove(link)
	}
	if err := os.Symlink(dir, link); err != nil {
		lock.Unlock()
		return nil, errors.Wrap(err, "failed to create latest symlink")
	}
	return &TempDir{path: dir, lock: lock}, nil
}

// rotate removes the oldest session directories in base so that a new one
// can be created without exceeding keep. Directories locked by a running
// session and those in preserve are kept.
func rotate(base string, keep int, preserve []string) error {
	if keep < 1 {
		keep = 1
	}
	ents, err := os.ReadDir(base)
	if err != nil {
		return err
	}
	type entry struct {
		path string
		mod  int64
	}
	var dirs []entry
	for _, ent := range ents {
		if ent.Name() == latestLink || !ent.IsDir() {
			continue
		}
		fi, err := ent.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, entry{filepath.Join(base, ent.Name()), fi.ModTime().UnixNano()})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].mod < dirs[j].mod })

	excess := len(dirs) - keep + 1
	for _, d := range dirs {
		if excess <= 0 {
			break
		}
		if resolved, err := filepath.EvalSymlinks(d.path); err == nil && slices.Contains(preserve, resolved) {
			continue
		}
		lock := flock.New(filepath.Join(d.path, lockName))
		ok, err := lock.TryLock()
		if err != nil || !ok {
			continue
		}
		err = os.RemoveAll(d.path)
		lock.Unlock()
		if err != nil {
			return err
		}
		excess--
	}
	return nil
}

// Path returns the absolute path of the directory.
func (d *TempDir) Path() string { return d.path }

// Close releases the lock on the directory. The directory is kept.
func (d *TempDir) Close() error {
	return d.lock.Unlock()
}
