// Copyright The Swapd Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package proclock serializes structural swap changes between
// processes with an advisory file lock. The lock protects concurrent
// daemon instances and one-shot invocations (status, stop) from
// reconfiguring swap under each other.
package proclock

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrContended is returned by a non-blocking acquisition when another
// process holds the lock.
var ErrContended = errors.New("proclock: lock held by another process")

// Lock is an advisory, OS-level file lock.
type Lock struct {
	path string
	file *os.File
}

// New creates a lock backed by the given file path.
func New(path string) *Lock {
	return &Lock{path: path}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Acquire takes the lock. When block is false and another process
// holds the lock, ErrContended is returned immediately.
func (l *Lock) Acquire(block bool) error {
	if l.file != nil {
		return errors.Errorf("proclock: %s already acquired", l.path)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return errors.Wrapf(err, "proclock: failed to create directory for %s", l.path)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return errors.Wrapf(err, "proclock: failed to open %s", l.path)
	}

	how := unix.LOCK_EX
	if !block {
		how |= unix.LOCK_NB
	}

	if err := unix.Flock(int(file.Fd()), how); err != nil {
		file.Close()
		if err == unix.EWOULDBLOCK {
			return ErrContended
		}
		return errors.Wrapf(err, "proclock: failed to lock %s", l.path)
	}

	l.file = file
	return nil
}

// Release drops the lock. Releasing an unacquired lock is a no-op.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}

	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if err != nil {
		return errors.Wrapf(err, "proclock: failed to unlock %s", l.path)
	}
	return closeErr
}

// Held checks if this process currently holds the lock.
func (l *Lock) Held() bool {
	return l.file != nil
}
