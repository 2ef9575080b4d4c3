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

package system

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	logger "github.com/dynswap/swapd/pkg/log"
)

// allocChunk is the write granularity for zero-filling swap files.
const allocChunk = 4 * 1024 * 1024

// execCombinedOutput runs an external command, overridable in tests.
var execCombinedOutput = func(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// linuxSystem implements System against the running host. An optional
// root prefix redirects all file access, which tests use to point the
// implementation at a fake procfs tree.
type linuxSystem struct {
	root string
	log  logger.Logger
}

// NewSystem returns a System for the running host.
func NewSystem() System {
	return &linuxSystem{
		log: logger.NewLogger("system"),
	}
}

// NewSystemWithRoot returns a System with all file access redirected
// under the given root directory.
func NewSystemWithRoot(root string) System {
	return &linuxSystem{
		root: root,
		log:  logger.NewLogger("system"),
	}
}

func (s *linuxSystem) path(elems ...string) string {
	return filepath.Join(append([]string{s.root}, elems...)...)
}

func (s *linuxSystem) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(s.path(path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *linuxSystem) WriteFile(path, data string) error {
	return os.WriteFile(s.path(path), []byte(data), 0o644)
}

func (s *linuxSystem) RemoveFile(path string) error {
	return os.Remove(s.path(path))
}

func (s *linuxSystem) MakeDirs(path string, perm os.FileMode) error {
	return os.MkdirAll(s.path(path), perm)
}

func (s *linuxSystem) PathExists(path string) bool {
	_, err := os.Stat(s.path(path))
	return err == nil
}

func (s *linuxSystem) RunCommand(name string, args ...string) (string, error) {
	s.log.Debug("running command %s %s", name, strings.Join(args, " "))

	out, err := execCombinedOutput(name, args...)
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, errors.Wrapf(err, "command %s %s failed: %s",
			name, strings.Join(args, " "), output)
	}
	return output, nil
}

func (s *linuxSystem) StatFilesystem(path string) (*FsProfile, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(s.path(path), &st); err != nil {
		return nil, errors.Wrapf(err, "failed to stat filesystem of %s", path)
	}

	fsType, err := s.RunCommand("findmnt", "-n", "-o", "FSTYPE", "-T", s.path(path))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to determine filesystem type of %s", path)
	}

	return &FsProfile{
		Type:  fsType,
		Total: st.Blocks * uint64(st.Bsize),
		Free:  st.Bavail * uint64(st.Bsize),
	}, nil
}

func (s *linuxSystem) KernelVersion() (KernelVersion, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return KernelVersion{}, errors.Wrap(err, "failed to query kernel version")
	}
	return ParseKernelVersion(unix.ByteSliceToString(uts.Release[:]))
}

func (s *linuxSystem) LoadModule(name string, args ...string) error {
	_, err := s.RunCommand("modprobe", append([]string{name}, args...)...)
	return err
}

// CreateSizedFile allocates the file to the given size. The file may
// already exist empty, the swapfc engine pre-creates it to disable
// copy-on-write before any data is written.
func (s *linuxSystem) CreateSizedFile(path string, size uint64) error {
	f, err := os.OpenFile(s.path(path), os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	defer f.Close()

	// Prefer fallocate, fall back to zero-filling on filesystems
	// which do not support it. Either way the file must not be
	// sparse, the kernel rejects swap files with holes.
	err = unix.Fallocate(int(f.Fd()), 0, 0, int64(size))
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EOPNOTSUPP) && !errors.Is(err, unix.ENOSYS) {
		return errors.Wrapf(err, "failed to allocate %s", path)
	}

	buf := make([]byte, allocChunk)
	for left := size; left > 0; {
		n := uint64(len(buf))
		if left < n {
			n = left
		}
		if _, err := f.Write(buf[:n]); err != nil {
			return errors.Wrapf(err, "failed to zero-fill %s", path)
		}
		left -= n
	}

	return f.Sync()
}

func (s *linuxSystem) SetCowDisabled(path string) error {
	_, err := s.RunCommand("chattr", "+C", s.path(path))
	return err
}

func (s *linuxSystem) AttachLoopDevice(file string) (string, error) {
	// Direct I/O keeps the double caching of loop-backed swap in
	// check, but not all backing filesystems support it.
	dev, err := s.RunCommand("losetup", "-f", "--show", "--direct-io=on", s.path(file))
	if err != nil {
		s.log.Debug("losetup with direct-io failed, retrying without: %v", err)
		dev, err = s.RunCommand("losetup", "-f", "--show", s.path(file))
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to attach loop device for %s", file)
	}
	return dev, nil
}

func (s *linuxSystem) DetachLoopDevice(dev string) error {
	_, err := s.RunCommand("losetup", "-d", dev)
	return err
}

func (s *linuxSystem) MakeSwap(path string) error {
	_, err := s.RunCommand("mkswap", s.path(path))
	return err
}

func (s *linuxSystem) SwapOn(path string, priority int) error {
	_, err := s.RunCommand("swapon", "-p", strconv.Itoa(priority), s.path(path))
	return err
}

func (s *linuxSystem) SwapOff(path string) error {
	_, err := s.RunCommand("swapoff", s.path(path))
	return err
}

func (s *linuxSystem) ActiveSwaps() ([]*SwapEntry, error) {
	data, err := s.ReadFile("/proc/swaps")
	if err != nil {
		return nil, errors.Wrap(err, "failed to read /proc/swaps")
	}
	return parseProcSwaps(data)
}
