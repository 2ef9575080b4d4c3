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

// Package system provides access to the parts of the host the swap
// manager touches: procfs and sysfs files, filesystems, loop devices
// and the swap syscalls. All backends go through the System interface
// so that they can be driven against a fake host in tests.
package system

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// KernelVersion is a parsed kernel release version.
type KernelVersion struct {
	Major int
	Minor int
}

// AtLeast returns true if the version is at least major.minor.
func (v KernelVersion) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

// String returns the version in major.minor notation.
func (v KernelVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// ParseKernelVersion parses a kernel release string such as
// "6.8.0-45-generic" into a KernelVersion.
func ParseKernelVersion(release string) (KernelVersion, error) {
	fields := strings.SplitN(strings.TrimSpace(release), ".", 3)
	if len(fields) < 2 {
		return KernelVersion{}, fmt.Errorf("invalid kernel release %q", release)
	}

	major, err := strconv.Atoi(fields[0])
	if err != nil {
		return KernelVersion{}, fmt.Errorf("invalid kernel release %q: %w", release, err)
	}

	minor, err := strconv.Atoi(strings.TrimFunc(fields[1], func(r rune) bool {
		return r < '0' || r > '9'
	}))
	if err != nil {
		return KernelVersion{}, fmt.Errorf("invalid kernel release %q: %w", release, err)
	}

	return KernelVersion{Major: major, Minor: minor}, nil
}

// FsProfile describes the filesystem backing a path.
type FsProfile struct {
	// Type is the filesystem type, for example "ext4" or "btrfs".
	Type string
	// Total is the total size of the filesystem in bytes.
	Total uint64
	// Free is the number of bytes available to unprivileged users.
	Free uint64
}

// SwapEntry is one active swap area as reported by the kernel.
type SwapEntry struct {
	// Path is the device or file path of the swap area.
	Path string
	// Kind is the swap area type, "file" or "partition".
	Kind string
	// Size is the size of the swap area in bytes.
	Size uint64
	// Used is the number of bytes in use in the swap area.
	Used uint64
	// Priority is the swap priority of the area.
	Priority int
}

// System is the host access interface of the swap manager.
type System interface {
	// ReadFile reads the given file and returns its contents.
	ReadFile(path string) (string, error)
	// WriteFile writes data to the given file, which must exist.
	WriteFile(path, data string) error
	// RemoveFile removes the given file.
	RemoveFile(path string) error
	// MakeDirs creates the given directory and any missing parents.
	MakeDirs(path string, perm os.FileMode) error
	// PathExists checks whether the given path exists.
	PathExists(path string) bool
	// RunCommand runs the given command and returns its trimmed output.
	RunCommand(name string, args ...string) (string, error)
	// StatFilesystem returns the profile of the filesystem backing path.
	StatFilesystem(path string) (*FsProfile, error)
	// KernelVersion returns the running kernel version.
	KernelVersion() (KernelVersion, error)
	// LoadModule loads the given kernel module.
	LoadModule(name string, args ...string) error
	// CreateSizedFile creates a file of the given size, fully allocated.
	CreateSizedFile(path string, size uint64) error
	// SetCowDisabled marks the given (empty) file no-copy-on-write.
	SetCowDisabled(path string) error
	// AttachLoopDevice attaches the file to a free loop device and
	// returns the device path.
	AttachLoopDevice(file string) (string, error)
	// DetachLoopDevice detaches the given loop device.
	DetachLoopDevice(dev string) error
	// MakeSwap formats the given path as swap space.
	MakeSwap(path string) error
	// SwapOn activates the given swap area with the given priority.
	SwapOn(path string, priority int) error
	// SwapOff deactivates the given swap area.
	SwapOff(path string) error
	// ActiveSwaps returns the currently active swap areas.
	ActiveSwaps() ([]*SwapEntry, error)
}

// parseProcSwaps parses the contents of /proc/swaps.
func parseProcSwaps(data string) ([]*SwapEntry, error) {
	var swaps []*SwapEntry

	for idx, line := range strings.Split(strings.TrimSpace(data), "\n") {
		if idx == 0 || strings.TrimSpace(line) == "" {
			// header line
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 5 {
			return nil, fmt.Errorf("invalid /proc/swaps line %q", line)
		}

		size, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid swap size in %q: %w", line, err)
		}
		used, err := strconv.ParseUint(fields[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid swap usage in %q: %w", line, err)
		}
		prio, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, fmt.Errorf("invalid swap priority in %q: %w", line, err)
		}

		swaps = append(swaps, &SwapEntry{
			Path:     fields[0],
			Kind:     fields[1],
			Size:     size * 1024,
			Used:     used * 1024,
			Priority: prio,
		})
	}

	return swaps, nil
}
