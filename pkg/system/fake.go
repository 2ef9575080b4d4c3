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
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Fake is an in-memory System implementation for tests. The zero
// value is usable; populate Files, Filesystems and Kernel as needed.
type Fake struct {
	sync.Mutex

	// Files maps paths to file contents.
	Files map[string]string
	// FileSizes maps paths of sized files to their allocated size.
	FileSizes map[string]uint64
	// Filesystems maps path prefixes to filesystem profiles.
	Filesystems map[string]*FsProfile
	// Kernel is the reported kernel version.
	Kernel KernelVersion
	// Swaps are the currently active swap areas.
	Swaps []*SwapEntry
	// Commands records every command run, one argv per entry.
	Commands [][]string
	// CommandOutput maps command names to canned output.
	CommandOutput map[string]string
	// NoCow records paths marked no-copy-on-write.
	NoCow map[string]bool
	// Loops maps attached backing files to loop device paths.
	Loops map[string]string

	// Errors injected per operation name ("SwapOn", "CreateSizedFile", ...).
	Errs map[string]error

	nextLoop int
}

var _ System = &Fake{}

// NewFake returns an empty fake host.
func NewFake() *Fake {
	return &Fake{
		Files:         map[string]string{},
		FileSizes:     map[string]uint64{},
		Filesystems:   map[string]*FsProfile{},
		CommandOutput: map[string]string{},
		NoCow:         map[string]bool{},
		Loops:         map[string]string{},
		Errs:          map[string]error{},
	}
}

func (f *Fake) err(op string) error {
	if f.Errs == nil {
		return nil
	}
	return f.Errs[op]
}

func (f *Fake) ReadFile(path string) (string, error) {
	f.Lock()
	defer f.Unlock()
	if err := f.err("ReadFile"); err != nil {
		return "", err
	}
	data, ok := f.Files[path]
	if !ok {
		return "", &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}
	return data, nil
}

func (f *Fake) WriteFile(path, data string) error {
	f.Lock()
	defer f.Unlock()
	if err := f.err("WriteFile"); err != nil {
		return err
	}
	f.Files[path] = data
	return nil
}

func (f *Fake) RemoveFile(path string) error {
	f.Lock()
	defer f.Unlock()
	if err := f.err("RemoveFile"); err != nil {
		return err
	}
	if _, ok := f.Files[path]; !ok {
		if _, sized := f.FileSizes[path]; !sized {
			return &os.PathError{Op: "remove", Path: path, Err: os.ErrNotExist}
		}
	}
	delete(f.Files, path)
	delete(f.FileSizes, path)
	return nil
}

func (f *Fake) MakeDirs(path string, perm os.FileMode) error {
	return f.err("MakeDirs")
}

func (f *Fake) PathExists(path string) bool {
	f.Lock()
	defer f.Unlock()
	if _, ok := f.Files[path]; ok {
		return true
	}
	_, ok := f.FileSizes[path]
	return ok
}

func (f *Fake) RunCommand(name string, args ...string) (string, error) {
	f.Lock()
	defer f.Unlock()
	f.Commands = append(f.Commands, append([]string{name}, args...))
	if err := f.err("RunCommand"); err != nil {
		return "", err
	}
	return f.CommandOutput[name], nil
}

// RanCommand checks if a command with the given name was run.
func (f *Fake) RanCommand(name string) bool {
	f.Lock()
	defer f.Unlock()
	for _, argv := range f.Commands {
		if argv[0] == name {
			return true
		}
	}
	return false
}

func (f *Fake) StatFilesystem(path string) (*FsProfile, error) {
	f.Lock()
	defer f.Unlock()
	if err := f.err("StatFilesystem"); err != nil {
		return nil, err
	}

	var (
		best    string
		profile *FsProfile
	)
	for prefix, fs := range f.Filesystems {
		if strings.HasPrefix(path, prefix) && len(prefix) >= len(best) {
			best, profile = prefix, fs
		}
	}
	if profile == nil {
		return nil, fmt.Errorf("no filesystem for %s", path)
	}
	cp := *profile
	return &cp, nil
}

func (f *Fake) KernelVersion() (KernelVersion, error) {
	if err := f.err("KernelVersion"); err != nil {
		return KernelVersion{}, err
	}
	return f.Kernel, nil
}

func (f *Fake) LoadModule(name string, args ...string) error {
	f.Lock()
	defer f.Unlock()
	f.Commands = append(f.Commands, append([]string{"modprobe", name}, args...))
	return f.err("LoadModule")
}

func (f *Fake) CreateSizedFile(path string, size uint64) error {
	f.Lock()
	defer f.Unlock()
	if err := f.err("CreateSizedFile"); err != nil {
		return err
	}
	if _, ok := f.FileSizes[path]; ok {
		return &os.PathError{Op: "open", Path: path, Err: os.ErrExist}
	}
	f.FileSizes[path] = size
	if fs := f.fsFor(path); fs != nil {
		if fs.Free < size {
			delete(f.FileSizes, path)
			return fmt.Errorf("no space left on device")
		}
		fs.Free -= size
	}
	return nil
}

func (f *Fake) fsFor(path string) *FsProfile {
	var (
		best    string
		profile *FsProfile
	)
	for prefix, fs := range f.Filesystems {
		if strings.HasPrefix(path, prefix) && len(prefix) >= len(best) {
			best, profile = prefix, fs
		}
	}
	return profile
}

func (f *Fake) SetCowDisabled(path string) error {
	f.Lock()
	defer f.Unlock()
	if err := f.err("SetCowDisabled"); err != nil {
		return err
	}
	f.NoCow[path] = true
	return nil
}

func (f *Fake) AttachLoopDevice(file string) (string, error) {
	f.Lock()
	defer f.Unlock()
	if err := f.err("AttachLoopDevice"); err != nil {
		return "", err
	}
	dev := fmt.Sprintf("/dev/loop%d", f.nextLoop)
	f.nextLoop++
	f.Loops[file] = dev
	return dev, nil
}

func (f *Fake) DetachLoopDevice(dev string) error {
	f.Lock()
	defer f.Unlock()
	if err := f.err("DetachLoopDevice"); err != nil {
		return err
	}
	for file, d := range f.Loops {
		if d == dev {
			delete(f.Loops, file)
			return nil
		}
	}
	return fmt.Errorf("no such loop device %s", dev)
}

func (f *Fake) MakeSwap(path string) error {
	f.Lock()
	defer f.Unlock()
	f.Commands = append(f.Commands, []string{"mkswap", path})
	return f.err("MakeSwap")
}

func (f *Fake) SwapOn(path string, priority int) error {
	f.Lock()
	defer f.Unlock()
	if err := f.err("SwapOn"); err != nil {
		return err
	}

	size := f.FileSizes[path]
	f.Swaps = append(f.Swaps, &SwapEntry{
		Path:     path,
		Kind:     "file",
		Size:     size,
		Priority: priority,
	})
	return nil
}

func (f *Fake) SwapOff(path string) error {
	f.Lock()
	defer f.Unlock()
	if err := f.err("SwapOff"); err != nil {
		return err
	}
	for i, e := range f.Swaps {
		if e.Path == path {
			f.Swaps = append(f.Swaps[:i], f.Swaps[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%s is not active swap", path)
}

func (f *Fake) ActiveSwaps() ([]*SwapEntry, error) {
	f.Lock()
	defer f.Unlock()
	if err := f.err("ActiveSwaps"); err != nil {
		return nil, err
	}

	swaps := make([]*SwapEntry, 0, len(f.Swaps))
	for _, e := range f.Swaps {
		cp := *e
		swaps = append(swaps, &cp)
	}
	sort.Slice(swaps, func(i, j int) bool { return swaps[i].Path < swaps[j].Path })
	return swaps, nil
}
