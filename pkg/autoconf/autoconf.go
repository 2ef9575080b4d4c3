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

// Package autoconf detects host capabilities and recommends a swap
// configuration matched to them: compressed RAM as the primary tier,
// with chunked disk swap as overflow when the disk can carry it.
package autoconf

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	logger "github.com/dynswap/swapd/pkg/log"
)

var log = logger.NewLogger("autoconf")

// Capabilities are the host facts the recommendation is based on.
type Capabilities struct {
	// FsType is the filesystem type backing the swap file directory.
	FsType string
	// FreeDisk is the free space on that filesystem in bytes.
	FreeDisk uint64
	// TotalRAM is total physical memory in bytes.
	TotalRAM uint64
	// CPUs is the number of logical processors.
	CPUs int
	// Kernel is the running kernel version string.
	Kernel string
	// Live marks ephemeral root filesystems (live media, overlays)
	// where disk swap would land in RAM anyway.
	Live bool
}

// Detect inspects the running host. path is the intended swap file
// directory; its filesystem decides whether disk swap is viable.
func Detect(path string) (*Capabilities, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, errors.Wrap(err, "autoconf: failed to read memory state")
	}

	usage, err := disk.Usage(path)
	if err != nil {
		// fall back to the root filesystem when the directory does
		// not exist yet
		usage, err = disk.Usage("/")
		if err != nil {
			return nil, errors.Wrapf(err, "autoconf: failed to stat %s", path)
		}
	}

	kernel, err := host.KernelVersion()
	if err != nil {
		log.Warn("failed to read kernel version: %v", err)
		kernel = "unknown"
	}

	caps := &Capabilities{
		FsType:   usage.Fstype,
		FreeDisk: usage.Free,
		TotalRAM: vm.Total,
		CPUs:     runtime.NumCPU(),
		Kernel:   kernel,
		Live:     isEphemeralFs(usage.Fstype),
	}

	log.Info("detected RAM %d MiB, %s with %d MiB free, kernel %s, %d CPUs",
		caps.TotalRAM>>20, caps.FsType, caps.FreeDisk>>20, caps.Kernel, caps.CPUs)
	if caps.Live {
		log.Info("ephemeral root filesystem, disk swap is pointless here")
	}

	return caps, nil
}

func isEphemeralFs(fsType string) bool {
	switch fsType {
	case "tmpfs", "squashfs", "overlay":
		return true
	}
	return false
}

// swapFileFilesystems can hold preallocated swap files.
func swapFileFilesystems(fsType string) bool {
	switch fsType {
	case "btrfs", "ext4", "xfs":
		return true
	}
	return false
}

// Setting is one recommended configuration entry.
type Setting struct {
	Key   string
	Value string
}

// Recommend derives a configuration from the detected capabilities.
// Zram sized at 150% of RAM is always the first tier; chunked disk
// swap is added when the filesystem supports swap files and has at
// least one RAM's worth of free space.
func Recommend(caps *Capabilities) []Setting {
	settings := []Setting{
		{"zram_enabled", "yes"},
		{"zram_alg", "zstd"},
		{"zram_prio", "32767"},
		{"zram_size", fmt.Sprintf("%dM", caps.TotalRAM*3/2>>20)},
	}

	if caps.Live || !swapFileFilesystems(caps.FsType) || caps.FreeDisk < caps.TotalRAM {
		settings = append(settings, Setting{"swapfc_enabled", "no"})
		return settings
	}

	return append(settings,
		Setting{"swapfc_enabled", "yes"},
		Setting{"swapfc_chunk_size", "512M"},
		Setting{"swapfc_max_count", "28"},
		Setting{"swapfc_min_count", "1"},
		Setting{"swapfc_free_ram_perc", "20"},
		Setting{"swapfc_free_swap_perc", "40"},
		Setting{"swapfc_remove_free_swap_perc", "70"},
	)
}

// Render formats the settings as a loadable configuration file.
func Render(settings []Setting) string {
	var b strings.Builder
	for _, s := range settings {
		fmt.Fprintf(&b, "%s=%s\n", s.Key, s.Value)
	}
	return b.String()
}
