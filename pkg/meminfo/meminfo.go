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

// Package meminfo samples memory and swap pressure from /proc/meminfo.
package meminfo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	logger "github.com/dynswap/swapd/pkg/log"
	"github.com/dynswap/swapd/pkg/system"
)

// Snapshot is a point-in-time sample of memory and swap state.
// All sizes are in bytes.
type Snapshot struct {
	TotalRAM     uint64
	FreeRAM      uint64
	AvailableRAM uint64
	TotalSwap    uint64
	FreeSwap     uint64
}

// FreeRAMPercent returns free RAM as an integer percentage of total
// RAM.
func (s *Snapshot) FreeRAMPercent() int {
	return Percent(s.FreeRAM, s.TotalRAM)
}

// FreeSwapPercent returns free swap as an integer percentage of total
// swap. With no swap configured this is 0.
func (s *Snapshot) FreeSwapPercent() int {
	return Percent(s.FreeSwap, s.TotalSwap)
}

// UsedSwap returns the number of swap bytes in use.
func (s *Snapshot) UsedSwap() uint64 {
	if s.FreeSwap > s.TotalSwap {
		return 0
	}
	return s.TotalSwap - s.FreeSwap
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("RAM %d/%d free (%d%%), swap %d/%d free (%d%%)",
		s.FreeRAM, s.TotalRAM, s.FreeRAMPercent(),
		s.FreeSwap, s.TotalSwap, s.FreeSwapPercent())
}

// Percent returns part as an integer percentage of total, rounded
// half up. A zero total is treated as one to keep the division defined.
func Percent(part, total uint64) int {
	if total == 0 {
		total = 1
	}
	return int((part*100 + total/2) / total)
}

// Monitor samples memory state from the host.
type Monitor struct {
	sys system.System
	log logger.Logger
}

// NewMonitor creates a memory monitor over the given host.
func NewMonitor(sys system.System) *Monitor {
	return &Monitor{
		sys: sys,
		log: logger.NewLogger("meminfo"),
	}
}

// Sample reads and parses /proc/meminfo.
func (m *Monitor) Sample() (*Snapshot, error) {
	data, err := m.sys.ReadFile("/proc/meminfo")
	if err != nil {
		return nil, errors.Wrap(err, "failed to read /proc/meminfo")
	}

	snapshot, err := parseMeminfo(data)
	if err != nil {
		return nil, err
	}

	m.log.Debug("sampled %s", snapshot)
	return snapshot, nil
}

// parseMeminfo parses /proc/meminfo contents. Lines have the form
// "MemTotal:       16384000 kB", values without a unit are in bytes.
func parseMeminfo(data string) (*Snapshot, error) {
	fields := map[string]uint64{}

	for _, line := range strings.Split(data, "\n") {
		key, rest, found := strings.Cut(line, ":")
		if !found {
			continue
		}

		parts := strings.Fields(rest)
		if len(parts) == 0 {
			continue
		}
		value, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid /proc/meminfo line %q: %w", line, err)
		}
		if len(parts) > 1 && parts[1] == "kB" {
			value *= 1024
		}
		fields[strings.TrimSpace(key)] = value
	}

	for _, required := range []string{"MemTotal", "MemFree", "SwapTotal", "SwapFree"} {
		if _, ok := fields[required]; !ok {
			return nil, fmt.Errorf("missing %s in /proc/meminfo", required)
		}
	}

	available, ok := fields["MemAvailable"]
	if !ok {
		// Pre-3.14 kernels lack MemAvailable.
		available = fields["MemFree"]
	}

	return &Snapshot{
		TotalRAM:     fields["MemTotal"],
		FreeRAM:      fields["MemFree"],
		AvailableRAM: available,
		TotalSwap:    fields["SwapTotal"],
		FreeSwap:     fields["SwapFree"],
	}, nil
}
