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

// Package zram provisions compressed ramdisk swap devices.
//
// On kernels 4.7 and later a single device with the full configured
// size is used, the kernel parallelizes compression internally. Older
// kernels compress each device with a single stream, so the size is
// split evenly over several sequential devices instead.
package zram

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/dynswap/swapd/pkg/config"
	logger "github.com/dynswap/swapd/pkg/log"
	"github.com/dynswap/swapd/pkg/system"
)

const (
	// controlDir is the zram hot add/remove control directory.
	controlDir = "/sys/class/zram-control"
	// blockDir is the per-device sysfs directory prefix.
	blockDir = "/sys/block"
	// devPrefix is the device node prefix.
	devPrefix = "/dev/zram"
)

// Configuration keys.
const (
	KeyEnabled   = "zram_enabled"
	KeySize      = "zram_size"
	KeyAlgorithm = "zram_alg"
	KeyPriority  = "zram_prio"
	KeyCount     = "zram_count"
)

func init() {
	config.Register(&config.Spec{Key: KeyEnabled, Kind: config.Bool, Default: "no"})
	// empty size means total RAM
	config.Register(&config.Spec{Key: KeySize, Kind: config.String, Default: ""})
	config.Register(&config.Spec{Key: KeyAlgorithm, Kind: config.Enum, Default: "zstd",
		Enum: []string{"lzo", "lzo-rle", "lz4", "lz4hc", "zstd", "deflate", "842"}})
	config.Register(&config.Spec{Key: KeyPriority, Kind: config.Int, Default: "32767",
		Min: 1, Max: 32767})
	config.Register(&config.Spec{Key: KeyCount, Kind: config.Int, Default: "1",
		Min: 1, Max: 16})
}

// ErrUnavailable is returned when the zram module cannot be loaded.
var ErrUnavailable = errors.New("zram: kernel support unavailable")

// multiStreamVersion is the first kernel version where one device
// compresses with multiple streams.
var multiStreamVersion = system.KernelVersion{Major: 4, Minor: 7}

// Device is one provisioned zram device.
type Device struct {
	// ID is the kernel device number.
	ID int
	// Path is the device node path.
	Path string
	// Size is the uncompressed device size in bytes.
	Size uint64
}

// Stats aggregates mm_stat over all provisioned devices.
type Stats struct {
	// OrigBytes is the uncompressed size of the stored data.
	OrigBytes uint64
	// ComprBytes is the compressed size of the stored data.
	ComprBytes uint64
	// MemUsedBytes is the total memory used by the devices.
	MemUsedBytes uint64
}

// Manager provisions and tears down zram swap devices.
type Manager struct {
	sys     system.System
	log     logger.Logger
	devices []Device
}

// NewManager creates a zram manager over the given host.
func NewManager(sys system.System) *Manager {
	return &Manager{
		sys: sys,
		log: logger.NewLogger("zram"),
	}
}

// Devices returns the currently provisioned devices.
func (m *Manager) Devices() []Device {
	return m.devices
}

// plan computes the device layout for the given total size.
func plan(total uint64, count int64, kernel system.KernelVersion) []uint64 {
	if kernel.AtLeast(multiStreamVersion.Major, multiStreamVersion.Minor) {
		return []uint64{total}
	}

	sizes := make([]uint64, count)
	each := (total + uint64(count)/2) / uint64(count)
	for i := range sizes {
		sizes[i] = each
	}
	return sizes
}

// Setup provisions zram swap according to the configuration. totalRAM
// sizes the devices when no explicit size is configured.
func (m *Manager) Setup(cfg *config.Store, totalRAM uint64) error {
	kernel, err := m.sys.KernelVersion()
	if err != nil {
		return err
	}

	size := totalRAM
	if value := cfg.GetString(KeySize); value != "" {
		size, err = config.ParseSize(value)
		if err != nil {
			return errors.Wrap(err, "zram: invalid size")
		}
	}

	count, err := cfg.GetInt(KeyCount)
	if err != nil {
		return err
	}
	priority, err := cfg.GetInt(KeyPriority)
	if err != nil {
		return err
	}
	algorithm := cfg.GetString(KeyAlgorithm)

	if err := m.ensureModule(count, kernel); err != nil {
		return err
	}

	sizes := plan(size, count, kernel)
	m.log.Info("provisioning %d zram device(s), %d bytes total, algorithm %s",
		len(sizes), size, algorithm)

	for _, devSize := range sizes {
		dev, err := m.addDevice(devSize, algorithm, int(priority), kernel)
		if err != nil {
			teardownErr := m.Teardown()
			if teardownErr != nil {
				m.log.Error("teardown after failed setup: %v", teardownErr)
			}
			return err
		}
		m.devices = append(m.devices, dev)
	}

	return nil
}

// ensureModule makes sure the zram module is loaded.
func (m *Manager) ensureModule(count int64, kernel system.KernelVersion) error {
	if m.sys.PathExists(controlDir) {
		return nil
	}

	var args []string
	if !kernel.AtLeast(multiStreamVersion.Major, multiStreamVersion.Minor) {
		args = append(args, fmt.Sprintf("num_devices=%d", count))
	}
	if err := m.sys.LoadModule("zram", args...); err != nil {
		return errors.Wrap(ErrUnavailable, err.Error())
	}
	return nil
}

// addDevice allocates, sizes and activates one zram device.
func (m *Manager) addDevice(size uint64, algorithm string, priority int, kernel system.KernelVersion) (Device, error) {
	id, err := m.allocateID()
	if err != nil {
		return Device{}, err
	}

	dev := Device{
		ID:   id,
		Path: fmt.Sprintf("%s%d", devPrefix, id),
		Size: size,
	}
	block := fmt.Sprintf("%s/zram%d", blockDir, id)

	if err := m.sys.WriteFile(block+"/comp_algorithm", algorithm); err != nil {
		return Device{}, errors.Wrapf(err, "zram: failed to set algorithm on zram%d", id)
	}
	if err := m.sys.WriteFile(block+"/disksize", strconv.FormatUint(size, 10)); err != nil {
		return Device{}, errors.Wrapf(err, "zram: failed to size zram%d", id)
	}
	if err := m.sys.MakeSwap(dev.Path); err != nil {
		return Device{}, err
	}
	if err := m.sys.SwapOn(dev.Path, priority); err != nil {
		return Device{}, errors.Wrapf(err, "zram: failed to activate zram%d", id)
	}

	m.log.Info("activated %s, %d bytes, priority %d", dev.Path, size, priority)
	return dev, nil
}

// allocateID picks a free device number, preferring the hot_add
// control file, which also creates the device.
func (m *Manager) allocateID() (int, error) {
	if m.sys.PathExists(controlDir + "/hot_add") {
		data, err := m.sys.ReadFile(controlDir + "/hot_add")
		if err != nil {
			return -1, errors.Wrap(err, "zram: hot_add failed")
		}
		id, err := strconv.Atoi(strings.TrimSpace(data))
		if err != nil {
			return -1, errors.Wrapf(err, "zram: invalid hot_add result %q", data)
		}
		return id, nil
	}

	// Static devices from num_devices, next unused index is ours.
	return len(m.devices), nil
}

// Adopt takes over zram swap devices which are already active, for
// example after a daemon restart.
func (m *Manager) Adopt() error {
	swaps, err := m.sys.ActiveSwaps()
	if err != nil {
		return err
	}

	for _, entry := range swaps {
		if !strings.HasPrefix(entry.Path, devPrefix) {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(entry.Path, devPrefix))
		if err != nil {
			continue
		}
		m.devices = append(m.devices, Device{
			ID:   id,
			Path: entry.Path,
			Size: entry.Size,
		})
		m.log.Info("adopted active zram device %s", entry.Path)
	}

	return nil
}

// Teardown deactivates and removes all provisioned devices.
func (m *Manager) Teardown() error {
	var errs *multierror.Error

	for _, dev := range m.devices {
		if err := m.sys.SwapOff(dev.Path); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "zram: failed to deactivate %s", dev.Path))
			continue
		}

		block := fmt.Sprintf("%s/zram%d", blockDir, dev.ID)
		if err := m.sys.WriteFile(block+"/reset", "1"); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "zram: failed to reset zram%d", dev.ID))
		}
		if m.sys.PathExists(controlDir + "/hot_remove") {
			if err := m.sys.WriteFile(controlDir+"/hot_remove", strconv.Itoa(dev.ID)); err != nil {
				errs = multierror.Append(errs, errors.Wrapf(err, "zram: failed to remove zram%d", dev.ID))
			}
		}
		m.log.Info("removed %s", dev.Path)
	}

	m.devices = nil
	return errs.ErrorOrNil()
}

// Stats aggregates device statistics from mm_stat.
func (m *Manager) Stats() (*Stats, error) {
	stats := &Stats{}

	for _, dev := range m.devices {
		data, err := m.sys.ReadFile(fmt.Sprintf("%s/zram%d/mm_stat", blockDir, dev.ID))
		if err != nil {
			return nil, errors.Wrapf(err, "zram: failed to read mm_stat of zram%d", dev.ID)
		}

		fields := strings.Fields(data)
		if len(fields) < 3 {
			return nil, fmt.Errorf("zram: invalid mm_stat of zram%d: %q", dev.ID, data)
		}

		values := make([]uint64, 3)
		for i := 0; i < 3; i++ {
			values[i], err = strconv.ParseUint(fields[i], 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "zram: invalid mm_stat of zram%d", dev.ID)
			}
		}

		stats.OrigBytes += values[0]
		stats.ComprBytes += values[1]
		stats.MemUsedBytes += values[2]
	}

	return stats, nil
}
