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

// Package zswap tunes the kernel zswap compressed cache. The previous
// parameter values are recorded before any change so that they can be
// restored when the daemon shuts down.
package zswap

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/dynswap/swapd/pkg/config"
	logger "github.com/dynswap/swapd/pkg/log"
	"github.com/dynswap/swapd/pkg/meminfo"
	"github.com/dynswap/swapd/pkg/system"
)

const (
	// paramsDir holds the zswap module parameters.
	paramsDir = "/sys/module/zswap/parameters"
	// debugDir holds the zswap statistics in debugfs.
	debugDir = "/sys/kernel/debug/zswap"
	// pageSize converts stored_pages to bytes.
	pageSize = 4096
)

// Configuration keys.
const (
	KeyEnabled        = "zswap_enabled"
	KeyCompressor     = "zswap_compressor"
	KeyZpool          = "zswap_zpool"
	KeyMaxPoolPercent = "zswap_max_pool_percent"
)

func init() {
	config.Register(&config.Spec{Key: KeyEnabled, Kind: config.Bool, Default: "yes"})
	config.Register(&config.Spec{Key: KeyCompressor, Kind: config.Enum, Default: "zstd",
		Enum: []string{"lzo", "lzo-rle", "lz4", "lz4hc", "zstd", "deflate", "842"}})
	config.Register(&config.Spec{Key: KeyZpool, Kind: config.Enum, Default: "z3fold",
		Enum: []string{"zbud", "z3fold", "zsmalloc"}})
	config.Register(&config.Spec{Key: KeyMaxPoolPercent, Kind: config.Int, Default: "25",
		Min: 1, Max: 99})
}

// ErrUnavailable is returned when the kernel was built without zswap.
var ErrUnavailable = errors.New("zswap: kernel support unavailable")

// parameters we manage, in the order they are applied.
var managedParams = []string{"enabled", "compressor", "zpool", "max_pool_percent"}

// Stats is a sample of zswap pool usage.
type Stats struct {
	// StoredBytes is the uncompressed size of the cached pages.
	StoredBytes uint64
	// PoolBytes is the compressed pool size.
	PoolBytes uint64
}

// CompressionPercent returns the pool size as an integer percentage
// of the stored data, lower is better.
func (s *Stats) CompressionPercent() int {
	return meminfo.Percent(s.PoolBytes, s.StoredBytes)
}

// Manager configures the zswap backend.
type Manager struct {
	sys    system.System
	log    logger.Logger
	backup map[string]string
}

// NewManager creates a zswap manager over the given host.
func NewManager(sys system.System) *Manager {
	return &Manager{
		sys: sys,
		log: logger.NewLogger("zswap"),
	}
}

// Available checks if the kernel exposes zswap parameters.
func (m *Manager) Available() bool {
	return m.sys.PathExists(paramsDir + "/enabled")
}

// Enabled checks if zswap is currently turned on.
func (m *Manager) Enabled() (bool, error) {
	value, err := m.readParam("enabled")
	if err != nil {
		return false, err
	}
	return value == "Y" || value == "1", nil
}

// Configure applies the configured zswap parameters. The previous
// values are backed up for Restore. Zswap is kept disabled while the
// other parameters are written.
func (m *Manager) Configure(cfg *config.Store) error {
	if !m.Available() {
		return ErrUnavailable
	}

	if err := m.saveBackup(); err != nil {
		return err
	}

	maxPool, err := cfg.GetInt(KeyMaxPoolPercent)
	if err != nil {
		return err
	}

	params := []struct{ name, value string }{
		{"enabled", "N"},
		{"compressor", cfg.GetString(KeyCompressor)},
		{"zpool", cfg.GetString(KeyZpool)},
		{"max_pool_percent", strconv.FormatInt(maxPool, 10)},
		{"enabled", "Y"},
	}

	for _, p := range params {
		if err := m.writeParam(p.name, p.value); err != nil {
			return err
		}
	}

	m.log.Info("enabled zswap with compressor %s, zpool %s, max pool %d%%",
		cfg.GetString(KeyCompressor), cfg.GetString(KeyZpool), maxPool)

	return nil
}

// Disable turns zswap off, recording the previous parameter values if
// no backup has been taken yet. The zram backend calls this, zswap on
// top of a compressed ramdisk would compress twice.
func (m *Manager) Disable() error {
	if !m.Available() {
		return nil
	}
	if err := m.saveBackup(); err != nil {
		return err
	}

	enabled, err := m.Enabled()
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}

	m.log.Info("disabling zswap")
	return m.writeParam("enabled", "N")
}

// Restore writes back the parameter values recorded before the first
// configuration change. Without a backup this is a no-op.
func (m *Manager) Restore() error {
	if m.backup == nil {
		return nil
	}

	m.log.Info("restoring previous zswap parameters")
	for _, name := range managedParams {
		value, ok := m.backup[name]
		if !ok {
			continue
		}
		if err := m.writeParam(name, value); err != nil {
			return err
		}
	}

	m.backup = nil
	return nil
}

// Stats samples zswap pool usage from debugfs.
func (m *Manager) Stats() (*Stats, error) {
	stored, err := m.readDebugValue("stored_pages")
	if err != nil {
		return nil, err
	}
	pool, err := m.readDebugValue("pool_total_size")
	if err != nil {
		return nil, err
	}

	return &Stats{
		StoredBytes: stored * pageSize,
		PoolBytes:   pool,
	}, nil
}

func (m *Manager) saveBackup() error {
	if m.backup != nil {
		return nil
	}

	backup := map[string]string{}
	for _, name := range managedParams {
		if !m.sys.PathExists(paramsDir + "/" + name) {
			// older kernels lack some parameters, skip them
			m.log.Warn("zswap parameter %s not present, not backing it up", name)
			continue
		}
		value, err := m.readParam(name)
		if err != nil {
			return err
		}
		backup[name] = value
	}

	m.backup = backup
	m.log.Debug("backed up zswap parameters: %v", backup)
	return nil
}

func (m *Manager) readParam(name string) (string, error) {
	value, err := m.sys.ReadFile(paramsDir + "/" + name)
	if err != nil {
		return "", errors.Wrapf(err, "zswap: failed to read parameter %s", name)
	}
	return strings.TrimSpace(value), nil
}

func (m *Manager) writeParam(name, value string) error {
	if err := m.sys.WriteFile(paramsDir+"/"+name, value); err != nil {
		return errors.Wrapf(err, "zswap: failed to set parameter %s to %q", name, value)
	}
	return nil
}

func (m *Manager) readDebugValue(name string) (uint64, error) {
	data, err := m.sys.ReadFile(debugDir + "/" + name)
	if err != nil {
		return 0, errors.Wrapf(err, "zswap: failed to read statistic %s", name)
	}
	value, err := strconv.ParseUint(strings.TrimSpace(data), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "zswap: invalid statistic %s", name)
	}
	return value, nil
}
