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

// Package manager drives the adaptive swap control loop. Each cycle
// samples memory state under a cross-process lock, lets the chunk
// engine apply at most one structural action, then adapts the polling
// interval to the observed activity.
package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dynswap/swapd/pkg/config"
	"github.com/dynswap/swapd/pkg/healthz"
	xhttp "github.com/dynswap/swapd/pkg/http"
	logger "github.com/dynswap/swapd/pkg/log"
	"github.com/dynswap/swapd/pkg/meminfo"
	"github.com/dynswap/swapd/pkg/metrics"
	"github.com/dynswap/swapd/pkg/notify"
	"github.com/dynswap/swapd/pkg/proclock"
	"github.com/dynswap/swapd/pkg/swapfc"
	"github.com/dynswap/swapd/pkg/system"
	"github.com/dynswap/swapd/pkg/zram"
	"github.com/dynswap/swapd/pkg/zswap"
)

// Daemon configuration keys.
const (
	KeyWorkDir          = "work_dir"
	KeyLockBlock        = "lock_block"
	KeyHTTPEndpoint     = "http_endpoint"
	KeyDeactivateOnExit = "deactivate_on_exit"
)

func init() {
	config.Register(&config.Spec{Key: KeyWorkDir, Kind: config.String, Default: "/run/swapd"})
	config.Register(&config.Spec{Key: KeyLockBlock, Kind: config.Bool, Default: "no"})
	config.Register(&config.Spec{Key: KeyHTTPEndpoint, Kind: config.String, Default: ""})
	config.Register(&config.Spec{Key: KeyDeactivateOnExit, Kind: config.Bool, Default: "no"})
}

// Clock abstracts the loop's sleep so tests can run cycles without
// real delays.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type wallClock struct{}

func (wallClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Option is an option for creating a manager.
type Option func(*Manager)

// WithSystem overrides the host access implementation.
func WithSystem(sys system.System) Option {
	return func(m *Manager) {
		m.sys = sys
	}
}

// WithClock overrides the loop's clock.
func WithClock(clock Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// Manager owns the swap backends and runs the control loop over them.
type Manager struct {
	cfg   *config.Store
	sys   system.System
	log   logger.Logger
	clock Clock

	lock      *proclock.Lock
	lockBlock bool

	monitor *meminfo.Monitor
	zram    *zram.Manager
	zswap   *zswap.Manager
	swapfc  *swapfc.Engine
	fcCfg   *swapfc.Config
	poller  *Poller

	server   *xhttp.Server
	gatherer *metrics.Gatherer
	stats    *loopMetrics

	zramEnabled      bool
	zswapEnabled     bool
	swapfcEnabled    bool
	deactivateOnExit bool

	mu      sync.Mutex
	lastErr error
}

var healthzOnce sync.Once

// New creates a manager from the given validated configuration.
func New(cfg *config.Store, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:   cfg,
		log:   logger.NewLogger("manager"),
		clock: wallClock{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sys == nil {
		m.sys = system.NewSystem()
	}

	poller, err := NewPoller(cfg)
	if err != nil {
		return nil, err
	}
	m.poller = poller

	workDir := cfg.GetString(KeyWorkDir)
	m.lock = proclock.New(filepath.Join(workDir, "swapd.lock"))
	m.lockBlock = cfg.GetBool(KeyLockBlock)
	m.deactivateOnExit = cfg.GetBool(KeyDeactivateOnExit)

	m.monitor = meminfo.NewMonitor(m.sys)
	m.zram = zram.NewManager(m.sys)
	m.zswap = zswap.NewManager(m.sys)

	m.zramEnabled = cfg.GetBool(zram.KeyEnabled)
	m.zswapEnabled = cfg.GetBool(zswap.KeyEnabled)
	m.swapfcEnabled = cfg.GetBool(swapfc.KeyEnabled)

	if m.swapfcEnabled {
		fcCfg, err := swapfc.ParseConfig(cfg)
		if err != nil {
			return nil, err
		}
		fcCfg.StateDir = workDir

		engine, err := swapfc.NewEngine(m.sys, fcCfg)
		if err != nil {
			return nil, err
		}
		m.fcCfg = fcCfg
		m.swapfc = engine
	}

	m.stats = getLoopMetrics()
	return m, nil
}

// withLock runs fn while holding the cross-process swap lock. Every
// structural change outside the control loop goes through here so that
// one-shot invocations never race a running daemon's cycle.
func (m *Manager) withLock(fn func() error) error {
	if err := m.lock.Acquire(m.lockBlock); err != nil {
		if errors.Is(err, proclock.ErrContended) {
			return errors.Wrap(err, "swap state is being changed by another process")
		}
		return err
	}
	defer func() {
		if err := m.lock.Release(); err != nil {
			m.log.Error("failed to release swap lock: %v", err)
		}
	}()
	return fn()
}

// Setup provisions the configured backends. Called once, before Run.
func (m *Manager) Setup() error {
	snap, err := m.monitor.Sample()
	if err != nil {
		return err
	}

	if err := m.withLock(func() error { return m.provision(snap) }); err != nil {
		return err
	}

	if err := m.startInstrumentation(); err != nil {
		return err
	}

	notify.Ready()
	return nil
}

// provision brings up the configured backends. Callers hold the lock.
func (m *Manager) provision(snap *meminfo.Snapshot) error {
	if m.zramEnabled {
		// zram and zswap both compress swapped pages; running both
		// compresses twice, so zram takes precedence
		if m.zswap.Available() {
			if err := m.zswap.Disable(); err != nil {
				m.log.Warn("failed to disable zswap for zram: %v", err)
			} else {
				m.log.Info("zswap disabled, zram is enabled")
			}
		}
		if err := m.zram.Setup(m.cfg, snap.TotalRAM); err != nil {
			if errors.Is(err, zram.ErrUnavailable) {
				m.log.Error("zram backend unavailable: %v", err)
			} else {
				return err
			}
		}
	} else if m.zswapEnabled {
		if !m.zswap.Available() {
			m.log.Error("zswap backend unavailable, not compiled into this kernel")
		} else if err := m.zswap.Configure(m.cfg); err != nil {
			return err
		}
	}

	if m.swapfcEnabled {
		if err := m.swapfc.Setup(); err != nil {
			return err
		}
		if err := m.swapfc.Provision(); err != nil {
			return err
		}
		m.stats.chunks.Set(float64(m.swapfc.Count()))
		m.stats.chunkBytes.Set(float64(m.swapfc.TotalBytes()))
	}

	return nil
}

// Run drives the control loop until the context is cancelled. An
// in-flight cycle always completes before the loop exits.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info("entering control loop, base interval %s", m.poller.Interval())

	for {
		active := m.cycle()
		notify.Watchdog()

		interval := m.poller.Observe(active)
		m.log.Debug("next cycle in %s", interval)

		select {
		case <-ctx.Done():
			return m.shutdown()
		case <-m.clock.After(interval):
		}
	}
}

// cycle runs one iteration of the loop and reports whether any swap
// state was changed.
func (m *Manager) cycle() bool {
	if err := m.lock.Acquire(m.lockBlock); err != nil {
		if errors.Is(err, proclock.ErrContended) {
			m.log.Info("swap lock held by another process, skipping cycle")
		} else {
			m.log.Error("failed to acquire swap lock: %v", err)
		}
		m.setHealth(err)
		return false
	}
	defer func() {
		if err := m.lock.Release(); err != nil {
			m.log.Error("failed to release swap lock: %v", err)
		}
	}()

	m.stats.cycles.Inc()

	snap, err := m.monitor.Sample()
	if err != nil {
		m.log.Error("failed to sample memory state: %v", err)
		m.setHealth(err)
		return false
	}
	m.stats.observe(snap)
	m.setHealth(nil)

	active := false
	if m.swapfcEnabled {
		active = m.evaluateChunks(snap)
	}
	if !active {
		notify.Status("Monitoring memory status...")
	}
	return active
}

// evaluateChunks lets the chunk engine act on the current snapshot and
// reports whether it did.
func (m *Manager) evaluateChunks(snap *meminfo.Snapshot) bool {
	fs, err := m.sys.StatFilesystem(m.fcCfg.Path)
	if err != nil {
		m.log.Error("failed to stat filesystem of %s: %v", m.fcCfg.Path, err)
		m.setHealth(err)
		return false
	}

	action := m.swapfc.Evaluate(snap, fs)
	if action == swapfc.ActionNone {
		return false
	}

	switch action {
	case swapfc.ActionGrow:
		notify.Status("Allocating swap chunk...")
	case swapfc.ActionShrink:
		notify.Status("Removing unused swap chunk...")
	}

	performed, err := m.swapfc.Apply(action)
	if err != nil {
		// allocation failures are recoverable, the engine retries
		// on a later cycle
		m.log.Error("chunk %s failed: %v", action, err)
		m.setHealth(err)
		return false
	}
	if !performed {
		// a rate limited growth keeps the loop polling at the base
		// interval without counting an action that did not happen
		return true
	}

	m.stats.actions.WithLabelValues(action.String()).Inc()
	m.stats.chunks.Set(float64(m.swapfc.Count()))
	m.stats.chunkBytes.Set(float64(m.swapfc.TotalBytes()))
	return true
}

// shutdown finishes the loop after cancellation.
func (m *Manager) shutdown() error {
	m.log.Info("control loop cancelled, shutting down")
	notify.Stopping()

	if m.gatherer != nil {
		m.gatherer.Stop()
	}
	if m.server != nil {
		m.server.Stop()
	}

	if !m.deactivateOnExit {
		// provisioned swap deliberately outlives the daemon
		m.log.Info("leaving provisioned swap active")
		return nil
	}
	return m.Deactivate()
}

// Deactivate tears down every managed swap unit and restores saved
// zswap parameters. Used on shutdown when configured to clean up, and
// by one-shot stop invocations.
func (m *Manager) Deactivate() error {
	return m.withLock(m.deactivate)
}

func (m *Manager) deactivate() error {
	var errs *multierror.Error

	if m.swapfc != nil {
		if m.swapfc.Count() == 0 {
			// a one-shot invocation adopts chunks before tearing down
			if err := m.swapfc.Setup(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		if err := m.swapfc.Teardown(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if len(m.zram.Devices()) == 0 {
		if err := m.zram.Adopt(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := m.zram.Teardown(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if m.zswap.Available() {
		if err := m.zswap.Restore(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}

// Describe renders a human readable summary of the current swap state.
func (m *Manager) Describe() (string, error) {
	snap, err := m.monitor.Sample()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "RAM:  %s total, %s free (%d%%)\n",
		sizeString(snap.TotalRAM), sizeString(snap.FreeRAM), snap.FreeRAMPercent())
	fmt.Fprintf(&b, "Swap: %s total, %s free (%d%%)\n",
		sizeString(snap.TotalSwap), sizeString(snap.FreeSwap), snap.FreeSwapPercent())

	swaps, err := m.sys.ActiveSwaps()
	if err != nil {
		return "", err
	}
	if len(swaps) == 0 {
		b.WriteString("No active swap.\n")
	}
	for _, entry := range swaps {
		fmt.Fprintf(&b, "  %-32s %-10s %10s, %10s used, prio %d\n",
			entry.Path, entry.Kind, sizeString(entry.Size), sizeString(entry.Used), entry.Priority)
	}

	if m.zswap.Available() {
		if enabled, err := m.zswap.Enabled(); err == nil && enabled {
			if stats, err := m.zswap.Stats(); err == nil {
				fmt.Fprintf(&b, "Zswap: %s stored in a %s pool (%d%% of original size)\n",
					sizeString(stats.StoredBytes), sizeString(stats.PoolBytes),
					stats.CompressionPercent())
			}
		}
	}

	return b.String(), nil
}

func (m *Manager) setHealth(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err
}

func (m *Manager) healthCheck() (healthz.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastErr != nil {
		return healthz.Degraded, m.lastErr
	}
	return healthz.Healthy, nil
}

// startInstrumentation serves metrics and health checks when an HTTP
// endpoint is configured.
func (m *Manager) startInstrumentation() error {
	endpoint := m.cfg.GetString(KeyHTTPEndpoint)
	if endpoint == "" {
		return nil
	}

	m.server = xhttp.NewServer()
	mux := m.server.GetMux()

	healthz.Setup(mux)
	healthzOnce.Do(func() {
		healthz.RegisterHealthChecker("control-loop", m.healthCheck)
	})

	g, err := metrics.NewGatherer(metrics.WithMetrics([]string{"*"}, nil))
	if err != nil {
		return err
	}
	m.gatherer = g
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	return m.server.Start(endpoint)
}

func sizeString(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(bytes)/float64(div), "KMGT"[exp])
}
