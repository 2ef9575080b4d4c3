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

// Package swapfc implements the chunked swap file engine. Swap
// capacity is grown and shrunk one fixed-size file chunk at a time,
// between a configured minimum and maximum, driven by free swap
// watermarks and bounded by free disk space.
package swapfc

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/dynswap/swapd/pkg/config"
	logger "github.com/dynswap/swapd/pkg/log"
	"github.com/dynswap/swapd/pkg/meminfo"
	"github.com/dynswap/swapd/pkg/system"
)

// Configuration keys.
const (
	KeyEnabled        = "swapfc_enabled"
	KeyPath           = "swapfc_path"
	KeyChunkSize      = "swapfc_chunk_size"
	KeyMaxCount       = "swapfc_max_count"
	KeyMinCount       = "swapfc_min_count"
	KeyFreeSwapPerc   = "swapfc_free_swap_perc"
	KeyRemoveSwapPerc = "swapfc_remove_free_swap_perc"
	KeyFreeRAMPerc    = "swapfc_free_ram_perc"
	KeyPriority       = "swapfc_priority"
)

func init() {
	config.Register(&config.Spec{Key: KeyEnabled, Kind: config.Bool, Default: "yes"})
	config.Register(&config.Spec{Key: KeyPath, Kind: config.String, Default: "/var/lib/swapd/swapfc"})
	config.Register(&config.Spec{Key: KeyChunkSize, Kind: config.Size, Default: "512M", Min: 1})
	config.Register(&config.Spec{Key: KeyMaxCount, Kind: config.Int, Default: "16", Min: 1, Max: 32})
	config.Register(&config.Spec{Key: KeyMinCount, Kind: config.Int, Default: "0", Min: 0, Max: 32})
	config.Register(&config.Spec{Key: KeyFreeSwapPerc, Kind: config.Int, Default: "15", Min: 0, Max: 100})
	config.Register(&config.Spec{Key: KeyRemoveSwapPerc, Kind: config.Int, Default: "55", Min: 0, Max: 100})
	config.Register(&config.Spec{Key: KeyFreeRAMPerc, Kind: config.Int, Default: "35", Min: 0, Max: 100})
	config.Register(&config.Spec{Key: KeyPriority, Kind: config.Int, Default: "50", Min: 1, Max: 32767})
}

// Action is the structural decision of one evaluation.
type Action int

const (
	// ActionNone leaves the chunk pool as is.
	ActionNone Action = iota
	// ActionGrow allocates and activates one new chunk.
	ActionGrow
	// ActionShrink removes one unused chunk.
	ActionShrink
)

func (a Action) String() string {
	switch a {
	case ActionGrow:
		return "grow"
	case ActionShrink:
		return "shrink"
	}
	return "none"
}

// Strategy is how a chunk's backing file is allocated and activated.
type Strategy int

const (
	// StrategyDirect activates swap directly on the backing file.
	StrategyDirect Strategy = iota
	// StrategyNative activates swap on a file with copy-on-write
	// disabled, for btrfs with in-kernel swap file support.
	StrategyNative
	// StrategyLoop routes the backing file through a loop device,
	// for btrfs kernels without native swap file support.
	StrategyLoop
)

func (s Strategy) String() string {
	switch s {
	case StrategyNative:
		return "native-nocow"
	case StrategyLoop:
		return "loop"
	}
	return "direct"
}

// SelectStrategy picks the allocation strategy for the given backing
// filesystem and kernel. This is a pure function of its inputs.
func SelectStrategy(fsType string, kernel system.KernelVersion) Strategy {
	if fsType != "btrfs" {
		return StrategyDirect
	}
	if kernel.Major >= 5 {
		return StrategyNative
	}
	return StrategyLoop
}

// HasEnoughSpace checks the allocation headroom rule: after the new
// chunk is taken out of the free space, at least one more chunk's
// worth must remain as reserve.
func HasEnoughSpace(freeDisk, chunkSize uint64) bool {
	if freeDisk < chunkSize {
		return false
	}
	return freeDisk-chunkSize >= chunkSize
}

// AllocationError is a failed chunk allocation or activation. It is
// recoverable, the engine retries on the next cycle.
type AllocationError struct {
	Chunk string
	Err   error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("swapfc: allocation of %s failed: %v", e.Chunk, e.Err)
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

// ErrSpaceRace marks an allocation aborted because free disk space
// shrank below the headroom requirement between evaluation and
// allocation. Wrapped in an AllocationError, handled identically.
var ErrSpaceRace = errors.New("free space changed since evaluation")

// Config are the parsed chunk engine settings.
type Config struct {
	// Path is the directory holding the chunk files.
	Path string
	// ChunkSize is the size of every chunk in bytes.
	ChunkSize uint64
	// MaxCount and MinCount bound the chunk pool size.
	MaxCount int
	MinCount int
	// LowWatermark triggers growth when free swap drops below it.
	LowWatermark int
	// HighWatermark triggers shrinking when free swap exceeds it.
	HighWatermark int
	// FreeRAMBootstrap gates the first chunk: with an empty pool,
	// growth additionally requires free RAM below this percentage.
	FreeRAMBootstrap int
	// Priority is the swap priority of every chunk.
	Priority int
	// StateDir is where loop device associations are recorded so a
	// restarted instance can adopt loop-backed chunks. Empty disables
	// recording.
	StateDir string
}

// ParseConfig extracts and checks the chunk engine settings.
func ParseConfig(cfg *config.Store) (*Config, error) {
	chunkSize, err := cfg.GetSize(KeyChunkSize)
	if err != nil {
		return nil, err
	}
	maxCount, err := cfg.GetInt(KeyMaxCount)
	if err != nil {
		return nil, err
	}
	minCount, err := cfg.GetInt(KeyMinCount)
	if err != nil {
		return nil, err
	}
	low, err := cfg.GetInt(KeyFreeSwapPerc)
	if err != nil {
		return nil, err
	}
	high, err := cfg.GetInt(KeyRemoveSwapPerc)
	if err != nil {
		return nil, err
	}
	bootstrap, err := cfg.GetInt(KeyFreeRAMPerc)
	if err != nil {
		return nil, err
	}
	priority, err := cfg.GetInt(KeyPriority)
	if err != nil {
		return nil, err
	}

	if minCount > maxCount {
		return nil, &config.ValidationError{
			Key:    KeyMinCount,
			Value:  strconv.FormatInt(minCount, 10),
			Reason: fmt.Sprintf("exceeds %s (%d)", KeyMaxCount, maxCount),
		}
	}
	if low >= high {
		return nil, &config.ValidationError{
			Key:    KeyFreeSwapPerc,
			Value:  strconv.FormatInt(low, 10),
			Reason: fmt.Sprintf("watermarks overlap, must be below %s (%d)", KeyRemoveSwapPerc, high),
		}
	}

	return &Config{
		Path:             cfg.GetString(KeyPath),
		ChunkSize:        chunkSize,
		MaxCount:         int(maxCount),
		MinCount:         int(minCount),
		LowWatermark:     int(low),
		HighWatermark:    int(high),
		FreeRAMBootstrap: int(bootstrap),
		Priority:         int(priority),
	}, nil
}

// Chunk is one active swap file unit.
type Chunk struct {
	// Index is the ordinal of the chunk, starting from 1.
	Index int
	// Path is the backing file path.
	Path string
	// Size is the declared chunk size in bytes.
	Size uint64
	// Strategy is how the chunk was allocated.
	Strategy Strategy
	// LoopDev is the loop device path for loop-backed chunks.
	LoopDev string
}

// target returns the path swap is active on.
func (c *Chunk) target() string {
	if c.Strategy == StrategyLoop {
		return c.LoopDev
	}
	return c.Path
}

// Engine manages the pool of swap file chunks.
type Engine struct {
	sys     system.System
	log     logger.Logger
	cfg     *Config
	kernel  system.KernelVersion
	limiter *rate.Limiter
	chunks  []*Chunk
}

// NewEngine creates a chunk engine with the given configuration.
func NewEngine(sys system.System, cfg *Config) (*Engine, error) {
	kernel, err := sys.KernelVersion()
	if err != nil {
		return nil, err
	}

	return &Engine{
		sys:    sys,
		log:    logger.NewLogger("swapfc"),
		cfg:    cfg,
		kernel: kernel,
		// growth is capped at one chunk per second even if the
		// control loop is driven faster
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}, nil
}

// Chunks returns the active chunk set.
func (e *Engine) Chunks() []*Chunk {
	return e.chunks
}

// Count returns the number of active chunks.
func (e *Engine) Count() int {
	return len(e.chunks)
}

// TotalBytes returns the total declared size of the chunk pool.
func (e *Engine) TotalBytes() uint64 {
	var total uint64
	for _, c := range e.chunks {
		total += c.Size
	}
	return total
}

// Setup prepares the chunk directory, adopts chunks left over from a
// previous instance and deletes stale backing files.
func (e *Engine) Setup() error {
	if err := e.sys.MakeDirs(e.cfg.Path, 0o700); err != nil {
		return errors.Wrapf(err, "swapfc: failed to create %s", e.cfg.Path)
	}

	swaps, err := e.sys.ActiveSwaps()
	if err != nil {
		return err
	}

	loops := e.loadState()

	active := map[string]bool{}
	for _, entry := range swaps {
		// zram and foreign loop devices are owned by other
		// managers; ours are plain files under our directory or
		// loop devices recorded in the state file
		if entry.Kind != "file" {
			if file, ok := loops[entry.Path]; ok {
				index, err := strconv.Atoi(filepath.Base(file))
				if err != nil {
					continue
				}
				e.chunks = append(e.chunks, &Chunk{
					Index:    index,
					Path:     file,
					Size:     entry.Size,
					Strategy: StrategyLoop,
					LoopDev:  entry.Path,
				})
				active[file] = true
				e.log.Info("adopted active loop chunk %s on %s", file, entry.Path)
			}
			continue
		}
		if filepath.Dir(entry.Path) != e.cfg.Path {
			continue
		}
		index, err := strconv.Atoi(filepath.Base(entry.Path))
		if err != nil {
			e.log.Warn("ignoring foreign swap file %s", entry.Path)
			continue
		}
		e.chunks = append(e.chunks, &Chunk{
			Index:    index,
			Path:     entry.Path,
			Size:     entry.Size,
			Strategy: StrategyDirect,
		})
		active[entry.Path] = true
		e.log.Info("adopted active chunk %s", entry.Path)
	}

	// stale files from an unclean shutdown
	for index := 1; index <= e.cfg.MaxCount; index++ {
		path := e.chunkPath(index)
		if e.sys.PathExists(path) && !active[path] {
			e.log.Info("removing stale chunk file %s", path)
			if err := e.sys.RemoveFile(path); err != nil {
				return errors.Wrapf(err, "swapfc: failed to remove stale %s", path)
			}
		}
	}

	e.saveState()
	return nil
}

// Provision grows the pool up to the configured minimum chunk count.
func (e *Engine) Provision() error {
	for e.Count() < e.cfg.MinCount {
		if err := e.grow(); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate decides the next structural action from the given memory
// snapshot and backing filesystem profile.
func (e *Engine) Evaluate(snap *meminfo.Snapshot, fs *system.FsProfile) Action {
	freeSwap := snap.FreeSwapPercent()

	if freeSwap < e.cfg.LowWatermark {
		if e.Count() >= e.cfg.MaxCount {
			e.log.Debug("free swap %d%% below %d%% but chunk count at maximum %d",
				freeSwap, e.cfg.LowWatermark, e.cfg.MaxCount)
			return ActionNone
		}
		if !HasEnoughSpace(fs.Free, e.cfg.ChunkSize) {
			e.log.Warn("free swap %d%% below %d%% but only %d bytes free on %s, need %d",
				freeSwap, e.cfg.LowWatermark, fs.Free, e.cfg.Path, 2*e.cfg.ChunkSize)
			return ActionNone
		}
		if e.Count() == 0 && snap.FreeRAMPercent() >= e.cfg.FreeRAMBootstrap {
			// an empty pool is only bootstrapped under real
			// memory pressure
			return ActionNone
		}
		return ActionGrow
	}

	if freeSwap > e.cfg.HighWatermark && e.Count() > e.cfg.MinCount {
		if e.shrinkCandidate() != nil {
			return ActionShrink
		}
	}

	return ActionNone
}

// Apply performs the given action and reports whether it was carried
// out. A rate limited growth is deferred and reported as not
// performed. Allocation failures are returned as *AllocationError and
// are safe to retry on a later cycle.
func (e *Engine) Apply(action Action) (bool, error) {
	switch action {
	case ActionGrow:
		if !e.limiter.Allow() {
			e.log.Debug("chunk growth rate limited, deferring to next cycle")
			return false, nil
		}
		return true, e.grow()
	case ActionShrink:
		return true, e.shrink()
	}
	return false, nil
}

func (e *Engine) chunkPath(index int) string {
	return filepath.Join(e.cfg.Path, strconv.Itoa(index))
}

// nextIndex returns the lowest unused chunk ordinal.
func (e *Engine) nextIndex() int {
	used := map[int]bool{}
	for _, c := range e.chunks {
		used[c.Index] = true
	}
	for index := 1; ; index++ {
		if !used[index] {
			return index
		}
	}
}

// grow allocates, formats and activates one new chunk.
func (e *Engine) grow() error {
	index := e.nextIndex()
	path := e.chunkPath(index)

	fs, err := e.sys.StatFilesystem(e.cfg.Path)
	if err != nil {
		return &AllocationError{Chunk: path, Err: err}
	}
	// the world may have changed since Evaluate looked
	if !HasEnoughSpace(fs.Free, e.cfg.ChunkSize) {
		return &AllocationError{Chunk: path, Err: ErrSpaceRace}
	}

	strategy := SelectStrategy(fs.Type, e.kernel)
	e.log.Info("allocating chunk %d (%d bytes, %s on %s)",
		index, e.cfg.ChunkSize, strategy, fs.Type)

	if e.sys.PathExists(path) {
		if err := e.sys.RemoveFile(path); err != nil {
			return &AllocationError{Chunk: path, Err: err}
		}
	}

	chunk := &Chunk{
		Index:    index,
		Path:     path,
		Size:     e.cfg.ChunkSize,
		Strategy: strategy,
	}

	if err := e.allocate(chunk); err != nil {
		e.cleanup(chunk)
		return &AllocationError{Chunk: path, Err: err}
	}

	// the chunk joins the active set only once activation succeeded
	e.chunks = append(e.chunks, chunk)
	e.saveState()
	e.log.Info("activated chunk %s (%s)", chunk.target(), strategy)
	return nil
}

func (e *Engine) allocate(chunk *Chunk) error {
	if chunk.Strategy != StrategyDirect {
		// the no-copy-on-write attribute can only be set on an
		// empty file, so create it before sizing
		if err := e.sys.WriteFile(chunk.Path, ""); err != nil {
			return err
		}
		if err := e.sys.SetCowDisabled(chunk.Path); err != nil {
			return err
		}
	}

	if err := e.sys.CreateSizedFile(chunk.Path, chunk.Size); err != nil {
		return err
	}

	if chunk.Strategy == StrategyLoop {
		dev, err := e.sys.AttachLoopDevice(chunk.Path)
		if err != nil {
			return err
		}
		chunk.LoopDev = dev
	}

	if err := e.sys.MakeSwap(chunk.target()); err != nil {
		return err
	}
	return e.sys.SwapOn(chunk.target(), e.cfg.Priority)
}

// cleanup rolls back a partially allocated chunk.
func (e *Engine) cleanup(chunk *Chunk) {
	if chunk.LoopDev != "" {
		if err := e.sys.DetachLoopDevice(chunk.LoopDev); err != nil {
			e.log.Error("failed to detach %s of aborted chunk: %v", chunk.LoopDev, err)
		}
	}
	if e.sys.PathExists(chunk.Path) {
		if err := e.sys.RemoveFile(chunk.Path); err != nil {
			e.log.Error("failed to remove aborted chunk %s: %v", chunk.Path, err)
		}
	}
}

// shrinkCandidate returns the youngest chunk with no swapped pages,
// or nil if every chunk is in use.
func (e *Engine) shrinkCandidate() *Chunk {
	swaps, err := e.sys.ActiveSwaps()
	if err != nil {
		e.log.Error("failed to list active swap: %v", err)
		return nil
	}

	used := map[string]uint64{}
	for _, entry := range swaps {
		used[entry.Path] = entry.Used
	}

	var candidate *Chunk
	for _, chunk := range e.chunks {
		if used[chunk.target()] != 0 {
			continue
		}
		if candidate == nil || chunk.Index > candidate.Index {
			candidate = chunk
		}
	}
	return candidate
}

// shrink deactivates and removes one unused chunk.
func (e *Engine) shrink() error {
	chunk := e.shrinkCandidate()
	if chunk == nil {
		return nil
	}

	if err := e.remove(chunk); err != nil {
		return err
	}

	e.log.Info("removed chunk %d", chunk.Index)
	return nil
}

// remove deactivates the chunk, then tears down its backing store.
// Swap must go first so the kernel never sees active swap with a
// missing backing file.
func (e *Engine) remove(chunk *Chunk) error {
	if err := e.sys.SwapOff(chunk.target()); err != nil {
		return errors.Wrapf(err, "swapfc: failed to deactivate chunk %d", chunk.Index)
	}
	if chunk.LoopDev != "" {
		if err := e.sys.DetachLoopDevice(chunk.LoopDev); err != nil {
			return errors.Wrapf(err, "swapfc: failed to detach %s", chunk.LoopDev)
		}
	}
	if err := e.sys.RemoveFile(chunk.Path); err != nil {
		return errors.Wrapf(err, "swapfc: failed to remove %s", chunk.Path)
	}

	for i, c := range e.chunks {
		if c == chunk {
			e.chunks = append(e.chunks[:i], e.chunks[i+1:]...)
			break
		}
	}
	e.saveState()
	return nil
}

// Teardown deactivates and removes every chunk.
func (e *Engine) Teardown() error {
	for len(e.chunks) > 0 {
		if err := e.remove(e.chunks[len(e.chunks)-1]); err != nil {
			return err
		}
	}
	return nil
}

// UsedBytes returns the number of swapped bytes currently backed by
// the chunk pool.
func (e *Engine) UsedBytes() (uint64, error) {
	swaps, err := e.sys.ActiveSwaps()
	if err != nil {
		return 0, err
	}

	targets := map[string]bool{}
	for _, chunk := range e.chunks {
		targets[chunk.target()] = true
	}

	var used uint64
	for _, entry := range swaps {
		if targets[entry.Path] {
			used += entry.Used
		}
	}
	return used, nil
}
