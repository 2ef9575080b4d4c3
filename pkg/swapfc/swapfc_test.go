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

package swapfc

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/dynswap/swapd/pkg/config"
	"github.com/dynswap/swapd/pkg/meminfo"
	"github.com/dynswap/swapd/pkg/system"
)

func testConfig() *Config {
	return &Config{
		Path:             "/var/lib/swapd/swapfc",
		ChunkSize:        256 << 20,
		MaxCount:         8,
		MinCount:         0,
		LowWatermark:     15,
		HighWatermark:    55,
		FreeRAMBootstrap: 35,
		Priority:         50,
	}
}

func testEngine(t *testing.T, fake *system.Fake, cfg *Config) *Engine {
	e, err := NewEngine(fake, cfg)
	require.NoError(t, err)
	return e
}

func fakeHost() *system.Fake {
	fake := system.NewFake()
	fake.Kernel = system.KernelVersion{Major: 6, Minor: 1}
	fake.Filesystems["/var"] = &system.FsProfile{Type: "ext4", Total: 20 << 30, Free: 10 << 30}
	return fake
}

// snapshot builds a memory state with the given free swap and free
// RAM percentages.
func snapshot(freeSwapPct, freeRAMPct int) *meminfo.Snapshot {
	return &meminfo.Snapshot{
		TotalRAM:  100 << 20,
		FreeRAM:   uint64(freeRAMPct) << 20,
		TotalSwap: 100 << 20,
		FreeSwap:  uint64(freeSwapPct) << 20,
	}
}

func TestSelectStrategy(t *testing.T) {
	cases := []struct {
		fsType   string
		kernel   system.KernelVersion
		strategy Strategy
	}{
		{fsType: "ext4", kernel: system.KernelVersion{Major: 4, Minor: 4}, strategy: StrategyDirect},
		{fsType: "ext4", kernel: system.KernelVersion{Major: 6, Minor: 1}, strategy: StrategyDirect},
		{fsType: "xfs", kernel: system.KernelVersion{Major: 5, Minor: 10}, strategy: StrategyDirect},
		{fsType: "btrfs", kernel: system.KernelVersion{Major: 5, Minor: 0}, strategy: StrategyNative},
		{fsType: "btrfs", kernel: system.KernelVersion{Major: 6, Minor: 8}, strategy: StrategyNative},
		{fsType: "btrfs", kernel: system.KernelVersion{Major: 4, Minor: 19}, strategy: StrategyLoop},
	}

	for _, c := range cases {
		t.Run(fmt.Sprintf("%s-%s", c.fsType, c.kernel), func(t *testing.T) {
			require.Equal(t, c.strategy, SelectStrategy(c.fsType, c.kernel))
		})
	}
}

func TestHasEnoughSpace(t *testing.T) {
	// after subtracting the chunk, one more chunk must remain free
	require.True(t, HasEnoughSpace(800<<20, 256<<20))
	require.False(t, HasEnoughSpace(200<<20, 256<<20))
	require.True(t, HasEnoughSpace(512<<20, 256<<20))
	require.False(t, HasEnoughSpace(511<<20, 256<<20))
	require.False(t, HasEnoughSpace(0, 256<<20))
}

func TestEvaluateGrow(t *testing.T) {
	fake := fakeHost()
	e := testEngine(t, fake, testConfig())
	// a non-empty pool skips the bootstrap RAM gate
	e.chunks = []*Chunk{{Index: 1, Path: e.chunkPath(1), Size: 256 << 20}}

	fs := &system.FsProfile{Type: "ext4", Free: 10 << 30}

	require.Equal(t, ActionGrow, e.Evaluate(snapshot(10, 90), fs))
	// at the watermark is not below it
	require.Equal(t, ActionNone, e.Evaluate(snapshot(15, 90), fs))
	// no disk headroom
	require.Equal(t, ActionNone, e.Evaluate(snapshot(10, 90), &system.FsProfile{Type: "ext4", Free: 200 << 20}))
}

func TestEvaluateGrowAtMaxCount(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCount = 2
	e := testEngine(t, fakeHost(), cfg)
	e.chunks = []*Chunk{
		{Index: 1, Path: e.chunkPath(1)},
		{Index: 2, Path: e.chunkPath(2)},
	}

	fs := &system.FsProfile{Type: "ext4", Free: 10 << 30}
	require.Equal(t, ActionNone, e.Evaluate(snapshot(5, 90), fs))
}

func TestEvaluateBootstrapGate(t *testing.T) {
	fake := fakeHost()
	e := testEngine(t, fake, testConfig())
	fs := &system.FsProfile{Type: "ext4", Free: 10 << 30}

	// empty pool, plenty of free RAM: no swap needed yet
	require.Equal(t, ActionNone, e.Evaluate(snapshot(0, 90), fs))
	// empty pool under memory pressure: bootstrap
	require.Equal(t, ActionGrow, e.Evaluate(snapshot(0, 20), fs))
}

func TestEvaluateShrink(t *testing.T) {
	fake := fakeHost()
	e := testEngine(t, fake, testConfig())
	e.chunks = []*Chunk{
		{Index: 1, Path: e.chunkPath(1), Size: 256 << 20},
		{Index: 2, Path: e.chunkPath(2), Size: 256 << 20},
	}
	fake.Swaps = []*system.SwapEntry{
		{Path: e.chunkPath(1), Kind: "file", Size: 256 << 20, Used: 64 << 20},
		{Path: e.chunkPath(2), Kind: "file", Size: 256 << 20, Used: 0},
	}

	fs := &system.FsProfile{Type: "ext4", Free: 10 << 30}

	require.Equal(t, ActionShrink, e.Evaluate(snapshot(80, 90), fs))
	// at the watermark is not above it
	require.Equal(t, ActionNone, e.Evaluate(snapshot(55, 90), fs))

	// all chunks in use: nothing to shrink
	fake.Swaps[1].Used = 1 << 20
	require.Equal(t, ActionNone, e.Evaluate(snapshot(80, 90), fs))
}

func TestEvaluateShrinkRespectsMinCount(t *testing.T) {
	cfg := testConfig()
	cfg.MinCount = 1
	fake := fakeHost()
	e := testEngine(t, fake, cfg)
	e.chunks = []*Chunk{{Index: 1, Path: e.chunkPath(1), Size: 256 << 20}}
	fake.Swaps = []*system.SwapEntry{
		{Path: e.chunkPath(1), Kind: "file", Size: 256 << 20, Used: 0},
	}

	fs := &system.FsProfile{Type: "ext4", Free: 10 << 30}
	require.Equal(t, ActionNone, e.Evaluate(snapshot(90, 90), fs))
}

func TestGrowShrinkExclusive(t *testing.T) {
	fake := fakeHost()
	e := testEngine(t, fake, testConfig())
	e.chunks = []*Chunk{{Index: 1, Path: e.chunkPath(1), Size: 256 << 20}}
	fake.Swaps = []*system.SwapEntry{
		{Path: e.chunkPath(1), Kind: "file", Size: 256 << 20, Used: 0},
	}

	fs := &system.FsProfile{Type: "ext4", Free: 10 << 30}
	for pct := 0; pct <= 100; pct += 5 {
		action := e.Evaluate(snapshot(pct, 90), fs)
		growable := pct < 15
		shrinkable := pct > 55
		require.False(t, growable && shrinkable, "watermarks overlap at %d%%", pct)
		switch action {
		case ActionGrow:
			require.True(t, growable, "unexpected grow at %d%% free swap", pct)
		case ActionShrink:
			require.True(t, shrinkable, "unexpected shrink at %d%% free swap", pct)
		}
	}
}

func TestApplyGrowActivatesChunk(t *testing.T) {
	fake := fakeHost()
	e := testEngine(t, fake, testConfig())

	performed, err := e.Apply(ActionGrow)
	require.NoError(t, err)
	require.True(t, performed)
	require.Equal(t, 1, e.Count())

	chunk := e.Chunks()[0]
	require.Equal(t, 1, chunk.Index)
	require.Equal(t, "/var/lib/swapd/swapfc/1", chunk.Path)
	require.Equal(t, StrategyDirect, chunk.Strategy)

	swaps, err := fake.ActiveSwaps()
	require.NoError(t, err)
	require.Len(t, swaps, 1)
	require.Equal(t, chunk.Path, swaps[0].Path)
	require.Equal(t, 50, swaps[0].Priority)
	require.True(t, fake.RanCommand("mkswap"))
}

func TestApplyGrowOnBtrfsNative(t *testing.T) {
	fake := fakeHost()
	fake.Filesystems["/var"] = &system.FsProfile{Type: "btrfs", Total: 20 << 30, Free: 10 << 30}
	e := testEngine(t, fake, testConfig())

	performed, err := e.Apply(ActionGrow)
	require.NoError(t, err)
	require.True(t, performed)
	require.Equal(t, 1, e.Count())

	chunk := e.Chunks()[0]
	require.Equal(t, StrategyNative, chunk.Strategy)
	require.True(t, fake.NoCow[chunk.Path], "copy-on-write disabled")
	require.Empty(t, chunk.LoopDev)
}

func TestApplyGrowOnBtrfsLoop(t *testing.T) {
	fake := fakeHost()
	fake.Kernel = system.KernelVersion{Major: 4, Minor: 19}
	fake.Filesystems["/var"] = &system.FsProfile{Type: "btrfs", Total: 20 << 30, Free: 10 << 30}
	e := testEngine(t, fake, testConfig())

	performed, err := e.Apply(ActionGrow)
	require.NoError(t, err)
	require.True(t, performed)
	require.Equal(t, 1, e.Count())

	chunk := e.Chunks()[0]
	require.Equal(t, StrategyLoop, chunk.Strategy)
	require.Equal(t, "/dev/loop0", chunk.LoopDev)
	require.True(t, fake.NoCow[chunk.Path])

	// swap is active on the loop device, not the file
	swaps, err := fake.ActiveSwaps()
	require.NoError(t, err)
	require.Len(t, swaps, 1)
	require.Equal(t, "/dev/loop0", swaps[0].Path)
}

func TestGrowActivationFailureRollsBack(t *testing.T) {
	fake := fakeHost()
	fake.Errs["SwapOn"] = errors.New("swapon: invalid argument")
	e := testEngine(t, fake, testConfig())

	err := e.grow()
	require.Error(t, err)

	var allocErr *AllocationError
	require.ErrorAs(t, err, &allocErr)

	// nothing registered, nothing left behind
	require.Zero(t, e.Count())
	require.False(t, fake.PathExists("/var/lib/swapd/swapfc/1"))
}

func TestGrowSpaceRace(t *testing.T) {
	fake := fakeHost()
	fake.Filesystems["/var"] = &system.FsProfile{Type: "ext4", Total: 20 << 30, Free: 300 << 20}
	e := testEngine(t, fake, testConfig())

	err := e.grow()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSpaceRace)
	require.Zero(t, e.Count())
}

func TestShrinkRemovesUnusedChunkOnly(t *testing.T) {
	fake := fakeHost()
	e := testEngine(t, fake, testConfig())

	require.NoError(t, e.grow())
	require.NoError(t, e.grow())
	require.Equal(t, 2, e.Count())

	// chunk 1 holds swapped pages, chunk 2 is idle
	fake.Swaps[0].Used = 10 << 20

	performed, err := e.Apply(ActionShrink)
	require.NoError(t, err)
	require.True(t, performed)
	require.Equal(t, 1, e.Count())
	require.Equal(t, 1, e.Chunks()[0].Index)
	require.False(t, fake.PathExists("/var/lib/swapd/swapfc/2"))
}

func TestApplyGrowRateLimited(t *testing.T) {
	fake := fakeHost()
	e := testEngine(t, fake, testConfig())

	performed, err := e.Apply(ActionGrow)
	require.NoError(t, err)
	require.True(t, performed)

	// a second growth within the limiter window is deferred
	performed, err = e.Apply(ActionGrow)
	require.NoError(t, err)
	require.False(t, performed)
	require.Equal(t, 1, e.Count())
}

func TestSetupAdoptsOwnChunks(t *testing.T) {
	fake := fakeHost()
	fake.Swaps = []*system.SwapEntry{
		{Path: "/var/lib/swapd/swapfc/1", Kind: "file", Size: 256 << 20, Used: 0},
		{Path: "/dev/zram0", Kind: "partition", Size: 4 << 30, Used: 0},
		{Path: "/dev/loop3", Kind: "partition", Size: 1 << 30, Used: 0},
		{Path: "/swapfile", Kind: "file", Size: 1 << 30, Used: 0},
	}
	fake.FileSizes["/var/lib/swapd/swapfc/1"] = 256 << 20
	// stale leftover from an unclean shutdown
	fake.FileSizes["/var/lib/swapd/swapfc/2"] = 256 << 20

	e := testEngine(t, fake, testConfig())
	require.NoError(t, e.Setup())

	require.Equal(t, 1, e.Count())
	require.Equal(t, "/var/lib/swapd/swapfc/1", e.Chunks()[0].Path)
	require.False(t, fake.PathExists("/var/lib/swapd/swapfc/2"), "stale chunk removed")
}

func TestSetupAdoptsLoopChunksFromState(t *testing.T) {
	cfg := testConfig()
	cfg.StateDir = "/run/swapd"
	fake := fakeHost()
	fake.Files["/run/swapd/swapfc.state"] = "/dev/loop2 /var/lib/swapd/swapfc/1\n"
	fake.Swaps = []*system.SwapEntry{
		{Path: "/dev/loop2", Kind: "partition", Size: 256 << 20, Used: 0},
	}
	fake.FileSizes["/var/lib/swapd/swapfc/1"] = 256 << 20

	e := testEngine(t, fake, cfg)
	require.NoError(t, e.Setup())

	require.Equal(t, 1, e.Count())
	chunk := e.Chunks()[0]
	require.Equal(t, StrategyLoop, chunk.Strategy)
	require.Equal(t, "/dev/loop2", chunk.LoopDev)
	require.Equal(t, "/var/lib/swapd/swapfc/1", chunk.Path)
}

func TestGrowRecordsLoopAssociation(t *testing.T) {
	cfg := testConfig()
	cfg.StateDir = "/run/swapd"
	fake := fakeHost()
	fake.Kernel = system.KernelVersion{Major: 4, Minor: 19}
	fake.Filesystems["/var"] = &system.FsProfile{Type: "btrfs", Total: 20 << 30, Free: 10 << 30}

	e := testEngine(t, fake, cfg)
	require.NoError(t, e.grow())

	require.Equal(t, "/dev/loop0 /var/lib/swapd/swapfc/1\n",
		fake.Files["/run/swapd/swapfc.state"])
}

func TestProvisionToMinCount(t *testing.T) {
	cfg := testConfig()
	cfg.MinCount = 3
	fake := fakeHost()
	e := testEngine(t, fake, cfg)

	require.NoError(t, e.Provision())
	require.Equal(t, 3, e.Count())
	require.Equal(t, uint64(3*256<<20), e.TotalBytes())
}

func TestTeardown(t *testing.T) {
	fake := fakeHost()
	e := testEngine(t, fake, testConfig())
	require.NoError(t, e.grow())
	require.NoError(t, e.grow())

	require.NoError(t, e.Teardown())
	require.Zero(t, e.Count())

	swaps, err := fake.ActiveSwaps()
	require.NoError(t, err)
	require.Empty(t, swaps)
}

func TestParseConfig(t *testing.T) {
	cfg := config.NewStore()
	cfg.Set(KeyChunkSize, "256M")
	cfg.Set(KeyMaxCount, "8")
	require.NoError(t, cfg.Validate())

	parsed, err := ParseConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, uint64(256<<20), parsed.ChunkSize)
	require.Equal(t, 8, parsed.MaxCount)
	require.Equal(t, 15, parsed.LowWatermark)
	require.Equal(t, 55, parsed.HighWatermark)
}

func TestParseConfigRejectsOverlappingWatermarks(t *testing.T) {
	cfg := config.NewStore()
	cfg.Set(KeyFreeSwapPerc, "60")
	cfg.Set(KeyRemoveSwapPerc, "55")

	_, err := ParseConfig(cfg)
	require.Error(t, err)

	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, KeyFreeSwapPerc, verr.Key)
}

func TestParseConfigRejectsMinAboveMax(t *testing.T) {
	cfg := config.NewStore()
	cfg.Set(KeyMinCount, "8")
	cfg.Set(KeyMaxCount, "4")

	_, err := ParseConfig(cfg)
	require.Error(t, err)
}
