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
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestParseKernelVersion(t *testing.T) {
	cases := []struct {
		release string
		version KernelVersion
		fail    bool
	}{
		{release: "6.8.0-45-generic", version: KernelVersion{6, 8}},
		{release: "5.15.0", version: KernelVersion{5, 15}},
		{release: "4.6.7-300.fc24.x86_64", version: KernelVersion{4, 6}},
		{release: "4.7", version: KernelVersion{4, 7}},
		{release: "5.4.0-rc1", version: KernelVersion{5, 4}},
		{release: "bogus", fail: true},
		{release: "", fail: true},
	}

	for _, c := range cases {
		t.Run(c.release, func(t *testing.T) {
			v, err := ParseKernelVersion(c.release)
			if c.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, c.version, v)
		})
	}
}

func TestKernelVersionAtLeast(t *testing.T) {
	v := KernelVersion{Major: 4, Minor: 7}

	require.True(t, v.AtLeast(4, 7))
	require.True(t, v.AtLeast(4, 6))
	require.True(t, v.AtLeast(3, 19))
	require.False(t, v.AtLeast(4, 8))
	require.False(t, v.AtLeast(5, 0))
}

func TestParseProcSwaps(t *testing.T) {
	data := `Filename				Type		Size		Used		Priority
/dev/zram0                              partition	4194304		1024		32767
/var/lib/swapd/swapfc/1                 file		524288		0		-2
`
	swaps, err := parseProcSwaps(data)
	require.NoError(t, err)
	require.Len(t, swaps, 2)

	expected := []*SwapEntry{
		{
			Path:     "/dev/zram0",
			Kind:     "partition",
			Size:     4194304 * 1024,
			Used:     1024 * 1024,
			Priority: 32767,
		},
		{
			Path:     "/var/lib/swapd/swapfc/1",
			Kind:     "file",
			Size:     524288 * 1024,
			Used:     0,
			Priority: -2,
		},
	}
	require.Empty(t, cmp.Diff(expected, swaps))
}

func TestParseProcSwapsEmpty(t *testing.T) {
	swaps, err := parseProcSwaps("Filename				Type		Size		Used		Priority\n")
	require.NoError(t, err)
	require.Empty(t, swaps)
}

func TestParseProcSwapsInvalid(t *testing.T) {
	_, err := parseProcSwaps("Filename\n/dev/zram0 partition huge 0 5\n")
	require.Error(t, err)
}

func TestLinuxActiveSwapsWithRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "proc"), 0o755))
	data := `Filename				Type		Size		Used		Priority
/dev/dm-1                               partition	8388604		42108		-2
`
	require.NoError(t, os.WriteFile(filepath.Join(root, "proc/swaps"), []byte(data), 0o644))

	sys := NewSystemWithRoot(root)
	swaps, err := sys.ActiveSwaps()
	require.NoError(t, err)
	require.Len(t, swaps, 1)
	require.Equal(t, "/dev/dm-1", swaps[0].Path)
	require.Equal(t, uint64(8388604*1024), swaps[0].Size)
}

func TestLinuxSwapOnOffCommands(t *testing.T) {
	var commands [][]string
	saved := execCombinedOutput
	execCombinedOutput = func(name string, args ...string) ([]byte, error) {
		commands = append(commands, append([]string{name}, args...))
		return nil, nil
	}
	defer func() { execCombinedOutput = saved }()

	sys := NewSystem()
	require.NoError(t, sys.SwapOn("/var/lib/swapd/swapfc/1", 50))
	require.NoError(t, sys.SwapOff("/var/lib/swapd/swapfc/1"))

	expected := [][]string{
		{"swapon", "-p", "50", "/var/lib/swapd/swapfc/1"},
		{"swapoff", "/var/lib/swapd/swapfc/1"},
	}
	require.Empty(t, cmp.Diff(expected, commands))
}

func TestFakeSwapLifecycle(t *testing.T) {
	fake := NewFake()
	fake.Filesystems["/var"] = &FsProfile{Type: "ext4", Total: 10 << 30, Free: 5 << 30}

	require.NoError(t, fake.CreateSizedFile("/var/lib/swapd/swapfc/1", 512<<20))
	require.NoError(t, fake.MakeSwap("/var/lib/swapd/swapfc/1"))
	require.NoError(t, fake.SwapOn("/var/lib/swapd/swapfc/1", 50))

	swaps, err := fake.ActiveSwaps()
	require.NoError(t, err)
	require.Len(t, swaps, 1)
	require.Equal(t, uint64(512<<20), swaps[0].Size)

	fs, err := fake.StatFilesystem("/var/lib/swapd")
	require.NoError(t, err)
	require.Equal(t, uint64(5<<30-512<<20), fs.Free)

	require.NoError(t, fake.SwapOff("/var/lib/swapd/swapfc/1"))
	require.NoError(t, fake.RemoveFile("/var/lib/swapd/swapfc/1"))

	swaps, err = fake.ActiveSwaps()
	require.NoError(t, err)
	require.Empty(t, swaps)
}
