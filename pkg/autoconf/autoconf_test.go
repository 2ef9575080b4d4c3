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

package autoconf_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dynswap/swapd/pkg/autoconf"
	"github.com/dynswap/swapd/pkg/config"

	// key registrations for the validation test
	_ "github.com/dynswap/swapd/pkg/swapfc"
	_ "github.com/dynswap/swapd/pkg/zram"
)

func value(settings []autoconf.Setting, key string) (string, bool) {
	for _, s := range settings {
		if s.Key == key {
			return s.Value, true
		}
	}
	return "", false
}

func TestRecommendWithAmpleDisk(t *testing.T) {
	settings := autoconf.Recommend(&autoconf.Capabilities{
		FsType:   "ext4",
		FreeDisk: 64 << 30,
		TotalRAM: 16 << 30,
		CPUs:     8,
	})

	enabled, ok := value(settings, "swapfc_enabled")
	require.True(t, ok)
	require.Equal(t, "yes", enabled)

	size, ok := value(settings, "zram_size")
	require.True(t, ok)
	require.Equal(t, "24576M", size)
}

func TestRecommendZramOnlyOnLiveSystem(t *testing.T) {
	settings := autoconf.Recommend(&autoconf.Capabilities{
		FsType:   "overlay",
		FreeDisk: 64 << 30,
		TotalRAM: 8 << 30,
		Live:     true,
	})

	enabled, _ := value(settings, "swapfc_enabled")
	require.Equal(t, "no", enabled)
}

func TestRecommendZramOnlyOnTightDisk(t *testing.T) {
	settings := autoconf.Recommend(&autoconf.Capabilities{
		FsType:   "ext4",
		FreeDisk: 4 << 30,
		TotalRAM: 16 << 30,
	})

	enabled, _ := value(settings, "swapfc_enabled")
	require.Equal(t, "no", enabled)
}

func TestRecommendZramOnlyOnUnsupportedFs(t *testing.T) {
	settings := autoconf.Recommend(&autoconf.Capabilities{
		FsType:   "zfs",
		FreeDisk: 64 << 30,
		TotalRAM: 16 << 30,
	})

	enabled, _ := value(settings, "swapfc_enabled")
	require.Equal(t, "no", enabled)
}

// Every recommended setting must pass config validation.
func TestRecommendationValidates(t *testing.T) {
	for _, caps := range []*autoconf.Capabilities{
		{FsType: "ext4", FreeDisk: 64 << 30, TotalRAM: 16 << 30},
		{FsType: "tmpfs", FreeDisk: 1 << 30, TotalRAM: 8 << 30, Live: true},
	} {
		cfg := config.NewStore()
		cfg.Merge(autoconf.Render(autoconf.Recommend(caps)), "autoconf")
		require.NoError(t, cfg.Validate())
	}
}
