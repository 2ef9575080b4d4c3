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

package manager

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dynswap/swapd/pkg/meminfo"
	"github.com/dynswap/swapd/pkg/metrics"
)

// loopMetrics are the control loop's exported metrics. They live in
// the process-wide metrics registry, so they are created once and
// shared between manager instances.
type loopMetrics struct {
	freeRAM    prometheus.Gauge
	freeSwap   prometheus.Gauge
	usedSwap   prometheus.Gauge
	chunks     prometheus.Gauge
	chunkBytes prometheus.Gauge
	cycles     prometheus.Counter
	actions    *prometheus.CounterVec
}

var (
	loopMetricsOnce sync.Once
	loopMetricsInst *loopMetrics
)

func getLoopMetrics() *loopMetrics {
	loopMetricsOnce.Do(func() {
		m := &loopMetrics{
			freeRAM: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "free_ram_percent",
				Help: "Free RAM percentage from the last memory sample.",
			}),
			freeSwap: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "free_swap_percent",
				Help: "Free swap percentage from the last memory sample.",
			}),
			usedSwap: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "used_swap_bytes",
				Help: "Swap bytes in use from the last memory sample.",
			}),
			chunks: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "swapfc_chunks",
				Help: "Number of active swap file chunks.",
			}),
			chunkBytes: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "swapfc_bytes",
				Help: "Total declared size of the swap file chunk pool.",
			}),
			cycles: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "loop_cycles_total",
				Help: "Number of completed control loop cycles.",
			}),
			actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapfc_actions_total",
				Help: "Applied chunk pool actions by kind.",
			}, []string{"action"}),
		}

		metrics.MustRegister("memory.free_ram_percent", m.freeRAM, metrics.WithGroup("memory"))
		metrics.MustRegister("memory.free_swap_percent", m.freeSwap, metrics.WithGroup("memory"))
		metrics.MustRegister("memory.used_swap_bytes", m.usedSwap, metrics.WithGroup("memory"))
		metrics.MustRegister("swapfc.chunks", m.chunks, metrics.WithGroup("swapfc"))
		metrics.MustRegister("swapfc.bytes", m.chunkBytes, metrics.WithGroup("swapfc"))
		metrics.MustRegister("loop.cycles", m.cycles, metrics.WithGroup("loop"))
		metrics.MustRegister("loop.actions", m.actions, metrics.WithGroup("loop"))

		loopMetricsInst = m
	})
	return loopMetricsInst
}

func (m *loopMetrics) observe(snap *meminfo.Snapshot) {
	m.freeRAM.Set(float64(snap.FreeRAMPercent()))
	m.freeSwap.Set(float64(snap.FreeSwapPercent()))
	m.usedSwap.Set(float64(snap.UsedSwap()))
}
