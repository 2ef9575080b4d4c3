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
	"path/filepath"
	"strings"
)

// Loop-backed chunks cannot be recognized from the active swap list
// alone, /proc/swaps names the loop device rather than our backing
// file. The engine records the association in a state file under the
// work directory so a restarted instance can adopt such chunks and
// detach their devices on removal.

func (e *Engine) statePath() string {
	if e.cfg.StateDir == "" {
		return ""
	}
	return filepath.Join(e.cfg.StateDir, "swapfc.state")
}

// loadState returns the recorded loop device to backing file mapping.
func (e *Engine) loadState() map[string]string {
	assoc := map[string]string{}

	path := e.statePath()
	if path == "" {
		return assoc
	}

	data, err := e.sys.ReadFile(path)
	if err != nil {
		return assoc
	}

	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		assoc[fields[0]] = fields[1]
	}
	return assoc
}

// saveState records the current loop device associations. Failure to
// record is logged but never fails the operation that triggered it.
func (e *Engine) saveState() {
	path := e.statePath()
	if path == "" {
		return
	}

	var b strings.Builder
	for _, chunk := range e.chunks {
		if chunk.Strategy != StrategyLoop {
			continue
		}
		fmt.Fprintf(&b, "%s %s\n", chunk.LoopDev, chunk.Path)
	}

	if err := e.sys.MakeDirs(e.cfg.StateDir, 0o755); err != nil {
		e.log.Warn("failed to create state directory %s: %v", e.cfg.StateDir, err)
		return
	}
	if err := e.sys.WriteFile(path, b.String()); err != nil {
		e.log.Warn("failed to record chunk state in %s: %v", path, err)
	}
}
