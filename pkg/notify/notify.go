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

// Package notify reports daemon state to the service manager over the
// sd_notify protocol. All notifications degrade to no-ops when the
// daemon is not running under systemd.
package notify

import (
	"fmt"

	"github.com/coreos/go-systemd/v22/daemon"

	logger "github.com/dynswap/swapd/pkg/log"
)

var log = logger.NewLogger("notify")

// Ready notifies the service manager that startup is complete.
func Ready() {
	send(daemon.SdNotifyReady)
}

// Stopping notifies the service manager that shutdown has begun.
func Stopping() {
	send(daemon.SdNotifyStopping)
}

// Status sends a free-form status string to the service manager.
func Status(format string, args ...interface{}) {
	send("STATUS=" + fmt.Sprintf(format, args...))
}

// Watchdog pets the service manager watchdog.
func Watchdog() {
	send(daemon.SdNotifyWatchdog)
}

func send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Debug("sd_notify %q failed: %v", state, err)
		return
	}
	if !sent {
		log.Debug("sd_notify unavailable, dropped %q", state)
	}
}
