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

package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// pidFilePath is the path to our pidfile.
var pidFilePath string

// GetPath returns the current pidfile path.
func GetPath() string {
	return pidFilePath
}

// SetPath sets the pidfile path.
func SetPath(path string) {
	pidFilePath = filepath.Clean(path)
}

// Write writes the current process' PID to the pidfile.
func Write() error {
	if pidFilePath == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(pidFilePath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create pidfile directory for %s", pidFilePath)
	}

	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(pidFilePath, []byte(pid+"\n"), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write pidfile %s", pidFilePath)
	}

	return nil
}

// Remove removes the pidfile.
func Remove() error {
	if pidFilePath == "" {
		return nil
	}
	if err := os.Remove(pidFilePath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove pidfile %s", pidFilePath)
	}
	return nil
}

// OwnerPID returns the PID stored in the pidfile, or -1 if there is no
// pidfile or the owning process does not exist any more.
func OwnerPID() (int, error) {
	if pidFilePath == "" {
		return -1, nil
	}

	data, err := os.ReadFile(pidFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return -1, nil
		}
		return -1, errors.Wrapf(err, "failed to read pidfile %s", pidFilePath)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return -1, errors.Wrapf(err, "invalid pidfile %s", pidFilePath)
	}

	if _, err := os.Stat(fmt.Sprintf("/proc/%d", pid)); err != nil {
		if os.IsNotExist(err) {
			return -1, nil
		}
		return -1, err
	}

	return pid, nil
}
