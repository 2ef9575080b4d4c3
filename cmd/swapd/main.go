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

// swapd provisions and tunes swap capacity on the local host. It runs
// as a daemon (start), tears managed swap down (stop), reports the
// current state (status), or prints a hardware-matched configuration
// (autoconf).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dynswap/swapd/pkg/autoconf"
	"github.com/dynswap/swapd/pkg/config"
	logger "github.com/dynswap/swapd/pkg/log"
	"github.com/dynswap/swapd/pkg/manager"
	"github.com/dynswap/swapd/pkg/pidfile"
	"github.com/dynswap/swapd/pkg/swapfc"
)

// Layered configuration files, later ones override earlier ones.
var defaultConfigFiles = []string{
	"/usr/share/swapd/swapd.conf",
	"/run/swapd/swapd.conf",
	"/etc/swapd/swapd.conf",
}

type options struct {
	configFiles string
	pidFile     string
	auto        bool
}

var (
	opt options
	log = logger.NewLogger("swapd")
)

func main() {
	flag.StringVar(&opt.configFiles, "config", strings.Join(defaultConfigFiles, ","),
		"comma-separated configuration files, later files override earlier ones")
	flag.StringVar(&opt.pidFile, "pid-file", "/run/swapd/swapd.pid",
		"daemon PID file, empty to disable")
	flag.BoolVar(&opt.auto, "auto", false,
		"derive defaults from detected hardware before applying configuration files")
	flag.Usage = usage
	flag.Parse()

	cmd := "start"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}

	if cmd == "autoconf" {
		// print the recommendation without requiring a valid config
		if err := printAutoconf(); err != nil {
			log.Fatal("autoconf failed: %v", err)
		}
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("configuration rejected: %v", err)
	}

	switch cmd {
	case "start":
		err = start(cfg)
	case "stop":
		err = stop(cfg)
	case "status":
		err = status(cfg)
	default:
		flag.Usage()
		log.Fatal("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatal("%s failed: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(),
		"usage: %s [options] [start|stop|status|autoconf]\n\noptions:\n", os.Args[0])
	flag.PrintDefaults()
}

// loadConfig merges the hardware recommendation (in auto mode) and the
// layered configuration files, then validates the result.
func loadConfig() (*config.Store, error) {
	cfg := config.NewStore()

	if opt.auto {
		caps, err := autoconf.Detect(cfg.GetString(swapfc.KeyPath))
		if err != nil {
			return nil, err
		}
		cfg.Merge(autoconf.Render(autoconf.Recommend(caps)), "autoconf")
	}

	if err := cfg.LoadFiles(strings.Split(opt.configFiles, ",")...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.DebugBlock("  <config> ", "%s", cfg.Dump())
	return cfg, nil
}

func start(cfg *config.Store) error {
	pidfile.SetPath(opt.pidFile)
	if pid, err := pidfile.OwnerPID(); err != nil {
		return err
	} else if pid > 0 {
		return fmt.Errorf("swapd is already running with PID %d", pid)
	}
	if err := pidfile.Write(); err != nil {
		return err
	}
	defer func() {
		if err := pidfile.Remove(); err != nil {
			log.Error("%v", err)
		}
	}()

	m, err := manager.New(cfg)
	if err != nil {
		return err
	}
	if err := m.Setup(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return m.Run(ctx)
}

func stop(cfg *config.Store) error {
	m, err := manager.New(cfg)
	if err != nil {
		return err
	}
	if err := m.Deactivate(); err != nil {
		return err
	}
	log.Info("managed swap deactivated")
	return nil
}

func status(cfg *config.Store) error {
	m, err := manager.New(cfg)
	if err != nil {
		return err
	}
	out, err := m.Describe()
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func printAutoconf() error {
	caps, err := autoconf.Detect(config.NewStore().GetString(swapfc.KeyPath))
	if err != nil {
		return err
	}
	fmt.Print(autoconf.Render(autoconf.Recommend(caps)))
	return nil
}
