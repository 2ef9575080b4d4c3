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
	"time"

	"github.com/dynswap/swapd/pkg/config"
)

// Polling configuration keys.
const (
	KeyPollFrequency   = "poll_frequency"
	KeyPollMaxInterval = "poll_max_interval"
	KeyPollMultiplier  = "poll_max_multiplier"
)

func init() {
	config.Register(&config.Spec{Key: KeyPollFrequency, Kind: config.Int, Default: "1", Min: 1, Max: 86400})
	config.Register(&config.Spec{Key: KeyPollMaxInterval, Kind: config.Int, Default: "86400", Min: 1, Max: 86400})
	config.Register(&config.Spec{Key: KeyPollMultiplier, Kind: config.Int, Default: "1000", Min: 1, Max: 1000000})
}

// Poller adapts the control loop's sleep interval to recent activity.
// Every quiet cycle doubles the interval until it hits either the
// absolute maximum or a multiple of the base frequency; any cycle that
// changed swap state snaps the interval back to the base so the next
// decision comes quickly.
type Poller struct {
	base       time.Duration
	max        time.Duration
	multiplier int64
	current    time.Duration
}

// NewPoller creates a poller from the configured base frequency and
// backoff bounds.
func NewPoller(cfg *config.Store) (*Poller, error) {
	base, err := cfg.GetInt(KeyPollFrequency)
	if err != nil {
		return nil, err
	}
	max, err := cfg.GetInt(KeyPollMaxInterval)
	if err != nil {
		return nil, err
	}
	multiplier, err := cfg.GetInt(KeyPollMultiplier)
	if err != nil {
		return nil, err
	}

	baseInterval := time.Duration(base) * time.Second
	return &Poller{
		base:       baseInterval,
		max:        time.Duration(max) * time.Second,
		multiplier: multiplier,
		current:    baseInterval,
	}, nil
}

// Interval returns the current sleep interval.
func (p *Poller) Interval() time.Duration {
	return p.current
}

// Observe records the outcome of one cycle and returns the interval to
// sleep before the next one.
func (p *Poller) Observe(active bool) time.Duration {
	if active {
		p.current = p.base
		return p.current
	}

	candidate := p.current * 2
	if candidate <= p.max && candidate <= p.base*time.Duration(p.multiplier) {
		p.current = candidate
	}
	return p.current
}
