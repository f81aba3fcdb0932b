// Copyright 2024 LatentFS Authors
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
package util

import (
	"context"
	"time"
)

// PollConfig bounds a polling wait.
type PollConfig struct {
	Timeout  time.Duration // Total wait (default: 5s)
	Interval time.Duration // Pause between checks (default: 50ms)
}

// DefaultPollConfig returns the defaults applied to zero PollConfig fields.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Timeout:  5 * time.Second,
		Interval: 50 * time.Millisecond,
	}
}

// DrainPollConfig returns config for waiting on descriptor drain during a
// forced unmount.
func DrainPollConfig() PollConfig {
	return PollConfig{
		Timeout:  10 * time.Second,
		Interval: 5 * time.Millisecond,
	}
}

func (cfg PollConfig) withDefaults() PollConfig {
	def := DefaultPollConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	return cfg
}

// PollUntil checks done immediately and then every interval until it returns
// true. It returns the number of checks made, and context.DeadlineExceeded
// (or the parent's error) when the wait ends first.
func PollUntil(ctx context.Context, cfg PollConfig, done func() bool) (int, error) {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	checks := 1
	if done() {
		return checks, nil
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return checks, ctx.Err()
		case <-ticker.C:
			checks++
			if done() {
				return checks, nil
			}
		}
	}
}
