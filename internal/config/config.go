// Copyright 2024 The Shadow-Go Authors.
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

// Package config holds the operator-tunable knobs the core needs but
// treats as external input: TSC calibration, the unblocked-syscall
// latency model, heartbeat cadence, the tracing backend selector, and
// the SIGSTOP-forwarding policy. Decoded from TOML with
// github.com/BurntSushi/toml.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the decoded contents of the operator's TOML config file.
type Config struct {
	// CyclesPerSecond is the simulated TSC rate; never measured, always
	// configured.
	CyclesPerSecond uint64 `toml:"cycles_per_second"`

	// UnblockedLatency maps a syscall name to the simulated CPU cost
	// charged on successful completion. Syscalls absent from the map
	// use UnblockedLatencyDefault.
	UnblockedLatency        map[string]Duration `toml:"unblocked_latency"`
	UnblockedLatencyDefault Duration            `toml:"unblocked_latency_default"`
	UnblockedLatencyCap     Duration            `toml:"unblocked_latency_cap"`

	// RunAheadWindow bounds how far the accumulated latency may push the
	// simulated clock before the calling thread must Block instead.
	RunAheadWindow Duration `toml:"run_ahead_window"`

	// HeartbeatInterval is the statistics heartbeat's re-scheduling
	// period.
	HeartbeatInterval Duration `toml:"heartbeat_interval"`

	// TracingBackend selects "ptrace" (ptrace-only) or "ptrace+ipc"
	// (hybrid wait against the shim's shared-memory channel too).
	TracingBackend string `toml:"tracing_backend"`

	// ForwardUnknownSIGSTOP makes the SIGSTOP-forwarding choice
	// explicit: false (default) swallows an unexplained SIGSTOP as
	// ptrace/protocol noise; true delivers it to the guest.
	ForwardUnknownSIGSTOP bool `toml:"forward_unknown_sigstop"`

	// HostnameName and HostnameDefaultAddr back
	// shadow_hostname_to_addr_ipv4's "this host's own name" branch.
	HostnameName        string `toml:"hostname_name"`
	HostnameDefaultAddr string `toml:"hostname_default_addr"`
}

// Duration wraps time.Duration so it decodes from TOML's native duration
// strings ("500ms", "10s") via UnmarshalText instead of requiring
// nanosecond integers in the config file.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for BurntSushi/toml's
// decoder.
func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", string(b), err)
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration this repo ships as a starting point:
// a 3GHz TSC, a 1µs default unblocked-syscall cost capped at 1ms before a
// thread must yield, a 10ms run-ahead window, a 10s heartbeat, the hybrid
// ptrace+ipc backend, and SIGSTOP swallowed.
func Default() Config {
	return Config{
		CyclesPerSecond:         3_000_000_000,
		UnblockedLatency:        map[string]Duration{},
		UnblockedLatencyDefault: Duration{time.Microsecond},
		UnblockedLatencyCap:     Duration{time.Millisecond},
		RunAheadWindow:          Duration{10 * time.Millisecond},
		HeartbeatInterval:       Duration{10 * time.Second},
		TracingBackend:          "ptrace+ipc",
		ForwardUnknownSIGSTOP:   false,
		HostnameName:            "",
		HostnameDefaultAddr:     "0.0.0.0",
	}
}

// Load decodes a TOML file at path into a Config seeded with Default, so
// an operator's file only needs to override the knobs it cares about.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}

// LatencyFor returns the configured unblocked-syscall cost for a syscall
// name, falling back to UnblockedLatencyDefault.
func (c Config) LatencyFor(name string) time.Duration {
	if d, ok := c.UnblockedLatency[name]; ok {
		return d.Duration
	}
	return c.UnblockedLatencyDefault.Duration
}
