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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesOnlyNamedKnobs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shadow.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
cycles_per_second = 2000000000
heartbeat_interval = "1s"
hostname_name = "relay1"

[unblocked_latency]
read = "2us"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.EqualValues(t, 2_000_000_000, cfg.CyclesPerSecond)
	assert.Equal(t, time.Second, cfg.HeartbeatInterval.Duration)
	assert.Equal(t, "relay1", cfg.HostnameName)

	// Unnamed knobs keep their defaults.
	assert.Equal(t, Default().RunAheadWindow, cfg.RunAheadWindow)
	assert.Equal(t, Default().TracingBackend, cfg.TracingBackend)

	assert.Equal(t, 2*time.Microsecond, cfg.LatencyFor("read"))
	assert.Equal(t, Default().UnblockedLatencyDefault.Duration, cfg.LatencyFor("write"))
}

func TestLoadRejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte(`run_ahead_window = "not-a-duration"`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
