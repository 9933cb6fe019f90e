// Copyright 2022 Bitleaf.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
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

func TestNewConfigFromFile(t *testing.T) {
	data := `
member = 7
addr = "127.0.0.1:21000"
buckets = 4
max-body-size = "8mb"
max-clock-offset = "250ms"

[replication]
redundancy = 2
retention-horizon = "1m"

[client]
request-timeout = "5s"
refresh-per-second = 4

[[bucket-hosts]]
bucket = 0
primary = "127.0.0.1:21000"
secondaries = ["127.0.0.1:21001"]
`
	path := filepath.Join(t.TempDir(), "gridstore.toml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0644),
		"TestNewConfigFromFile failed")

	cfg, err := NewConfigFromFile(path)
	require.NoError(t, err, "TestNewConfigFromFile failed")

	assert.Equal(t, uint64(7), cfg.Member, "TestNewConfigFromFile failed")
	assert.Equal(t, "127.0.0.1:21000", cfg.Addr, "TestNewConfigFromFile failed")
	assert.Equal(t, uint64(4), cfg.Buckets, "TestNewConfigFromFile failed")
	assert.Equal(t, 8*1024*1024, int(cfg.MaxBodySize), "TestNewConfigFromFile failed")
	assert.Equal(t, time.Millisecond*250, cfg.MaxClockOffset.Duration,
		"TestNewConfigFromFile failed")
	assert.Equal(t, 2, cfg.Replication.Redundancy, "TestNewConfigFromFile failed")
	assert.Equal(t, time.Minute, cfg.Replication.RetentionHorizon.Duration,
		"TestNewConfigFromFile failed")
	assert.Equal(t, time.Second*5, cfg.Client.RequestTimeout.Duration,
		"TestNewConfigFromFile failed")
	assert.Equal(t, int64(4), cfg.Client.RefreshPerSecond,
		"TestNewConfigFromFile failed")
	require.Equal(t, 1, len(cfg.BucketHosts), "TestNewConfigFromFile failed")
	assert.Equal(t, []string{"127.0.0.1:21001"}, cfg.BucketHosts[0].Secondaries,
		"TestNewConfigFromFile failed")
}

func TestAdjustFillsDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.Adjust()

	assert.Equal(t, defaultListenAddr, cfg.Addr, "TestAdjustFillsDefaults failed")
	assert.Equal(t, defaultBuckets, cfg.Buckets, "TestAdjustFillsDefaults failed")
	assert.Equal(t, defaultMaxBodySize, int(cfg.MaxBodySize), "TestAdjustFillsDefaults failed")
	assert.Equal(t, defaultMaxClockOffset, cfg.MaxClockOffset.Duration,
		"TestAdjustFillsDefaults failed")
	assert.Equal(t, defaultRedundancy, cfg.Replication.Redundancy,
		"TestAdjustFillsDefaults failed")
	assert.Equal(t, defaultRetentionHorizon, cfg.Replication.RetentionHorizon.Duration,
		"TestAdjustFillsDefaults failed")
	assert.Equal(t, defaultRequestTimeout, cfg.Client.RequestTimeout.Duration,
		"TestAdjustFillsDefaults failed")
	assert.Equal(t, defaultRefreshPerSecond, cfg.Client.RefreshPerSecond,
		"TestAdjustFillsDefaults failed")
}
