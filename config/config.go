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
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bitleaf/gridstore/util/typeutil"
	"go.uber.org/zap"
)

var (
	kb = 1024
	mb = 1024 * kb

	defaultBuckets           uint64 = 16
	defaultRedundancy               = 1
	defaultRequestTimeout           = time.Second * 30
	defaultRetentionHorizon         = time.Minute * 5
	defaultRefreshPerSecond  int64  = 8
	defaultMaxBodySize              = 16 * mb
	defaultMaxClockOffset           = time.Millisecond * 500
	defaultListenAddr               = "127.0.0.1:20101"
)

// Config gridstore node and client configuration.
type Config struct {
	// Member process-unique grid member id. Every version stamp and
	// operation identifier created by this process carries it.
	Member uint64 `toml:"member"`
	// Addr the address served to other grid members
	Addr string `toml:"addr"`
	// Buckets the number of buckets the grid keyspace is split into
	Buckets uint64 `toml:"buckets"`
	// MaxBodySize max size of a request on the wire
	MaxBodySize typeutil.ByteSize `toml:"max-body-size"`
	// MaxClockOffset max tolerated clock offset between grid members
	MaxClockOffset typeutil.Duration `toml:"max-clock-offset"`

	Replication ReplicationConfig `toml:"replication"`
	Client      ClientConfig      `toml:"client"`

	// BucketHosts static bucket assignment table used when no locator
	// service publishes routing metadata
	BucketHosts []BucketHostsConfig `toml:"bucket-hosts"`

	// Logger used by all components, a default zap logger is used if nil
	Logger *zap.Logger `toml:"-"`
}

// ReplicationConfig redundancy options of the partitioned grid.
type ReplicationConfig struct {
	// Redundancy how many secondary copies each bucket keeps
	Redundancy int `toml:"redundancy"`
	// RetentionHorizon how long applied (operation, key) records are kept
	// for duplicate recognition. A batch retried after the horizon is
	// re-applied, which is an accepted trade-off.
	RetentionHorizon typeutil.Duration `toml:"retention-horizon"`
}

// BucketHostsConfig static host assignment of a single bucket.
type BucketHostsConfig struct {
	Bucket      uint64   `toml:"bucket"`
	Primary     string   `toml:"primary"`
	Secondaries []string `toml:"secondaries"`
}

// ClientConfig batch coordinator options.
type ClientConfig struct {
	// RequestTimeout per destination round trip timeout. A timeout is
	// handled like unavailability since the remote side may have applied
	// the operation.
	RequestTimeout typeutil.Duration `toml:"request-timeout"`
	// RefreshPerSecond max routing metadata refreshes per second
	RefreshPerSecond int64 `toml:"refresh-per-second"`
}

// NewConfigFromFile loads a TOML config from the specified path.
func NewConfigFromFile(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.Adjust()
	return cfg, nil
}

// Adjust fills default values.
func (c *Config) Adjust() {
	if c.Addr == "" {
		c.Addr = defaultListenAddr
	}
	if c.Buckets == 0 {
		c.Buckets = defaultBuckets
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = typeutil.ByteSize(defaultMaxBodySize)
	}
	if c.MaxClockOffset.Duration == 0 {
		c.MaxClockOffset.Duration = defaultMaxClockOffset
	}
	if c.Replication.Redundancy == 0 {
		c.Replication.Redundancy = defaultRedundancy
	}
	if c.Replication.RetentionHorizon.Duration == 0 {
		c.Replication.RetentionHorizon.Duration = defaultRetentionHorizon
	}
	if c.Client.RequestTimeout.Duration == 0 {
		c.Client.RequestTimeout.Duration = defaultRequestTimeout
	}
	if c.Client.RefreshPerSecond == 0 {
		c.Client.RefreshPerSecond = defaultRefreshPerSecond
	}
}
