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

package router

import (
	"sync"

	"github.com/bitleaf/gridstore/meta"
	"github.com/cockroachdb/errors"
)

// StaticMembership is a Membership backed by an explicit assignment
// table. Deployments without a locator service configure it from file;
// tests mutate it to fail buckets over.
type StaticMembership struct {
	mu    sync.RWMutex
	hosts map[uint64]meta.BucketHosts
}

// NewStaticMembership create an empty membership table.
func NewStaticMembership() *StaticMembership {
	return &StaticMembership{
		hosts: make(map[uint64]meta.BucketHosts),
	}
}

// SetHosts sets the assignment of a bucket, bumping its epoch.
func (m *StaticMembership) SetHosts(bucket uint64, primary string, secondaries ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	epoch := m.hosts[bucket].Epoch + 1
	m.hosts[bucket] = meta.BucketHosts{
		Bucket:      bucket,
		Primary:     primary,
		Secondaries: secondaries,
		Epoch:       epoch,
	}
}

// LookupBucketHosts implements Membership.
func (m *StaticMembership) LookupBucketHosts(bucket uint64) (meta.BucketHosts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hosts, ok := m.hosts[bucket]
	if !ok {
		return meta.BucketHosts{}, errors.Errorf("bucket %d has no host assignment", bucket)
	}
	return hosts, nil
}
