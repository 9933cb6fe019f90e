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
	"hash/fnv"
	"math"
	"sync"

	"github.com/bitleaf/gridstore/components/log"
	"github.com/bitleaf/gridstore/meta"
	"github.com/cockroachdb/errors"
	"github.com/fagongzi/util/format"
	"github.com/google/btree"
	"github.com/juju/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Membership is the authoritative metadata collaborator used to resolve
// the hosts of a bucket.
type Membership interface {
	LookupBucketHosts(bucket uint64) (meta.BucketHosts, error)
}

// Destination is where one key must be sent.
type Destination struct {
	Bucket uint64
	Addr   string
}

// slot is one contiguous range of the 32 bit key hash space, owned by a
// bucket. end is the inclusive upper bound.
type slot struct {
	end    uint32
	bucket uint64
}

// Less implements btree.Item.
func (s *slot) Less(than btree.Item) bool {
	return s.end < than.(*slot).end
}

// Router maps keys to buckets and buckets to hosts using a locally cached
// view of the routing metadata. The cache is refreshed lazily: routing
// decisions are advisory and the receiving server stays authoritative.
type Router struct {
	logger     *zap.Logger
	buckets    uint64
	membership Membership
	limiter    *ratelimit.Bucket
	group      singleflight.Group

	mu struct {
		sync.RWMutex
		slots *btree.BTree
		hosts map[uint64]meta.BucketHosts
	}
}

// NewRouter creates a router over a fixed number of buckets. Refreshes
// are rate limited to refreshPerSecond towards the membership collaborator.
func NewRouter(buckets uint64, membership Membership, refreshPerSecond int64, logger *zap.Logger) *Router {
	r := &Router{
		logger:     log.Adjust(logger).Named("router"),
		buckets:    buckets,
		membership: membership,
		limiter:    ratelimit.NewBucketWithRate(float64(refreshPerSecond), refreshPerSecond),
	}
	r.mu.hosts = make(map[uint64]meta.BucketHosts)
	r.mu.slots = btree.New(32)

	step := uint64(math.MaxUint32) / buckets
	for i := uint64(0); i < buckets; i++ {
		end := uint32(math.MaxUint32)
		if i != buckets-1 {
			end = uint32((i+1)*step - 1)
		}
		r.mu.slots.ReplaceOrInsert(&slot{end: end, bucket: i})
	}
	return r
}

// SelectBucket returns the bucket owning the key's hash slot.
func (r *Router) SelectBucket(key []byte) uint64 {
	h := fnv.New32a()
	h.Write(key)
	hash := h.Sum32()

	r.mu.RLock()
	defer r.mu.RUnlock()

	selected := uint64(0)
	r.mu.slots.AscendGreaterOrEqual(&slot{end: hash}, func(i btree.Item) bool {
		selected = i.(*slot).bucket
		return false
	})
	return selected
}

// Route returns the destination of every entry of the batch, resolving
// bucket hosts from the cache and loading missing ones on demand.
func (r *Router) Route(entries []meta.BatchEntry) ([]Destination, error) {
	dests := make([]Destination, 0, len(entries))
	for _, e := range entries {
		bucket := r.SelectBucket(e.Key)
		hosts, err := r.Hosts(bucket)
		if err != nil {
			return nil, err
		}
		dests = append(dests, Destination{Bucket: bucket, Addr: hosts.Primary})
	}
	return dests, nil
}

// Hosts returns the cached host assignment of a bucket, loading it from
// the membership collaborator on first use.
func (r *Router) Hosts(bucket uint64) (meta.BucketHosts, error) {
	r.mu.RLock()
	hosts, ok := r.mu.hosts[bucket]
	r.mu.RUnlock()
	if ok {
		return hosts, nil
	}
	return r.Refresh(bucket)
}

// Refresh reloads the host assignment of a bucket. Concurrent refreshes
// of the same bucket are collapsed into a single metadata fetch.
func (r *Router) Refresh(bucket uint64) (meta.BucketHosts, error) {
	v, err, _ := r.group.Do(format.Uint64ToString(bucket), func() (interface{}, error) {
		r.limiter.Wait(1)
		hosts, err := r.membership.LookupBucketHosts(bucket)
		if err != nil {
			return meta.BucketHosts{}, errors.Wrapf(err, "lookup bucket %d hosts", bucket)
		}
		r.updateHosts(hosts)
		return hosts, nil
	})
	if err != nil {
		return meta.BucketHosts{}, err
	}
	return v.(meta.BucketHosts), nil
}

// OnBucketMoved applies a pushed host assignment change. The router only
// requires the pull form, acting on pushes just keeps the cache warmer.
func (r *Router) OnBucketMoved(hosts meta.BucketHosts) {
	r.updateHosts(hosts)
}

func (r *Router) updateHosts(hosts meta.BucketHosts) {
	r.mu.Lock()
	current, ok := r.mu.hosts[hosts.Bucket]
	if !ok || hosts.Epoch >= current.Epoch {
		r.mu.hosts[hosts.Bucket] = hosts
	}
	r.mu.Unlock()

	if ce := r.logger.Check(zap.DebugLevel, "bucket hosts updated"); ce != nil {
		ce.Write(log.BucketIDField(hosts.Bucket),
			log.DestinationField(hosts.Primary),
			log.SecondariesField("secondaries", hosts.Secondaries),
			zap.Uint64("epoch", hosts.Epoch))
	}
}
