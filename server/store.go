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

package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bitleaf/gridstore/bucket"
	"github.com/bitleaf/gridstore/components/log"
	"github.com/bitleaf/gridstore/config"
	"github.com/bitleaf/gridstore/meta"
	"github.com/bitleaf/gridstore/metric"
	"github.com/bitleaf/gridstore/notify"
	"github.com/bitleaf/gridstore/redundancy"
	"github.com/bitleaf/gridstore/router"
	"github.com/bitleaf/gridstore/transport"
	"github.com/bitleaf/gridstore/util/hlc"
	"go.uber.org/zap"
)

// Option store option
type Option func(*Store)

// WithPreCommitHook set the pre-commit veto hook, invoked once per key
// before the mutation commits.
func WithPreCommitHook(hook bucket.PreCommitHook) Option {
	return func(s *Store) {
		s.hook = hook
	}
}

// WithNotifier set the subscriber notifier receiving post-commit events.
func WithNotifier(notifier notify.Notifier) Option {
	return func(s *Store) {
		s.notifier = notifier
	}
}

// Store hosts the bucket replicas of one grid member and serves
// sub-batch and replica requests. Per destination, keys are applied
// strictly in the order given, and events are emitted in application
// order, so listeners observing multiple keys see consistent
// before/after states.
type Store struct {
	cfg      *config.Config
	logger   *zap.Logger
	trans    transport.Transport
	router   *router.Router
	notifier notify.Notifier
	hook     bucket.PreCommitHook

	clock       *hlc.Clock
	clockCancel context.CancelFunc
	propagator  *redundancy.Propagator

	stopped int32

	mu struct {
		sync.RWMutex
		primaries   map[uint64]*bucket.Bucket
		secondaries map[uint64]*bucket.Bucket
	}
}

// NewStore creates a store. trans is used to propagate committed ops to
// secondary copies, r resolves their addresses.
func NewStore(cfg *config.Config, trans transport.Transport, r *router.Router, opts ...Option) *Store {
	cfg.Adjust()
	s := &Store{
		cfg:      cfg,
		logger:   log.Adjust(cfg.Logger).Named("store"),
		trans:    trans,
		router:   r,
		notifier: notify.NewNopNotifier(),
	}
	s.mu.primaries = make(map[uint64]*bucket.Bucket)
	s.mu.secondaries = make(map[uint64]*bucket.Bucket)
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.clock = hlc.NewUnixNanoHLCClock(ctx, cfg.MaxClockOffset.Duration)
	s.clockCancel = cancel
	s.propagator = redundancy.NewPropagator(trans, r,
		cfg.Client.RequestTimeout.Duration, cfg.Logger)

	s.logger.Info("store created",
		log.MemberIDField(cfg.Member),
		log.ListenAddressField(cfg.Addr))
	return s
}

// Addr returns the address this store serves to other members.
func (s *Store) Addr() string {
	return s.cfg.Addr
}

// Clock returns the store's hlc clock.
func (s *Store) Clock() *hlc.Clock {
	return s.clock
}

// AddBucket starts hosting a bucket replica. Primary replicas assign
// version stamps, secondary replicas only accept replicated ops.
func (s *Store) AddBucket(id uint64, primary bool) *bucket.Bucket {
	b := bucket.NewBucket(id, s.cfg.Member, s.clock,
		s.cfg.Replication.RetentionHorizon.Duration, s.hook, s.cfg.Logger)

	s.mu.Lock()
	if primary {
		s.mu.primaries[id] = b
	} else {
		s.mu.secondaries[id] = b
	}
	s.mu.Unlock()

	s.logger.Info("bucket replica added",
		log.BucketIDField(id),
		zap.Bool("primary", primary))
	return b
}

// PromoteBucket turns a hosted secondary replica into the primary, used
// when the redundancy subsystem fails a bucket over.
func (s *Store) PromoteBucket(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.mu.secondaries[id]
	if !ok {
		return false
	}
	delete(s.mu.secondaries, id)
	s.mu.primaries[id] = b

	s.logger.Info("bucket replica promoted", log.BucketIDField(id))
	return true
}

// Bucket returns a hosted replica of the bucket, primary or secondary.
func (s *Store) Bucket(id uint64) *bucket.Bucket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.mu.primaries[id]; ok {
		return b
	}
	return s.mu.secondaries[id]
}

// Kill makes the store refuse any further key application, simulating a
// member failure. A sub-batch in progress reports its applied prefix and
// the un-applied remainder as unavailable.
func (s *Store) Kill() {
	atomic.StoreInt32(&s.stopped, 1)
	s.logger.Info("store killed")
}

// Stop stops the store.
func (s *Store) Stop() {
	s.Kill()
	s.clockCancel()
	s.logger.Info("store stopped")
}

// HandleSubBatch implements transport.Handler.
func (s *Store) HandleSubBatch(req *meta.SubBatchRequest) *meta.SubBatchResponse {
	if req.Replica {
		return s.handleReplica(req)
	}

	resp := &meta.SubBatchResponse{
		Results: make([]meta.KeyResult, 0, len(req.Entries)),
	}

	var order []uint64
	applied := make(map[uint64][]meta.AppliedOp)
	events := make(map[uint64][]meta.Event)

	aborted := meta.Cause{}
	for _, e := range req.Entries {
		if !aborted.IsZero() {
			resp.Results = append(resp.Results, meta.KeyResult{
				Index: e.Index, Key: e.Entry.Key, Cause: aborted})
			continue
		}
		if atomic.LoadInt32(&s.stopped) == 1 {
			// became unreachable mid-batch, the applied prefix stands
			aborted = meta.Cause{Code: meta.CauseUnavailable,
				Message: "member unreachable mid-batch"}
			resp.Results = append(resp.Results, meta.KeyResult{
				Index: e.Index, Key: e.Entry.Key, Cause: aborted})
			continue
		}

		b := s.primary(e.Bucket)
		if b == nil {
			// advisory routing went stale, the coordinator re-routes
			resp.Results = append(resp.Results, meta.KeyResult{
				Index: e.Index, Key: e.Entry.Key,
				Cause: meta.Cause{Code: meta.CauseRoutingStale,
					Message: "bucket not hosted here"}})
			continue
		}

		event, stamp, duplicate, err := b.Apply(e, req.ID)
		if err != nil {
			metric.IncVeto()
			resp.Results = append(resp.Results, meta.KeyResult{
				Index: e.Index, Key: e.Entry.Key,
				Cause: meta.Cause{Code: meta.CauseVetoed, Message: err.Error()}})
			if ce := s.logger.Check(zap.DebugLevel, "sub-batch aborted"); ce != nil {
				ce.Write(log.KeyField(e.Entry.Key),
					log.ReasonField(err.Error()))
			}
			aborted = meta.Cause{Code: meta.CauseVetoed,
				Message: "sub-batch aborted by an earlier veto"}
			continue
		}

		resp.Results = append(resp.Results, meta.KeyResult{
			Index: e.Index, Key: e.Entry.Key, Applied: true, Stamp: stamp})
		if duplicate {
			// already applied under this operation id, no event and no
			// propagation, the original outcome is returned
			metric.IncRetryDuplicate()
			continue
		}

		metric.AddKeysApplied(e.Entry.Kind.String(), 1)
		if _, ok := applied[e.Bucket]; !ok {
			order = append(order, e.Bucket)
		}
		applied[e.Bucket] = append(applied[e.Bucket],
			meta.AppliedOp{Entry: e, Stamp: stamp})
		events[e.Bucket] = append(events[e.Bucket], event)
	}

	ctx := context.Background()
	for _, id := range order {
		s.propagator.Propagate(ctx, id, req.ID, applied[id])
		s.notifier.OnEvents(id, events[id])
	}
	return resp
}

func (s *Store) handleReplica(req *meta.SubBatchRequest) *meta.SubBatchResponse {
	resp := &meta.SubBatchResponse{
		Results: make([]meta.KeyResult, 0, len(req.Entries)),
	}
	if len(req.Stamps) != len(req.Entries) {
		for _, e := range req.Entries {
			resp.Results = append(resp.Results, meta.KeyResult{
				Index: e.Index, Key: e.Entry.Key,
				Cause: meta.Cause{Code: meta.CauseInvalidArgument,
					Message: "replica request without stamps"}})
		}
		return resp
	}

	for i, e := range req.Entries {
		b := s.Bucket(e.Bucket)
		if b == nil {
			resp.Results = append(resp.Results, meta.KeyResult{
				Index: e.Index, Key: e.Entry.Key,
				Cause: meta.Cause{Code: meta.CauseRoutingStale,
					Message: "bucket not hosted here"}})
			continue
		}
		b.ApplyReplicated(e, req.ID, req.Stamps[i])
		resp.Results = append(resp.Results, meta.KeyResult{
			Index: e.Index, Key: e.Entry.Key, Applied: true, Stamp: req.Stamps[i]})
	}
	return resp
}

func (s *Store) primary(id uint64) *bucket.Bucket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mu.primaries[id]
}
