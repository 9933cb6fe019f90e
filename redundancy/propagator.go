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

package redundancy

import (
	"context"
	"time"

	"github.com/bitleaf/gridstore/components/log"
	"github.com/bitleaf/gridstore/meta"
	"github.com/bitleaf/gridstore/metric"
	"github.com/bitleaf/gridstore/router"
	"github.com/bitleaf/gridstore/transport"
	"go.uber.org/zap"
)

// Propagator replays the ordered, already-decided operations of a
// committed sub-batch to the secondary copies of a bucket. The ops carry
// the stamps assigned by the primary so secondaries never re-version:
// the primary stays the single source of truth. An unreachable secondary
// leaves the bucket under-redundant for the external repair process, it
// never fails the primary commit.
type Propagator struct {
	logger  *zap.Logger
	trans   transport.Transport
	router  *router.Router
	timeout time.Duration
}

// NewPropagator create a propagator sending through trans.
func NewPropagator(trans transport.Transport, r *router.Router, timeout time.Duration, logger *zap.Logger) *Propagator {
	return &Propagator{
		logger:  log.Adjust(logger).Named("redundancy"),
		trans:   trans,
		router:  r,
		timeout: timeout,
	}
}

// Propagate sends the applied ops of one bucket to each of its
// secondaries, in application order.
func (p *Propagator) Propagate(ctx context.Context, bucket uint64, id meta.OperationID, ops []meta.AppliedOp) {
	if len(ops) == 0 {
		return
	}

	hosts, err := p.router.Hosts(bucket)
	if err != nil {
		p.logger.Warn("bucket left under-redundant",
			log.BucketIDField(bucket),
			log.ReasonField("hosts lookup failed"),
			zap.Error(err))
		metric.IncUnderRedundancy()
		return
	}

	req := &meta.SubBatchRequest{
		ID:      id,
		Replica: true,
		Entries: make([]meta.SubBatchEntry, 0, len(ops)),
		Stamps:  make([]meta.VersionStamp, 0, len(ops)),
	}
	for _, op := range ops {
		req.Entries = append(req.Entries, op.Entry)
		req.Stamps = append(req.Stamps, op.Stamp)
	}

	for _, secondary := range hosts.Secondaries {
		sctx, cancel := context.WithTimeout(ctx, p.timeout)
		_, err := p.trans.Send(sctx, secondary, req)
		cancel()
		if err != nil {
			p.logger.Warn("bucket left under-redundant",
				log.BucketIDField(bucket),
				log.DestinationField(secondary),
				log.EntryCountField(len(ops)),
				zap.Error(err))
			metric.AddReplicaOps("failed", len(ops))
			metric.IncUnderRedundancy()
			continue
		}
		metric.AddReplicaOps("ok", len(ops))
	}
}
