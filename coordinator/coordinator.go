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

package coordinator

import (
	"bytes"
	"context"
	"sync/atomic"

	"github.com/bitleaf/gridstore/components/log"
	"github.com/bitleaf/gridstore/config"
	"github.com/bitleaf/gridstore/meta"
	"github.com/bitleaf/gridstore/metric"
	"github.com/bitleaf/gridstore/router"
	"github.com/bitleaf/gridstore/transport"
	"github.com/bitleaf/gridstore/util/stop"
	"github.com/cockroachdb/errors"
	"github.com/fagongzi/util/hack"
	"go.uber.org/zap"
)

// Coordinator is the client-visible entry point of batch mutations. It
// splits a batch by destination, dispatches the sub-batches (in parallel
// when they span servers), aggregates the per-key outcomes and raises a
// partial-application error when committed keys are a strict subset of
// the requested ones.
type Coordinator struct {
	cfg     *config.Config
	logger  *zap.Logger
	trans   transport.Transport
	router  *router.Router
	stopper *stop.Stopper

	sequence uint64
}

// NewCoordinator create a batch coordinator sending through trans.
func NewCoordinator(cfg *config.Config, trans transport.Transport, r *router.Router) *Coordinator {
	cfg.Adjust()
	return &Coordinator{
		cfg:     cfg,
		logger:  log.Adjust(cfg.Logger).Named("coordinator"),
		trans:   trans,
		router:  r,
		stopper: stop.NewStopper(),
	}
}

// Stop stops the coordinator. In-flight sub-batches are not cancelled,
// they run to completion or timeout.
func (c *Coordinator) Stop() {
	c.stopper.Stop()
	c.logger.Info("coordinator stopped")
}

// NewBatch returns an empty batch with a fresh operation identifier.
// Retrying the same *Batch value keeps the identifier, which is what
// makes whole-batch retries idempotent.
func (c *Coordinator) NewBatch() *meta.Batch {
	return &meta.Batch{ID: meta.OperationID{
		Member:   c.cfg.Member,
		Sequence: atomic.AddUint64(&c.sequence, 1),
	}}
}

// subSend is one per-destination dispatch and its outcome.
type subSend struct {
	addr    string
	entries []meta.SubBatchEntry
	resp    *meta.SubBatchResponse
	err     error
}

// ExecuteBatch executes all mutations of the batch. It returns the
// result and nil on full success; the result plus a
// *meta.PartialApplicationError when only some keys committed; and the
// result plus a total-failure error when nothing committed. Every
// requested key ends in exactly one of result.Committed or result.Failed.
func (c *Coordinator) ExecuteBatch(ctx context.Context, batch *meta.Batch) (*meta.PartialResult, error) {
	if batch.IsEmpty() {
		metric.IncBatchExecuted("invalid")
		return nil, meta.ErrInvalidBatch
	}
	if batch.ID.IsEmpty() {
		batch.ID = c.NewBatch().ID
	}

	entries := c.collapse(batch.Entries)
	result := meta.NewPartialResult()

	sends, err := c.groupByDestination(entries)
	if err != nil {
		// no destination reachable before anything was sent
		metric.IncBatchExecuted("failed")
		for _, e := range entries {
			result.Failed[string(e.Entry.Key)] = meta.Cause{
				Code: meta.CauseUnavailable, Message: err.Error()}
		}
		result.AvailabilityDegraded = true
		return result, errors.Wrapf(meta.ErrUnavailable, "routing failed")
	}

	c.dispatch(ctx, batch.ID, sends)
	retry := c.collect(result, sends, false)

	if len(retry) > 0 {
		// unavailability and staleness get exactly one retry against
		// refreshed metadata, vetoes never retry
		retrySends, err := c.reroute(batch.ID, retry)
		if err != nil {
			for _, e := range retry {
				result.Failed[string(e.Entry.Key)] = meta.Cause{
					Code: meta.CauseUnavailable, Message: err.Error()}
			}
		} else {
			c.dispatch(ctx, batch.ID, retrySends)
			c.collect(result, retrySends, true)
		}
	}

	// every requested key must settle exactly once, even against a
	// destination whose response covered the wrong entries
	for _, e := range entries {
		key := string(e.Entry.Key)
		if _, ok := result.Committed[key]; ok {
			continue
		}
		if _, ok := result.Failed[key]; ok {
			continue
		}
		result.Failed[key] = meta.Cause{Code: meta.CauseInvalidArgument,
			Message: "destination returned no outcome for this key"}
	}

	for key := range result.Failed {
		if result.Failed[key].Code == meta.CauseUnavailable {
			result.AvailabilityDegraded = true
			break
		}
	}

	switch {
	case result.FullyCommitted():
		metric.IncBatchExecuted("full")
		return result, nil
	case len(result.Committed) == 0:
		metric.IncBatchExecuted("failed")
		return result, c.totalFailure(result)
	default:
		metric.IncBatchExecuted("partial")
		return result, &meta.PartialApplicationError{Result: result}
	}
}

// collapse deduplicates keys, keeping the first occurrence's position
// and the last occurrence's mutation, so a batch built from a logical
// map commits each key once with its final value.
func (c *Coordinator) collapse(entries []meta.BatchEntry) []meta.SubBatchEntry {
	collapsed := make([]meta.SubBatchEntry, 0, len(entries))
	byKey := make(map[string]int, len(entries))
	for _, e := range entries {
		k := hack.SliceToString(e.Key)
		if at, ok := byKey[k]; ok {
			collapsed[at].Entry = e
			continue
		}
		byKey[k] = len(collapsed)
		collapsed = append(collapsed, meta.SubBatchEntry{
			Index: len(collapsed),
			Entry: e,
		})
	}
	return collapsed
}

// groupByDestination resolves every entry through the router and groups
// the entries by primary address, preserving batch order within each
// group. The resolved bucket is stamped onto the entry so the retry path
// knows which metadata to refresh.
func (c *Coordinator) groupByDestination(entries []meta.SubBatchEntry) ([]*subSend, error) {
	batchEntries := make([]meta.BatchEntry, 0, len(entries))
	for _, e := range entries {
		batchEntries = append(batchEntries, e.Entry)
	}
	dests, err := c.router.Route(batchEntries)
	if err != nil {
		return nil, err
	}

	var order []string
	grouped := make(map[string][]meta.SubBatchEntry)
	for i, d := range dests {
		entries[i].Bucket = d.Bucket
		if _, ok := grouped[d.Addr]; !ok {
			order = append(order, d.Addr)
		}
		grouped[d.Addr] = append(grouped[d.Addr], entries[i])
	}

	sends := make([]*subSend, 0, len(order))
	for _, addr := range order {
		sends = append(sends, &subSend{addr: addr, entries: grouped[addr]})
	}
	return sends, nil
}

// dispatch sends every sub-batch and blocks until all have completed or
// timed out. A single destination is a synchronous single-hop; multiple
// destinations fan out in parallel, and a failing sibling never cancels
// the others (join semantics).
func (c *Coordinator) dispatch(ctx context.Context, id meta.OperationID, sends []*subSend) {
	if len(sends) == 1 {
		c.send(ctx, id, sends[0])
		return
	}

	done := make(chan *subSend, len(sends))
	for _, s := range sends {
		s := s
		// the caller's ctx governs the round trip, the stopper only
		// tracks the goroutine; a departed sub-batch is never cancelled
		err := c.stopper.RunNamedTask("sub-batch", func(context.Context) {
			c.send(ctx, id, s)
			done <- s
		})
		if err != nil {
			s.err = err
			done <- s
		}
	}
	for range sends {
		<-done
	}
}

func (c *Coordinator) send(ctx context.Context, id meta.OperationID, s *subSend) {
	req := &meta.SubBatchRequest{ID: id, Entries: s.entries}

	sctx, cancel := context.WithTimeout(ctx, c.cfg.Client.RequestTimeout.Duration)
	defer cancel()

	if ce := c.logger.Check(zap.DebugLevel, "sub-batch dispatched"); ce != nil {
		ce.Write(log.OperationIDField(id.Member, id.Sequence),
			log.DestinationField(s.addr),
			log.EntryCountField(len(s.entries)))
	}
	s.resp, s.err = c.trans.Send(sctx, s.addr, req)
}

// collect merges the outcome of each send into the result and returns
// the entries that deserve the one metadata-refresh retry. In the final
// pass every entry must settle, so retryables turn into failures.
func (c *Coordinator) collect(result *meta.PartialResult, sends []*subSend, final bool) []meta.SubBatchEntry {
	var retry []meta.SubBatchEntry
	for _, s := range sends {
		if s.err != nil {
			// the connection broke or timed out, so the destination may
			// have applied any prefix of this sub-batch. Committed keys
			// stay committed; the rest is unknown and only an idempotent
			// retry can settle it.
			c.logger.Warn("sub-batch destination unreachable",
				log.DestinationField(s.addr),
				zap.Error(s.err))
			for _, e := range s.entries {
				if _, ok := result.Committed[string(e.Entry.Key)]; ok {
					continue
				}
				if final {
					result.Failed[string(e.Entry.Key)] = meta.Cause{
						Code: meta.CauseUnavailable, Message: "outcome unknown"}
					continue
				}
				retry = append(retry, e)
			}
			continue
		}

		for _, kr := range s.resp.Results {
			e, ok := c.find(s.entries, kr.Index)
			if !ok || !bytes.Equal(e.Entry.Key, kr.Key) {
				// a version-skewed destination answered an entry it was
				// never sent, the real keys settle in the final sweep
				c.logger.Warn("destination answered an unknown sub-batch entry",
					log.DestinationField(s.addr),
					log.KeyField(kr.Key))
				continue
			}

			key := string(kr.Key)
			if kr.Applied {
				result.Committed[key] = kr.Stamp
				delete(result.Failed, key)
				continue
			}

			switch kr.Cause.Code {
			case meta.CauseRoutingStale, meta.CauseUnavailable:
				if final {
					result.Failed[key] = kr.Cause
					continue
				}
				retry = append(retry, e)
			default:
				result.Failed[key] = kr.Cause
			}
		}
	}
	return retry
}

// reroute refreshes the metadata of every affected bucket and regroups
// the un-applied remainder against the (possibly promoted) hosts.
func (c *Coordinator) reroute(id meta.OperationID, retry []meta.SubBatchEntry) ([]*subSend, error) {
	refreshed := make(map[uint64]struct{})
	for _, e := range retry {
		if _, ok := refreshed[e.Bucket]; ok {
			continue
		}
		refreshed[e.Bucket] = struct{}{}
		metric.IncRoutingRefresh()
		if _, err := c.router.Refresh(e.Bucket); err != nil {
			return nil, err
		}
		if ce := c.logger.Check(zap.DebugLevel, "bucket metadata refreshed"); ce != nil {
			ce.Write(log.OperationIDField(id.Member, id.Sequence),
				log.BucketIDField(e.Bucket))
		}
	}
	return c.groupByDestination(retry)
}

func (c *Coordinator) find(entries []meta.SubBatchEntry, index int) (meta.SubBatchEntry, bool) {
	for _, e := range entries {
		if e.Index == index {
			return e, true
		}
	}
	return meta.SubBatchEntry{}, false
}

func (c *Coordinator) totalFailure(result *meta.PartialResult) error {
	for _, cause := range result.Failed {
		if cause.Code == meta.CauseVetoed {
			return errors.Wrapf(meta.ErrVetoed, "%s", cause.Message)
		}
	}
	return errors.Wrapf(meta.ErrUnavailable, "no keys applied")
}
