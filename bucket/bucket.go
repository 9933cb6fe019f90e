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

package bucket

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitleaf/gridstore/components/log"
	"github.com/bitleaf/gridstore/meta"
	"github.com/bitleaf/gridstore/util/hlc"
	"github.com/bitleaf/gridstore/version"
	"github.com/fagongzi/util/hack"
	"go.uber.org/zap"
)

const lockStripes = 128

type entry struct {
	value     []byte
	stamp     meta.VersionStamp
	tombstone bool
}

// Stats per bucket mutation counters.
type Stats struct {
	Creates  uint64
	Updates  uint64
	Destroys uint64
}

// Bucket is one partition replica hosted by a store. The hook/commit/
// version sequence of a key is serialized by a striped lock, so unrelated
// keys stay concurrent while two batches touching the same key can not
// interleave.
type Bucket struct {
	id        uint64
	logger    *zap.Logger
	authority *version.Authority
	hook      PreCommitHook

	locks [lockStripes]sync.Mutex

	mu struct {
		sync.RWMutex
		entries map[string]*entry
	}

	atomic struct {
		creates  uint64
		updates  uint64
		destroys uint64
	}
}

// NewBucket creates a bucket replica. hook may be nil.
func NewBucket(id, member uint64, clock *hlc.Clock, horizon time.Duration, hook PreCommitHook, logger *zap.Logger) *Bucket {
	b := &Bucket{
		id:        id,
		logger:    log.Adjust(logger).Named("bucket"),
		authority: version.NewAuthority(member, clock, horizon),
		hook:      hook,
	}
	b.mu.entries = make(map[string]*entry)
	return b
}

// ID returns the bucket id.
func (b *Bucket) ID() uint64 {
	return b.id
}

// Authority returns the bucket's version stamp authority.
func (b *Bucket) Authority() *version.Authority {
	return b.authority
}

// Apply applies one mutation as the primary copy: recognize retried
// operations, invoke the pre-commit hook, commit, assign the stamp and
// build the post-commit event. The returned bool is true for a duplicate,
// in which case no event is produced and the previously assigned stamp is
// returned. Where the event goes next is the caller's concern.
func (b *Bucket) Apply(op meta.SubBatchEntry, id meta.OperationID) (meta.Event, meta.VersionStamp, bool, error) {
	key := op.Entry.Key
	l := b.lockFor(key)
	l.Lock()
	defer l.Unlock()

	if stamp, ok := b.authority.Recognize(key, id); ok {
		if ce := b.logger.Check(zap.DebugLevel, "retried operation recognized"); ce != nil {
			ce.Write(log.BucketIDField(b.id),
				log.OperationIDField(id.Member, id.Sequence),
				log.KeyField(key))
		}
		return meta.Event{}, stamp, true, nil
	}

	old := b.loadEntry(key)
	var oldValue []byte
	var current meta.VersionStamp
	if old != nil {
		current = old.stamp
		if !old.tombstone {
			oldValue = old.value
		}
	}

	if b.hook != nil {
		if err := b.hook.BeforeApply(op.Entry.Kind, key, oldValue, op.Entry.Value); err != nil {
			return meta.Event{}, meta.VersionStamp{}, false, &VetoError{Reason: err.Error()}
		}
	}

	stamp := b.authority.Assign(key, id, current)
	b.commit(op, stamp, old)

	event := meta.Event{
		Bucket:   b.id,
		Kind:     op.Entry.Kind,
		Key:      key,
		OldValue: oldValue,
		NewValue: op.Entry.Value,
		Stamp:    stamp,
		Created:  op.Entry.Kind == meta.OpPut && (old == nil || old.tombstone),
	}
	return event, stamp, false, nil
}

// ApplyReplicated applies a mutation already decided by the primary with
// its original stamp. The stamp is recorded for duplicate recognition so
// retries keep their outcome after a failover to this copy. Stale replays
// whose stamp is dominated by the stored one are ignored.
func (b *Bucket) ApplyReplicated(op meta.SubBatchEntry, id meta.OperationID, stamp meta.VersionStamp) {
	key := op.Entry.Key
	l := b.lockFor(key)
	l.Lock()
	defer l.Unlock()

	b.authority.RecordReplicated(key, id, stamp)

	old := b.loadEntry(key)
	if old != nil && old.stamp.Dominates(stamp) {
		if ce := b.logger.Check(zap.DebugLevel, "stale replica op skipped"); ce != nil {
			ce.Write(log.BucketIDField(b.id), log.KeyField(key))
		}
		return
	}
	b.commit(op, stamp, old)
}

// Get returns the live value and stamp of a key. Tombstoned and unknown
// keys report false.
func (b *Bucket) Get(key []byte) ([]byte, meta.VersionStamp, bool) {
	l := b.lockFor(key)
	l.Lock()
	defer l.Unlock()

	if e := b.loadEntry(key); e != nil && !e.tombstone {
		return e.value, e.stamp, true
	}
	return nil, meta.VersionStamp{}, false
}

// Stamp returns the version stamp of a key, tombstones included.
func (b *Bucket) Stamp(key []byte) (meta.VersionStamp, bool) {
	l := b.lockFor(key)
	l.Lock()
	defer l.Unlock()

	if e := b.loadEntry(key); e != nil {
		return e.stamp, true
	}
	return meta.VersionStamp{}, false
}

// Stats returns the bucket's mutation counters.
func (b *Bucket) Stats() Stats {
	return Stats{
		Creates:  atomic.LoadUint64(&b.atomic.creates),
		Updates:  atomic.LoadUint64(&b.atomic.updates),
		Destroys: atomic.LoadUint64(&b.atomic.destroys),
	}
}

func (b *Bucket) commit(op meta.SubBatchEntry, stamp meta.VersionStamp, old *entry) {
	e := &entry{stamp: stamp}
	switch op.Entry.Kind {
	case meta.OpPut:
		e.value = op.Entry.Value
		if old == nil || old.tombstone {
			atomic.AddUint64(&b.atomic.creates, 1)
		} else {
			atomic.AddUint64(&b.atomic.updates, 1)
		}
	case meta.OpRemove:
		// the tombstone keeps the stamp so a retried remove can return it
		e.tombstone = true
		atomic.AddUint64(&b.atomic.destroys, 1)
	}
	b.storeEntry(op.Entry.Key, e)
}

func (b *Bucket) loadEntry(key []byte) *entry {
	b.mu.RLock()
	e := b.mu.entries[hack.SliceToString(key)]
	b.mu.RUnlock()
	return e
}

func (b *Bucket) storeEntry(key []byte, e *entry) {
	b.mu.Lock()
	b.mu.entries[string(key)] = e
	b.mu.Unlock()
}

func (b *Bucket) lockFor(key []byte) *sync.Mutex {
	h := fnv.New32a()
	h.Write(key)
	return &b.locks[h.Sum32()%lockStripes]
}
