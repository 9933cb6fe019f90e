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

package version

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/bitleaf/gridstore/meta"
	"github.com/bitleaf/gridstore/util/hlc"
	"github.com/fagongzi/util/hack"
)

// maxEvictPerOp bounds the work done by the inline best-effort sweep.
const maxEvictPerOp = 64

// Authority assigns version stamps for one bucket and recognizes keys
// already applied under a retried operation identifier. Recognition data
// is kept in a time-bounded window: once a record falls out of the
// horizon a retry is indistinguishable from a new operation and will be
// re-applied.
type Authority struct {
	member  uint64
	clock   *hlc.Clock
	horizon time.Duration

	records sync.Map // operation id + key -> appliedRecord

	evict struct {
		sync.Mutex
		queue []evictItem
	}
}

type appliedRecord struct {
	stamp meta.VersionStamp
	at    time.Time
}

type evictItem struct {
	key string
	at  time.Time
}

// NewAuthority creates the version stamp authority of one bucket.
func NewAuthority(member uint64, clock *hlc.Clock, horizon time.Duration) *Authority {
	return &Authority{
		member:  member,
		clock:   clock,
		horizon: horizon,
	}
}

// Recognize returns the stamp previously assigned to (key, operation id)
// and true, or an empty stamp and false if the pair is unknown. Known
// pairs skip the pre-commit hook and emit no event on retries.
func (a *Authority) Recognize(key []byte, id meta.OperationID) (meta.VersionStamp, bool) {
	if v, ok := a.records.Load(recordKey(id, key)); ok {
		return v.(appliedRecord).stamp, true
	}
	return meta.VersionStamp{}, false
}

// Assign assigns the next version stamp for the key and records the
// (key, operation id) pair in the retention window. current is the stamp
// currently stored for the key, empty for a first write. Must be invoked
// under the key's mutual exclusion.
func (a *Authority) Assign(key []byte, id meta.OperationID, current meta.VersionStamp) meta.VersionStamp {
	stamp := meta.VersionStamp{
		EntryVersion: current.EntryVersion + 1,
		Timestamp:    a.clock.Now(),
		Member:       a.member,
	}
	a.remember(recordKey(id, key), stamp)
	return stamp
}

// AssignOrRecognize combines Recognize and Assign for call sites without
// a pre-commit hook between the two.
func (a *Authority) AssignOrRecognize(key []byte, id meta.OperationID, current meta.VersionStamp) (meta.VersionStamp, bool) {
	if stamp, ok := a.Recognize(key, id); ok {
		return stamp, true
	}
	return a.Assign(key, id, current), false
}

// RecordReplicated stores a stamp decided by the primary, so that a
// retried batch keeps returning the original stamps after a failover to
// this copy. The local clock is advanced past the stamp.
func (a *Authority) RecordReplicated(key []byte, id meta.OperationID, stamp meta.VersionStamp) {
	a.clock.Update(stamp.Timestamp)
	a.remember(recordKey(id, key), stamp)
}

func (a *Authority) remember(k string, stamp meta.VersionStamp) {
	now := time.Now()
	a.records.Store(k, appliedRecord{stamp: stamp, at: now})

	a.evict.Lock()
	a.evict.queue = append(a.evict.queue, evictItem{key: k, at: now})
	n := 0
	for _, item := range a.evict.queue {
		if n >= maxEvictPerOp || now.Sub(item.at) < a.horizon {
			break
		}
		// a record re-stored since this queue item was added carries a
		// fresher timestamp and keeps its own, newer queue item
		if v, ok := a.records.Load(item.key); ok &&
			now.Sub(v.(appliedRecord).at) >= a.horizon {
			a.records.Delete(item.key)
		}
		n++
	}
	a.evict.queue = a.evict.queue[n:]
	a.evict.Unlock()
}

func recordKey(id meta.OperationID, key []byte) string {
	b := make([]byte, 16+len(key))
	binary.LittleEndian.PutUint64(b, id.Member)
	binary.LittleEndian.PutUint64(b[8:], id.Sequence)
	copy(b[16:], key)
	return hack.SliceToString(b)
}
