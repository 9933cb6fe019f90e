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

package meta

import (
	"github.com/bitleaf/gridstore/util/hlc"
)

// OpKind is the kind of a single key mutation.
type OpKind byte

const (
	// OpPut put the value of a key
	OpPut = OpKind(1)
	// OpRemove remove a key, its version stamp is retained as a tombstone
	OpRemove = OpKind(2)
)

func (k OpKind) String() string {
	switch k {
	case OpPut:
		return "put"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// OperationID identifies one client attempt of a batch. Retries of the
// same batch carry the same OperationID, which is how the grid recognizes
// already applied keys. It is unrelated to version-based conflict
// resolution between independent clients.
type OperationID struct {
	Member   uint64
	Sequence uint64
}

// IsEmpty returns true if no operation id has been assigned.
func (id OperationID) IsEmpty() bool {
	return id.Member == 0 && id.Sequence == 0
}

// VersionStamp is attached to every entry, tombstones included. The
// stored stamp of a key strictly dominates every stamp previously
// committed for that key.
type VersionStamp struct {
	EntryVersion uint64
	Timestamp    hlc.Timestamp
	Member       uint64
}

// IsEmpty returns true if the stamp has not been assigned.
func (v VersionStamp) IsEmpty() bool {
	return v.EntryVersion == 0
}

// Dominates returns true if v wins against o, ordered by entry version,
// tie-broken by hlc timestamp and then by originating member.
func (v VersionStamp) Dominates(o VersionStamp) bool {
	if v.EntryVersion != o.EntryVersion {
		return v.EntryVersion > o.EntryVersion
	}
	if !v.Timestamp.Equal(o.Timestamp) {
		return v.Timestamp.Greater(o.Timestamp)
	}
	return v.Member > o.Member
}

// BatchEntry is one requested key mutation. Value is nil for OpRemove.
type BatchEntry struct {
	Key   []byte
	Value []byte
	Kind  OpKind
}

// Batch is an ordered set of key mutations submitted as one unit. The
// OperationID is assigned once at creation and survives caller retries.
type Batch struct {
	ID      OperationID
	Entries []BatchEntry
}

// Put appends a put mutation to the batch.
func (b *Batch) Put(key, value []byte) *Batch {
	b.Entries = append(b.Entries, BatchEntry{Key: key, Value: value, Kind: OpPut})
	return b
}

// Remove appends a remove mutation to the batch.
func (b *Batch) Remove(key []byte) *Batch {
	b.Entries = append(b.Entries, BatchEntry{Key: key, Kind: OpRemove})
	return b
}

// IsEmpty returns true if the batch carries no mutation.
func (b *Batch) IsEmpty() bool {
	return b == nil || len(b.Entries) == 0
}

// Event is the immutable post-commit record of one applied mutation. It
// is constructed once by the entry applier and never mutated downstream.
type Event struct {
	Bucket   uint64
	Kind     OpKind
	Key      []byte
	OldValue []byte
	NewValue []byte
	Stamp    VersionStamp
	Created  bool
}

// SubBatchEntry is a batch entry routed to a destination, tagged with its
// position in the original batch so retries stay key-addressable.
type SubBatchEntry struct {
	Index  int
	Bucket uint64
	Entry  BatchEntry
}

// SubBatchRequest is the per-destination slice of a batch. Replica
// requests carry the stamps already assigned by the primary, parallel to
// Entries, so secondaries never re-version.
type SubBatchRequest struct {
	ID      OperationID
	Replica bool
	Entries []SubBatchEntry
	Stamps  []VersionStamp
}

// KeyResult is the outcome of one sub-batch entry.
type KeyResult struct {
	Index   int
	Key     []byte
	Applied bool
	Stamp   VersionStamp
	Cause   Cause
}

// SubBatchResponse carries one KeyResult per sub-batch entry, in
// application order.
type SubBatchResponse struct {
	Results []KeyResult
}

// AppliedOp is one committed mutation with its assigned stamp, in the
// exact order decided by the primary. Redundancy propagation replays
// these as-is.
type AppliedOp struct {
	Entry SubBatchEntry
	Stamp VersionStamp
}

// BucketHosts is the current host assignment of a bucket as reported by
// the membership collaborator.
type BucketHosts struct {
	Bucket      uint64
	Primary     string
	Secondaries []string
	Epoch       uint64
}
