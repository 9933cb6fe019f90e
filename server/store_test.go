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
	"testing"
	"time"

	"github.com/bitleaf/gridstore/bucket"
	"github.com/bitleaf/gridstore/config"
	"github.com/bitleaf/gridstore/meta"
	"github.com/bitleaf/gridstore/notify"
	"github.com/bitleaf/gridstore/router"
	"github.com/bitleaf/gridstore/transport"
	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeEnv struct {
	network    *transport.MemNetwork
	membership *router.StaticMembership
	notifier   *notify.RecordingNotifier
	store      *Store
}

func newStoreEnv(t *testing.T, member uint64, addr string, opts ...Option) *storeEnv {
	env := &storeEnv{
		network:    transport.NewMemNetwork(),
		membership: router.NewStaticMembership(),
		notifier:   &notify.RecordingNotifier{},
	}
	cfg := &config.Config{Member: member, Addr: addr, Buckets: 4}
	r := router.NewRouter(cfg.Buckets, env.membership, 100, nil)
	opts = append(opts, WithNotifier(env.notifier))
	env.store = NewStore(cfg, env.network.NewTransport(), r, opts...)
	env.network.Listen(addr, env.store.HandleSubBatch)
	return env
}

func putEntry(index int, bucket uint64, key, value string) meta.SubBatchEntry {
	return meta.SubBatchEntry{
		Index:  index,
		Bucket: bucket,
		Entry:  meta.BatchEntry{Key: []byte(key), Value: []byte(value), Kind: meta.OpPut},
	}
}

func TestHandleSubBatchAppliesInOrder(t *testing.T) {
	defer leaktest.AfterTest(t)()

	env := newStoreEnv(t, 1, "s1")
	defer env.store.Stop()
	env.membership.SetHosts(0, "s1")
	env.store.AddBucket(0, true)

	req := &meta.SubBatchRequest{
		ID: meta.OperationID{Member: 1, Sequence: 1},
		Entries: []meta.SubBatchEntry{
			putEntry(0, 0, "k1", "v1"),
			putEntry(1, 0, "k2", "v2"),
			putEntry(2, 0, "k1", "v3"),
		},
	}
	resp := env.store.HandleSubBatch(req)

	require.Equal(t, 3, len(resp.Results), "TestHandleSubBatchAppliesInOrder failed")
	for i, kr := range resp.Results {
		assert.True(t, kr.Applied, "TestHandleSubBatchAppliesInOrder failed at %d", i)
		assert.Equal(t, req.Entries[i].Index, kr.Index,
			"TestHandleSubBatchAppliesInOrder failed at %d", i)
	}
	// the same key under one operation id is recognized on its second
	// appearance, the first outcome stands
	assert.Equal(t, uint64(1), resp.Results[0].Stamp.EntryVersion,
		"TestHandleSubBatchAppliesInOrder failed")
	assert.Equal(t, resp.Results[0].Stamp, resp.Results[2].Stamp,
		"TestHandleSubBatchAppliesInOrder failed")

	value, _, ok := env.store.Bucket(0).Get([]byte("k1"))
	require.True(t, ok, "TestHandleSubBatchAppliesInOrder failed")
	assert.Equal(t, []byte("v1"), value, "TestHandleSubBatchAppliesInOrder failed")

	events := env.notifier.Events()
	require.Equal(t, 2, len(events), "TestHandleSubBatchAppliesInOrder failed")
	assert.Equal(t, []byte("k1"), events[0].Key, "TestHandleSubBatchAppliesInOrder failed")
	assert.Equal(t, []byte("k2"), events[1].Key, "TestHandleSubBatchAppliesInOrder failed")
}

func TestHandleSubBatchReportsStaleRouting(t *testing.T) {
	defer leaktest.AfterTest(t)()

	env := newStoreEnv(t, 1, "s1")
	defer env.store.Stop()
	resp := env.store.HandleSubBatch(&meta.SubBatchRequest{
		ID:      meta.OperationID{Member: 1, Sequence: 1},
		Entries: []meta.SubBatchEntry{putEntry(0, 0, "k1", "v1")},
	})

	require.Equal(t, 1, len(resp.Results), "TestHandleSubBatchReportsStaleRouting failed")
	assert.False(t, resp.Results[0].Applied, "TestHandleSubBatchReportsStaleRouting failed")
	assert.Equal(t, meta.CauseRoutingStale, resp.Results[0].Cause.Code,
		"TestHandleSubBatchReportsStaleRouting failed")
}

func TestVetoAbortsSubBatchRemainder(t *testing.T) {
	defer leaktest.AfterTest(t)()

	env := newStoreEnv(t, 1, "s1",
		WithPreCommitHook(bucket.NewVetoAfterHook(1, "quota exceeded")))
	defer env.store.Stop()
	env.membership.SetHosts(0, "s1")
	env.store.AddBucket(0, true)

	resp := env.store.HandleSubBatch(&meta.SubBatchRequest{
		ID: meta.OperationID{Member: 1, Sequence: 1},
		Entries: []meta.SubBatchEntry{
			putEntry(0, 0, "k1", "v1"),
			putEntry(1, 0, "k2", "v2"),
			putEntry(2, 0, "k3", "v3"),
		},
	})

	require.Equal(t, 3, len(resp.Results), "TestVetoAbortsSubBatchRemainder failed")
	assert.True(t, resp.Results[0].Applied, "TestVetoAbortsSubBatchRemainder failed")
	assert.Equal(t, meta.CauseVetoed, resp.Results[1].Cause.Code,
		"TestVetoAbortsSubBatchRemainder failed")
	assert.Equal(t, meta.CauseVetoed, resp.Results[2].Cause.Code,
		"TestVetoAbortsSubBatchRemainder failed")

	// the vetoed and aborted keys never reach the bucket
	_, _, ok := env.store.Bucket(0).Get([]byte("k2"))
	assert.False(t, ok, "TestVetoAbortsSubBatchRemainder failed")
	_, _, ok = env.store.Bucket(0).Get([]byte("k3"))
	assert.False(t, ok, "TestVetoAbortsSubBatchRemainder failed")
	assert.Equal(t, 1, len(env.notifier.Events()), "TestVetoAbortsSubBatchRemainder failed")
}

func TestKillMidBatchKeepsAppliedPrefix(t *testing.T) {
	defer leaktest.AfterTest(t)()

	var env *storeEnv
	hook := bucket.NewTriggerAfterHook(2, func() { env.store.Kill() })
	env = newStoreEnv(t, 1, "s1", WithPreCommitHook(hook))
	defer env.store.Stop()
	env.membership.SetHosts(0, "s1")
	env.store.AddBucket(0, true)

	resp := env.store.HandleSubBatch(&meta.SubBatchRequest{
		ID: meta.OperationID{Member: 1, Sequence: 1},
		Entries: []meta.SubBatchEntry{
			putEntry(0, 0, "k1", "v1"),
			putEntry(1, 0, "k2", "v2"),
			putEntry(2, 0, "k3", "v3"),
			putEntry(3, 0, "k4", "v4"),
		},
	})

	require.Equal(t, 4, len(resp.Results), "TestKillMidBatchKeepsAppliedPrefix failed")
	assert.True(t, resp.Results[0].Applied, "TestKillMidBatchKeepsAppliedPrefix failed")
	assert.True(t, resp.Results[1].Applied, "TestKillMidBatchKeepsAppliedPrefix failed")
	assert.Equal(t, meta.CauseUnavailable, resp.Results[2].Cause.Code,
		"TestKillMidBatchKeepsAppliedPrefix failed")
	assert.Equal(t, meta.CauseUnavailable, resp.Results[3].Cause.Code,
		"TestKillMidBatchKeepsAppliedPrefix failed")

	value, _, ok := env.store.Bucket(0).Get([]byte("k2"))
	require.True(t, ok, "TestKillMidBatchKeepsAppliedPrefix failed")
	assert.Equal(t, []byte("v2"), value, "TestKillMidBatchKeepsAppliedPrefix failed")
}

func TestRetriedSubBatchReturnsOriginalOutcome(t *testing.T) {
	defer leaktest.AfterTest(t)()

	env := newStoreEnv(t, 1, "s1")
	defer env.store.Stop()
	env.membership.SetHosts(0, "s1")
	env.store.AddBucket(0, true)

	req := &meta.SubBatchRequest{
		ID:      meta.OperationID{Member: 1, Sequence: 1},
		Entries: []meta.SubBatchEntry{putEntry(0, 0, "k1", "v1")},
	}
	first := env.store.HandleSubBatch(req)
	second := env.store.HandleSubBatch(req)

	assert.Equal(t, first.Results, second.Results,
		"TestRetriedSubBatchReturnsOriginalOutcome failed")
	// the retry emits no second event
	assert.Equal(t, 1, len(env.notifier.Events()),
		"TestRetriedSubBatchReturnsOriginalOutcome failed")
	stats := env.store.Bucket(0).Stats()
	assert.Equal(t, uint64(1), stats.Creates,
		"TestRetriedSubBatchReturnsOriginalOutcome failed")
}

func TestHandleReplicaRequiresStamps(t *testing.T) {
	defer leaktest.AfterTest(t)()

	env := newStoreEnv(t, 1, "s1")
	defer env.store.Stop()
	env.store.AddBucket(0, false)

	resp := env.store.HandleSubBatch(&meta.SubBatchRequest{
		ID:      meta.OperationID{Member: 1, Sequence: 1},
		Replica: true,
		Entries: []meta.SubBatchEntry{putEntry(0, 0, "k1", "v1")},
	})

	require.Equal(t, 1, len(resp.Results), "TestHandleReplicaRequiresStamps failed")
	assert.Equal(t, meta.CauseInvalidArgument, resp.Results[0].Cause.Code,
		"TestHandleReplicaRequiresStamps failed")
}

func TestReplicaApplyAndPromote(t *testing.T) {
	defer leaktest.AfterTest(t)()

	env := newStoreEnv(t, 2, "s2")
	defer env.store.Stop()
	env.store.AddBucket(0, false)

	stamp := meta.VersionStamp{EntryVersion: 1, Member: 1}
	resp := env.store.HandleSubBatch(&meta.SubBatchRequest{
		ID:      meta.OperationID{Member: 1, Sequence: 1},
		Replica: true,
		Entries: []meta.SubBatchEntry{putEntry(0, 0, "k1", "v1")},
		Stamps:  []meta.VersionStamp{stamp},
	})
	require.True(t, resp.Results[0].Applied, "TestReplicaApplyAndPromote failed")

	// before the promotion the replica serves no primary traffic
	primaryResp := env.store.HandleSubBatch(&meta.SubBatchRequest{
		ID:      meta.OperationID{Member: 1, Sequence: 2},
		Entries: []meta.SubBatchEntry{putEntry(0, 0, "k2", "v2")},
	})
	assert.Equal(t, meta.CauseRoutingStale, primaryResp.Results[0].Cause.Code,
		"TestReplicaApplyAndPromote failed")

	require.True(t, env.store.PromoteBucket(0), "TestReplicaApplyAndPromote failed")
	env.membership.SetHosts(0, "s2")

	// a retried operation keeps its primary-assigned stamp across failover
	retried := env.store.HandleSubBatch(&meta.SubBatchRequest{
		ID:      meta.OperationID{Member: 1, Sequence: 1},
		Entries: []meta.SubBatchEntry{putEntry(0, 0, "k1", "v1")},
	})
	require.True(t, retried.Results[0].Applied, "TestReplicaApplyAndPromote failed")
	assert.Equal(t, stamp, retried.Results[0].Stamp, "TestReplicaApplyAndPromote failed")
}

func TestListenerNotifierObservesMixedOperations(t *testing.T) {
	defer leaktest.AfterTest(t)()

	counting := &notify.CountingListener{}
	notifier := &notify.ListenerNotifier{}
	notifier.AddListener(counting)
	notifier.AddListener(&notify.DelayingListener{Delay: time.Millisecond})

	network := transport.NewMemNetwork()
	membership := router.NewStaticMembership()
	cfg := &config.Config{Member: 1, Addr: "s1", Buckets: 4}
	r := router.NewRouter(cfg.Buckets, membership, 100, nil)
	store := NewStore(cfg, network.NewTransport(), r, WithNotifier(notifier))
	defer store.Stop()
	membership.SetHosts(0, "s1")
	store.AddBucket(0, true)

	store.HandleSubBatch(&meta.SubBatchRequest{
		ID: meta.OperationID{Member: 1, Sequence: 1},
		Entries: []meta.SubBatchEntry{
			putEntry(0, 0, "k1", "v1"),
			putEntry(1, 0, "k2", "v2"),
			putEntry(2, 0, "k3", "v3"),
		},
	})
	store.HandleSubBatch(&meta.SubBatchRequest{
		ID: meta.OperationID{Member: 1, Sequence: 2},
		Entries: []meta.SubBatchEntry{
			putEntry(0, 0, "k1", "v1-updated"),
			{Index: 1, Bucket: 0,
				Entry: meta.BatchEntry{Key: []byte("k2"), Kind: meta.OpRemove}},
		},
	})

	creates, updates, destroys := counting.Counts()
	assert.Equal(t, uint64(3), creates, "TestListenerNotifierObservesMixedOperations failed")
	assert.Equal(t, uint64(1), updates, "TestListenerNotifierObservesMixedOperations failed")
	assert.Equal(t, uint64(1), destroys, "TestListenerNotifierObservesMixedOperations failed")
}
