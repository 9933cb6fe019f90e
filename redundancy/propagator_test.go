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
	"testing"
	"time"

	"github.com/bitleaf/gridstore/meta"
	"github.com/bitleaf/gridstore/router"
	"github.com/bitleaf/gridstore/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropagateReplaysToSecondaries(t *testing.T) {
	membership := router.NewStaticMembership()
	membership.SetHosts(0, "primary", "secondary-1", "secondary-2")
	r := router.NewRouter(1, membership, 8, nil)

	network := transport.NewMemNetwork()
	var received []*meta.SubBatchRequest
	handler := func(req *meta.SubBatchRequest) *meta.SubBatchResponse {
		received = append(received, req)
		return &meta.SubBatchResponse{}
	}
	network.Listen("secondary-1", handler)
	network.Listen("secondary-2", handler)

	p := NewPropagator(network.NewTransport(), r, time.Second, nil)
	id := meta.OperationID{Member: 1, Sequence: 1}
	ops := []meta.AppliedOp{
		{
			Entry: meta.SubBatchEntry{Index: 0, Bucket: 0,
				Entry: meta.BatchEntry{Key: []byte("k1"), Value: []byte("v1"), Kind: meta.OpPut}},
			Stamp: meta.VersionStamp{EntryVersion: 1, Member: 1},
		},
	}
	p.Propagate(context.Background(), 0, id, ops)

	require.Equal(t, 2, len(received), "TestPropagateReplaysToSecondaries failed")
	for _, req := range received {
		assert.True(t, req.Replica, "TestPropagateReplaysToSecondaries failed")
		assert.Equal(t, id, req.ID, "TestPropagateReplaysToSecondaries failed")
		require.Equal(t, 1, len(req.Entries), "TestPropagateReplaysToSecondaries failed")
		require.Equal(t, 1, len(req.Stamps), "TestPropagateReplaysToSecondaries failed")
		assert.Equal(t, ops[0].Stamp, req.Stamps[0],
			"TestPropagateReplaysToSecondaries failed")
	}
}

func TestPropagateToleratesUnreachableSecondary(t *testing.T) {
	membership := router.NewStaticMembership()
	membership.SetHosts(0, "primary", "gone")
	r := router.NewRouter(1, membership, 8, nil)

	p := NewPropagator(transport.NewMemNetwork().NewTransport(), r, time.Second, nil)
	ops := []meta.AppliedOp{
		{
			Entry: meta.SubBatchEntry{Index: 0, Bucket: 0,
				Entry: meta.BatchEntry{Key: []byte("k1"), Value: []byte("v1"), Kind: meta.OpPut}},
			Stamp: meta.VersionStamp{EntryVersion: 1, Member: 1},
		},
	}
	// an unreachable secondary never fails the primary path
	p.Propagate(context.Background(), 0, meta.OperationID{Member: 1, Sequence: 1}, ops)
}

func TestPropagateNothingWithoutOps(t *testing.T) {
	r := router.NewRouter(1, router.NewStaticMembership(), 8, nil)
	p := NewPropagator(transport.NewMemNetwork().NewTransport(), r, time.Second, nil)
	p.Propagate(context.Background(), 0, meta.OperationID{Member: 1, Sequence: 1}, nil)
}
