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

package transport

import (
	"context"
	"testing"

	"github.com/bitleaf/gridstore/meta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemNetworkRoundTrip(t *testing.T) {
	network := NewMemNetwork()
	network.Listen("s1", func(req *meta.SubBatchRequest) *meta.SubBatchResponse {
		return &meta.SubBatchResponse{Results: []meta.KeyResult{
			{Index: 0, Applied: true}}}
	})

	trans := network.NewTransport()
	defer trans.Close()

	resp, err := trans.Send(context.Background(), "s1", &meta.SubBatchRequest{})
	require.NoError(t, err, "TestMemNetworkRoundTrip failed")
	assert.Equal(t, 1, len(resp.Results), "TestMemNetworkRoundTrip failed")

	_, err = trans.Send(context.Background(), "s2", &meta.SubBatchRequest{})
	assert.ErrorIs(t, err, ErrConnLost, "TestMemNetworkRoundTrip failed")

	network.Drop("s1")
	_, err = trans.Send(context.Background(), "s1", &meta.SubBatchRequest{})
	assert.ErrorIs(t, err, ErrConnLost, "TestMemNetworkRoundTrip failed")
}

func TestMemTransportHonorsContext(t *testing.T) {
	network := NewMemNetwork()
	trans := network.NewTransport()
	defer trans.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := trans.Send(ctx, "s1", &meta.SubBatchRequest{})
	assert.ErrorIs(t, err, context.Canceled, "TestMemTransportHonorsContext failed")
}

func TestMemTransportSendAfterClose(t *testing.T) {
	network := NewMemNetwork()
	network.Listen("s1", func(req *meta.SubBatchRequest) *meta.SubBatchResponse {
		return &meta.SubBatchResponse{}
	})

	trans := network.NewTransport()
	require.NoError(t, trans.Close(), "TestMemTransportSendAfterClose failed")

	_, err := trans.Send(context.Background(), "s1", &meta.SubBatchRequest{})
	assert.ErrorIs(t, err, ErrStopped, "TestMemTransportSendAfterClose failed")
}
