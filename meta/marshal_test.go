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
	"testing"

	"github.com/bitleaf/gridstore/util/hlc"
	"github.com/stretchr/testify/assert"
)

func TestSubBatchRequestMarshal(t *testing.T) {
	req := &SubBatchRequest{
		ID:      OperationID{Member: 7, Sequence: 42},
		Replica: true,
	}
	req.Entries = []SubBatchEntry{
		{Index: 0, Bucket: 1, Entry: BatchEntry{Key: []byte("k1"), Value: []byte("v1"), Kind: OpPut}},
		{Index: 3, Bucket: 2, Entry: BatchEntry{Key: []byte("k2"), Kind: OpRemove}},
	}
	req.Stamps = []VersionStamp{
		{EntryVersion: 1, Timestamp: hlc.Timestamp{PhysicalTime: 100, LogicalTime: 2}, Member: 7},
		{EntryVersion: 9, Timestamp: hlc.Timestamp{PhysicalTime: 101}, Member: 7},
	}

	decoded := &SubBatchRequest{}
	assert.NoError(t, decoded.Unmarshal(req.Marshal()),
		"TestSubBatchRequestMarshal failed")
	assert.Equal(t, req, decoded, "TestSubBatchRequestMarshal failed")
}

func TestSubBatchResponseMarshal(t *testing.T) {
	resp := &SubBatchResponse{
		Results: []KeyResult{
			{Index: 0, Key: []byte("k1"), Applied: true,
				Stamp: VersionStamp{EntryVersion: 2, Member: 3}},
			{Index: 1, Key: []byte("k2"),
				Cause: Cause{Code: CauseVetoed, Message: "limit"}},
		},
	}

	decoded := &SubBatchResponse{}
	assert.NoError(t, decoded.Unmarshal(resp.Marshal()),
		"TestSubBatchResponseMarshal failed")
	assert.Equal(t, resp, decoded, "TestSubBatchResponseMarshal failed")
}

func TestUnmarshalTruncated(t *testing.T) {
	req := &SubBatchRequest{
		ID:      OperationID{Member: 1, Sequence: 1},
		Entries: []SubBatchEntry{{Entry: BatchEntry{Key: []byte("k"), Kind: OpPut}}},
	}
	data := req.Marshal()

	for n := 0; n < len(data); n++ {
		decoded := &SubBatchRequest{}
		assert.ErrorIs(t, decoded.Unmarshal(data[:n]), ErrBadMessage,
			"TestUnmarshalTruncated failed at %d", n)
	}
}
