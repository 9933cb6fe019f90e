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
	"github.com/bitleaf/gridstore/meta"
	"github.com/cockroachdb/errors"
	"github.com/fagongzi/goetty/buf"
	gcodec "github.com/fagongzi/goetty/codec"
	"github.com/fagongzi/goetty/codec/length"
)

const (
	requestType  = byte(1)
	responseType = byte(2)
)

var (
	c = &bodyCodec{}
)

// NewCodec create the length-field based grid codec
func NewCodec(maxBodySize int) (gcodec.Encoder, gcodec.Decoder) {
	return length.NewWithSize(c, c, 0, 0, 0, maxBodySize)
}

type bodyCodec struct {
}

func (c *bodyCodec) Decode(in *buf.ByteBuf) (bool, interface{}, error) {
	data := in.GetMarkedRemindData()
	if len(data) < 1 {
		return false, nil, meta.ErrBadMessage
	}

	var msg interface{}
	switch data[0] {
	case requestType:
		req := &meta.SubBatchRequest{}
		if err := req.Unmarshal(data[1:]); err != nil {
			return false, nil, err
		}
		msg = req
	case responseType:
		resp := &meta.SubBatchResponse{}
		if err := resp.Unmarshal(data[1:]); err != nil {
			return false, nil, err
		}
		msg = resp
	default:
		return false, nil, meta.ErrBadMessage
	}

	in.MarkedBytesReaded()
	return true, msg, nil
}

func (c *bodyCodec) Encode(data interface{}, out *buf.ByteBuf) error {
	var tag byte
	var body []byte
	switch msg := data.(type) {
	case *meta.SubBatchRequest:
		tag = requestType
		body = msg.Marshal()
	case *meta.SubBatchResponse:
		tag = responseType
		body = msg.Marshal()
	default:
		return errors.Errorf("not support %T %+v", data, data)
	}

	index := out.GetWriteIndex()
	size := 1 + len(body)
	out.Expansion(size)
	out.RawBuf()[index] = tag
	copy(out.RawBuf()[index+1:index+size], body)
	out.SetWriterIndex(index + size)
	return nil
}
