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
	"encoding/binary"

	"github.com/bitleaf/gridstore/util/hlc"
	"github.com/cockroachdb/errors"
)

// ErrBadMessage the incoming message can not be decoded.
var ErrBadMessage = errors.New("invalid message")

type writer struct {
	data []byte
}

func (w *writer) uint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.data = append(w.data, b[:]...)
}

func (w *writer) uint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.data = append(w.data, b[:]...)
}

func (w *writer) byte(v byte) {
	w.data = append(w.data, v)
}

func (w *writer) bytes(v []byte) {
	w.uint32(uint32(len(v)))
	w.data = append(w.data, v...)
}

func (w *writer) stamp(v VersionStamp) {
	w.uint64(v.EntryVersion)
	w.uint64(uint64(v.Timestamp.PhysicalTime))
	w.uint32(v.Timestamp.LogicalTime)
	w.uint64(v.Member)
}

type reader struct {
	data []byte
}

func (r *reader) uint64() (uint64, error) {
	if len(r.data) < 8 {
		return 0, ErrBadMessage
	}
	v := binary.LittleEndian.Uint64(r.data)
	r.data = r.data[8:]
	return v, nil
}

func (r *reader) uint32() (uint32, error) {
	if len(r.data) < 4 {
		return 0, ErrBadMessage
	}
	v := binary.LittleEndian.Uint32(r.data)
	r.data = r.data[4:]
	return v, nil
}

func (r *reader) byte() (byte, error) {
	if len(r.data) < 1 {
		return 0, ErrBadMessage
	}
	v := r.data[0]
	r.data = r.data[1:]
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if uint32(len(r.data)) < n {
		return nil, ErrBadMessage
	}
	if n == 0 {
		return nil, nil
	}
	v := make([]byte, n)
	copy(v, r.data[:n])
	r.data = r.data[n:]
	return v, nil
}

func (r *reader) stamp() (VersionStamp, error) {
	var v VersionStamp
	var err error
	if v.EntryVersion, err = r.uint64(); err != nil {
		return v, err
	}
	pt, err := r.uint64()
	if err != nil {
		return v, err
	}
	lt, err := r.uint32()
	if err != nil {
		return v, err
	}
	v.Timestamp = hlc.Timestamp{PhysicalTime: int64(pt), LogicalTime: lt}
	if v.Member, err = r.uint64(); err != nil {
		return v, err
	}
	return v, nil
}

// Marshal encodes the request for the wire.
func (m *SubBatchRequest) Marshal() []byte {
	w := &writer{}
	w.uint64(m.ID.Member)
	w.uint64(m.ID.Sequence)
	if m.Replica {
		w.byte(1)
	} else {
		w.byte(0)
	}
	w.uint32(uint32(len(m.Entries)))
	for _, e := range m.Entries {
		w.uint32(uint32(e.Index))
		w.uint64(e.Bucket)
		w.byte(byte(e.Entry.Kind))
		w.bytes(e.Entry.Key)
		w.bytes(e.Entry.Value)
	}
	w.uint32(uint32(len(m.Stamps)))
	for _, s := range m.Stamps {
		w.stamp(s)
	}
	return w.data
}

// Unmarshal decodes the request from the wire.
func (m *SubBatchRequest) Unmarshal(data []byte) error {
	r := &reader{data: data}
	var err error
	if m.ID.Member, err = r.uint64(); err != nil {
		return err
	}
	if m.ID.Sequence, err = r.uint64(); err != nil {
		return err
	}
	replica, err := r.byte()
	if err != nil {
		return err
	}
	m.Replica = replica == 1

	n, err := r.uint32()
	if err != nil {
		return err
	}
	if n > 0 {
		m.Entries = make([]SubBatchEntry, 0, n)
	}
	for i := uint32(0); i < n; i++ {
		var e SubBatchEntry
		index, err := r.uint32()
		if err != nil {
			return err
		}
		e.Index = int(index)
		if e.Bucket, err = r.uint64(); err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		e.Entry.Kind = OpKind(kind)
		if e.Entry.Key, err = r.bytes(); err != nil {
			return err
		}
		if e.Entry.Value, err = r.bytes(); err != nil {
			return err
		}
		m.Entries = append(m.Entries, e)
	}

	n, err = r.uint32()
	if err != nil {
		return err
	}
	if n > 0 {
		m.Stamps = make([]VersionStamp, 0, n)
	}
	for i := uint32(0); i < n; i++ {
		s, err := r.stamp()
		if err != nil {
			return err
		}
		m.Stamps = append(m.Stamps, s)
	}
	return nil
}

// Marshal encodes the response for the wire.
func (m *SubBatchResponse) Marshal() []byte {
	w := &writer{}
	w.uint32(uint32(len(m.Results)))
	for _, kr := range m.Results {
		w.uint32(uint32(kr.Index))
		w.bytes(kr.Key)
		if kr.Applied {
			w.byte(1)
		} else {
			w.byte(0)
		}
		w.stamp(kr.Stamp)
		w.uint32(uint32(kr.Cause.Code))
		w.bytes([]byte(kr.Cause.Message))
	}
	return w.data
}

// Unmarshal decodes the response from the wire.
func (m *SubBatchResponse) Unmarshal(data []byte) error {
	r := &reader{data: data}
	n, err := r.uint32()
	if err != nil {
		return err
	}
	if n > 0 {
		m.Results = make([]KeyResult, 0, n)
	}
	for i := uint32(0); i < n; i++ {
		var kr KeyResult
		index, err := r.uint32()
		if err != nil {
			return err
		}
		kr.Index = int(index)
		if kr.Key, err = r.bytes(); err != nil {
			return err
		}
		applied, err := r.byte()
		if err != nil {
			return err
		}
		kr.Applied = applied == 1
		if kr.Stamp, err = r.stamp(); err != nil {
			return err
		}
		code, err := r.uint32()
		if err != nil {
			return err
		}
		kr.Cause.Code = CauseCode(code)
		msg, err := r.bytes()
		if err != nil {
			return err
		}
		kr.Cause.Message = string(msg)
		m.Results = append(m.Results, kr)
	}
	return nil
}
