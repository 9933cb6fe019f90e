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

package log

import (
	"bytes"
	"encoding/hex"

	"github.com/fagongzi/util/format"
	"github.com/fagongzi/util/hack"
	"go.uber.org/zap"
)

// BucketIDField returns zap.Uint64Field
func BucketIDField(id uint64) zap.Field {
	return zap.Uint64("bucket-id", id)
}

// MemberIDField returns zap.Uint64Field
func MemberIDField(id uint64) zap.Field {
	return zap.Uint64("member-id", id)
}

// OperationIDField returns the operation identifier as member/sequence
func OperationIDField(member, sequence uint64) zap.Field {
	var info bytes.Buffer
	info.WriteString(format.Uint64ToString(member))
	info.WriteString("/")
	info.WriteString(format.Uint64ToString(sequence))
	return zap.String("operation-id", hack.SliceToString(info.Bytes()))
}

// KeyField returns zap.StringField, use hex.EncodeToString as string value
func KeyField(key []byte) zap.Field {
	return HexField("key", key)
}

// HexField returns zap.StringField, use hex.EncodeToString as string value
func HexField(key string, data []byte) zap.Field {
	if len(data) == 0 {
		return zap.String(key, "")
	}
	return zap.String(key, hex.EncodeToString(data))
}

// ReasonField returns zap.StringField
func ReasonField(why string) zap.Field {
	return zap.String("reason", why)
}

// DestinationField return address field
func DestinationField(address string) zap.Field {
	return zap.String("destination", address)
}

// ListenAddressField return address field
func ListenAddressField(address string) zap.Field {
	return zap.String("listen-address", address)
}

// EntryCountField returns zap.IntField
func EntryCountField(count int) zap.Field {
	return zap.Int("entry-count", count)
}

// SecondariesField returns the secondary host list as one string field
func SecondariesField(key string, addrs []string) zap.Field {
	if len(addrs) == 0 {
		return zap.String(key, "")
	}

	var info bytes.Buffer
	for idx, addr := range addrs {
		info.WriteString(addr)
		if idx != len(addrs)-1 {
			info.WriteString(",")
		}
	}
	return zap.String(key, hack.SliceToString(info.Bytes()))
}
