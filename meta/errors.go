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
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/fagongzi/util/format"
	"github.com/fagongzi/util/hack"
)

var (
	// ErrInvalidBatch the batch is nil or empty, rejected before any key
	// is touched.
	ErrInvalidBatch = errors.New("invalid batch: nil or empty")
	// ErrUnavailable destination unreachable and no alternate host exists.
	ErrUnavailable = errors.New("destination unavailable")
	// ErrVetoed the pre-commit hook rejected a mutation and nothing was
	// applied.
	ErrVetoed = errors.New("mutation vetoed by pre-commit hook")
)

// CauseCode classifies why a key failed.
type CauseCode int32

const (
	// CauseNone the key did not fail
	CauseNone = CauseCode(0)
	// CauseInvalidArgument malformed request
	CauseInvalidArgument = CauseCode(1)
	// CauseRoutingStale the destination does not host the key's bucket,
	// recovered internally by re-routing unless retries are exhausted
	CauseRoutingStale = CauseCode(2)
	// CauseUnavailable the destination became unreachable
	CauseUnavailable = CauseCode(3)
	// CauseVetoed the pre-commit hook rejected the mutation
	CauseVetoed = CauseCode(4)
)

func (c CauseCode) String() string {
	switch c {
	case CauseInvalidArgument:
		return "invalid-argument"
	case CauseRoutingStale:
		return "routing-stale"
	case CauseUnavailable:
		return "unavailable"
	case CauseVetoed:
		return "vetoed"
	default:
		return "none"
	}
}

// Cause is the per-key failure record.
type Cause struct {
	Code    CauseCode
	Message string
}

// IsZero returns true if the key did not fail.
func (c Cause) IsZero() bool {
	return c.Code == CauseNone
}

func (c Cause) String() string {
	if c.Message == "" {
		return c.Code.String()
	}

	var info bytes.Buffer
	info.WriteString(c.Code.String())
	info.WriteString(": ")
	info.WriteString(c.Message)
	return hack.SliceToString(info.Bytes())
}

// PartialResult is the per-batch outcome. Every requested key appears in
// exactly one of Committed or Failed. AvailabilityDegraded is set when
// any failure was caused by an offline bucket or replica rather than an
// application-level veto.
type PartialResult struct {
	Committed            map[string]VersionStamp
	Failed               map[string]Cause
	AvailabilityDegraded bool
}

// NewPartialResult returns an empty result.
func NewPartialResult() *PartialResult {
	return &PartialResult{
		Committed: make(map[string]VersionStamp),
		Failed:    make(map[string]Cause),
	}
}

// FullyCommitted returns true if no key failed.
func (r *PartialResult) FullyCommitted() bool {
	return len(r.Failed) == 0
}

// PartialApplicationError is raised by the batch coordinator whenever the
// committed keys are a strict subset of the requested keys. It carries
// the full result so the caller can decide which keys to retry.
type PartialApplicationError struct {
	Result *PartialResult
}

func (e *PartialApplicationError) Error() string {
	var info bytes.Buffer
	info.WriteString("batch applied partial keys: ")
	info.WriteString(format.Uint64ToString(uint64(len(e.Result.Committed))))
	info.WriteString(" committed, ")
	info.WriteString(format.Uint64ToString(uint64(len(e.Result.Failed))))
	info.WriteString(" failed")
	if e.Result.AvailabilityDegraded {
		info.WriteString(", availability degraded")
	}
	return hack.SliceToString(info.Bytes())
}
