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

package bucket

import (
	"sync/atomic"

	"github.com/bitleaf/gridstore/meta"
	"github.com/cockroachdb/errors"
)

// PreCommitHook vets a mutation before it commits. It is invoked
// once per key per apply with the proposed mutation, before any state is
// touched. A non-nil error vetoes the mutation and aborts the remainder
// of the sub-batch it belongs to.
type PreCommitHook interface {
	BeforeApply(kind meta.OpKind, key, oldValue, newValue []byte) error
}

// VetoError reports a pre-commit hook rejection. The entry is left
// unmodified and the coordinator never retries a vetoed key.
type VetoError struct {
	Reason string
}

func (e *VetoError) Error() string {
	return "mutation vetoed: " + e.Reason
}

// VetoAfterHook vetoes every mutation after the first n applies. Used to
// exercise partial sub-batch application.
type VetoAfterHook struct {
	Reason    string
	remaining int64
}

// NewVetoAfterHook allows n applies, then vetoes with the given reason.
func NewVetoAfterHook(n int64, reason string) *VetoAfterHook {
	return &VetoAfterHook{Reason: reason, remaining: n}
}

// BeforeApply implements PreCommitHook.
func (h *VetoAfterHook) BeforeApply(kind meta.OpKind, key, oldValue, newValue []byte) error {
	if atomic.AddInt64(&h.remaining, -1) < 0 {
		return errors.New(h.Reason)
	}
	return nil
}

// TriggerAfterHook runs fn once after n applies have passed through the
// hook, without ever vetoing. Tests use it to kill a member between two
// per-key applies of a sub-batch.
type TriggerAfterHook struct {
	fn        func()
	remaining int64
}

// NewTriggerAfterHook create a hook firing fn after n applies.
func NewTriggerAfterHook(n int64, fn func()) *TriggerAfterHook {
	return &TriggerAfterHook{fn: fn, remaining: n}
}

// BeforeApply implements PreCommitHook.
func (h *TriggerAfterHook) BeforeApply(kind meta.OpKind, key, oldValue, newValue []byte) error {
	if atomic.AddInt64(&h.remaining, -1) == 0 {
		h.fn()
	}
	return nil
}
