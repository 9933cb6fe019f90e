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

package hlc

import (
	"context"
	"sync"
	"time"

	"github.com/bitleaf/gridstore/components/log"
	"go.uber.org/zap"
)

func physicalClock() int64 {
	return time.Now().UTC().UnixNano()
}

func toMicrosecond(nanoseconds int64) int64 {
	return nanoseconds / 1000
}

// Clock is a hybrid logical clock. Its timestamps carry a physical
// nanosecond component plus a logical counter used to order events that
// share the same physical time.
type Clock struct {
	physicalClock func() int64
	maxOffset     time.Duration

	mu struct {
		sync.Mutex
		maxLearnedPhysicalTime int64
		ts                     Timestamp
	}
}

// NewHLCClock returns a hlc clock backed by the specified physical clock.
// maxOffset is the max tolerated clock offset between grid members.
func NewHLCClock(clock func() int64, maxOffset time.Duration) *Clock {
	return &Clock{
		physicalClock: clock,
		maxOffset:     maxOffset,
	}
}

// NewUnixNanoHLCClock returns a hlc clock backed by the wall clock in
// nanoseconds. A background goroutine keeps observing the physical clock
// so that backward jumps are detected even when the clock is idle. It
// terminates when the specified context is cancelled.
func NewUnixNanoHLCClock(ctx context.Context, maxOffset time.Duration) *Clock {
	c := NewHLCClock(physicalClock, maxOffset)
	interval := c.maxClockForwardOffset() / 2
	if interval <= 0 {
		interval = time.Millisecond
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				c.getPhysicalClock()
				c.mu.Unlock()
			}
		}
	}()
	return c
}

// SkipClockUncertainityPeriodOnRestart blocks until the physical clock
// has moved past the max tolerated forward jump. Invoked once on restart
// so that timestamps issued by the previous incarnation of this member
// can not dominate timestamps issued after the restart.
func SkipClockUncertainityPeriodOnRestart(ctx context.Context, c *Clock) {
	c.mu.Lock()
	bound := c.getPhysicalClock() + c.maxClockForwardOffset().Nanoseconds()
	c.mu.Unlock()

	for {
		c.mu.Lock()
		current := c.getPhysicalClock()
		c.mu.Unlock()
		if current > bound {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(bound - current)):
		}
	}
}

// Now returns the current hlc timestamp. Timestamps returned by Now on
// the same clock are strictly increasing.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	pt := c.getPhysicalClock()
	if c.mu.ts.PhysicalTime >= pt {
		c.mu.ts.LogicalTime++
	} else {
		c.mu.ts = Timestamp{PhysicalTime: pt}
	}
	return c.mu.ts
}

// Update advances the clock past the specified timestamp observed from
// another member.
func (c *Clock) Update(m Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pt := c.getPhysicalClock()
	if pt > c.mu.ts.PhysicalTime && pt > m.PhysicalTime {
		c.mu.ts = Timestamp{PhysicalTime: pt}
		return
	}
	if m.Greater(c.mu.ts) {
		c.mu.ts = m
	}
}

func (c *Clock) maxClockForwardOffset() time.Duration {
	return c.maxOffset / 2
}

// getPhysicalClock must be invoked with c.mu held.
func (c *Clock) getPhysicalClock() int64 {
	newPt := c.physicalClock()
	oldPt := c.keepPhysicalClock(newPt)
	if oldPt != 0 {
		jump := oldPt - newPt
		if jump > c.maxClockForwardOffset().Nanoseconds() {
			log.Logger().Error("physical clock moved backward",
				zap.Int64("jump-microsecond", toMicrosecond(jump)))
		}
	}
	return newPt
}

// keepPhysicalClock records the max observed physical time and returns
// the previously recorded value. Must be invoked with c.mu held.
func (c *Clock) keepPhysicalClock(pt int64) int64 {
	old := c.mu.maxLearnedPhysicalTime
	if pt > old {
		c.mu.maxLearnedPhysicalTime = pt
	}
	return old
}
