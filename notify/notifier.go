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

package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitleaf/gridstore/meta"
)

// Notifier receives the post-commit events of a committed sub-batch, in
// application order, exactly once per committed non-duplicate operation.
// Interest filtering, queuing and at-least-once delivery to remote
// listeners (including the continuous-query engine) are the receiver's
// own responsibility.
type Notifier interface {
	OnEvents(bucket uint64, events []meta.Event)
}

// PostCommitListener observes committed events one at a time, in
// application order.
type PostCommitListener interface {
	OnEvent(event meta.Event)
}

type nopNotifier struct{}

func (n *nopNotifier) OnEvents(bucket uint64, events []meta.Event) {}

// NewNopNotifier returns a notifier that drops all events.
func NewNopNotifier() Notifier {
	return &nopNotifier{}
}

// RecordingNotifier keeps every delivered event in order. Used by tests
// and local listeners.
type RecordingNotifier struct {
	mu     sync.Mutex
	events []meta.Event
}

// OnEvents implements Notifier.
func (n *RecordingNotifier) OnEvents(bucket uint64, events []meta.Event) {
	n.mu.Lock()
	n.events = append(n.events, events...)
	n.mu.Unlock()
}

// Events returns a snapshot of the delivered events in delivery order.
func (n *RecordingNotifier) Events() []meta.Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	events := make([]meta.Event, len(n.events))
	copy(events, n.events)
	return events
}

// ListenerNotifier fans committed events out to post-commit listeners in
// registration order.
type ListenerNotifier struct {
	mu        sync.RWMutex
	listeners []PostCommitListener
}

// AddListener registers a post-commit listener.
func (n *ListenerNotifier) AddListener(listener PostCommitListener) {
	n.mu.Lock()
	n.listeners = append(n.listeners, listener)
	n.mu.Unlock()
}

// OnEvents implements Notifier.
func (n *ListenerNotifier) OnEvents(bucket uint64, events []meta.Event) {
	n.mu.RLock()
	listeners := n.listeners
	n.mu.RUnlock()

	for _, event := range events {
		for _, listener := range listeners {
			listener.OnEvent(event)
		}
	}
}

// CountingListener counts committed events by kind.
type CountingListener struct {
	creates  uint64
	updates  uint64
	destroys uint64
}

// OnEvent implements PostCommitListener.
func (l *CountingListener) OnEvent(event meta.Event) {
	switch {
	case event.Kind == meta.OpRemove:
		atomic.AddUint64(&l.destroys, 1)
	case event.Created:
		atomic.AddUint64(&l.creates, 1)
	default:
		atomic.AddUint64(&l.updates, 1)
	}
}

// Counts returns the observed creates, updates and destroys.
func (l *CountingListener) Counts() (uint64, uint64, uint64) {
	return atomic.LoadUint64(&l.creates),
		atomic.LoadUint64(&l.updates),
		atomic.LoadUint64(&l.destroys)
}

// DelayingListener blocks the event pipeline for a fixed duration per
// event, used to widen mid-batch failure windows in tests.
type DelayingListener struct {
	Delay time.Duration
}

// OnEvent implements PostCommitListener.
func (l *DelayingListener) OnEvent(event meta.Event) {
	time.Sleep(l.Delay)
}
