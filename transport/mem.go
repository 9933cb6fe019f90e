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
	"sync"
	"sync/atomic"

	"github.com/bitleaf/gridstore/meta"
)

// MemNetwork is an in-process network shared by in-memory transports.
// Tests use it to wire multiple stores into one topology and to cut a
// destination off to simulate a member failure.
type MemNetwork struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewMemNetwork create an empty in-process network
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		handlers: make(map[string]Handler),
	}
}

// Listen registers the handler serving addr.
func (n *MemNetwork) Listen(addr string, handler Handler) {
	n.mu.Lock()
	n.handlers[addr] = handler
	n.mu.Unlock()
}

// Drop cuts addr off the network. Requests towards it fail with
// ErrConnLost from then on.
func (n *MemNetwork) Drop(addr string) {
	n.mu.Lock()
	delete(n.handlers, addr)
	n.mu.Unlock()
}

// NewTransport returns a transport sending through this network.
func (n *MemNetwork) NewTransport() Transport {
	return &memTransport{network: n}
}

type memTransport struct {
	network *MemNetwork
	stopped int32
}

func (t *memTransport) Send(ctx context.Context, addr string, req *meta.SubBatchRequest) (*meta.SubBatchResponse, error) {
	if atomic.LoadInt32(&t.stopped) == 1 {
		return nil, ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.network.mu.RLock()
	handler, ok := t.network.handlers[addr]
	t.network.mu.RUnlock()
	if !ok {
		return nil, ErrConnLost
	}
	return handler(req), nil
}

func (t *memTransport) Close() error {
	atomic.StoreInt32(&t.stopped, 1)
	return nil
}
