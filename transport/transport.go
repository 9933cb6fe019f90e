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

	"github.com/bitleaf/gridstore/meta"
	"github.com/cockroachdb/errors"
)

var (
	// ErrConnLost the connection to the destination broke mid-request.
	// The remote side may or may not have applied the request, so callers
	// must recover via an idempotent retry, never by assuming failure.
	ErrConnLost = errors.New("connection lost mid-request")
	// ErrStopped the transport has been closed
	ErrStopped = errors.New("transport stopped")
)

// Handler processes one sub-batch request on the serving side.
type Handler func(req *meta.SubBatchRequest) *meta.SubBatchResponse

// Transport is a reliable, ordered request/response channel per
// destination. A lost connection is reported as ErrConnLost, distinct
// from an explicit rejection which travels inside the response.
type Transport interface {
	// Send sends the request and blocks for the response or ctx expiry.
	// A ctx deadline is treated by callers exactly like ErrConnLost.
	Send(ctx context.Context, addr string, req *meta.SubBatchRequest) (*meta.SubBatchResponse, error)
	// Close closes all connections.
	Close() error
}
