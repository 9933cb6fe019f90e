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
	"time"

	"github.com/bitleaf/gridstore/components/log"
	"github.com/bitleaf/gridstore/meta"
	"github.com/cockroachdb/errors"
	"github.com/fagongzi/goetty"
	"go.uber.org/zap"
)

var (
	defaultConnectTimeout = time.Second * 10
	// a read timeout is handled by callers exactly like a lost connection
	defaultReadTimeout  = time.Second * 30
	defaultWriteTimeout = time.Second * 10
)

// TCPServer serves sub-batch requests on a tcp address using the grid
// codec. Wire framing is length-field based, one response per request,
// in order.
type TCPServer struct {
	logger      *zap.Logger
	addr        string
	handler     Handler
	app         goetty.NetApplication
	maxBodySize int
}

// NewTCPServer creates a tcp server, call Start to serve.
func NewTCPServer(addr string, handler Handler, maxBodySize int, logger *zap.Logger) *TCPServer {
	return &TCPServer{
		logger:      log.Adjust(logger).Named("transport"),
		addr:        addr,
		handler:     handler,
		maxBodySize: maxBodySize,
	}
}

// Start begin to serve requests.
func (s *TCPServer) Start() error {
	encoder, decoder := NewCodec(s.maxBodySize)
	app, err := goetty.NewTCPApplication(s.addr, s.onMessage,
		goetty.WithAppSessionOptions(goetty.WithCodec(encoder, decoder)))
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.addr)
	}
	s.app = app
	if err := s.app.Start(); err != nil {
		return err
	}

	s.logger.Info("grid tcp server started",
		log.ListenAddressField(s.addr))
	return nil
}

// Stop stop serving.
func (s *TCPServer) Stop() error {
	if s.app == nil {
		return nil
	}
	err := s.app.Stop()
	s.logger.Info("grid tcp server stopped",
		log.ListenAddressField(s.addr))
	return err
}

func (s *TCPServer) onMessage(session goetty.IOSession, msg interface{}, seq uint64) error {
	req, ok := msg.(*meta.SubBatchRequest)
	if !ok {
		return meta.ErrBadMessage
	}
	return session.WriteAndFlush(s.handler(req))
}

// TCPTransport sends sub-batch requests over pooled tcp connections, one
// in-flight request per destination connection so responses correlate by
// order.
type TCPTransport struct {
	logger      *zap.Logger
	maxBodySize int

	mu struct {
		sync.Mutex
		stopped bool
		conns   map[string]*conn
	}
}

type conn struct {
	sync.Mutex
	session goetty.IOSession
}

// NewTCPTransport create a tcp transport.
func NewTCPTransport(maxBodySize int, logger *zap.Logger) *TCPTransport {
	t := &TCPTransport{
		logger:      log.Adjust(logger).Named("transport"),
		maxBodySize: maxBodySize,
	}
	t.mu.conns = make(map[string]*conn)
	return t
}

// Send implements Transport.
func (t *TCPTransport) Send(ctx context.Context, addr string, req *meta.SubBatchRequest) (*meta.SubBatchResponse, error) {
	c, err := t.getConn(addr)
	if err != nil {
		return nil, err
	}

	c.Lock()
	defer c.Unlock()

	if err := t.checkConnect(addr, c); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := c.session.WriteAndFlush(req); err != nil {
		c.session.Close()
		return nil, errors.CombineErrors(ErrConnLost, err)
	}

	data, err := c.session.Read()
	if err != nil {
		c.session.Close()
		return nil, errors.CombineErrors(ErrConnLost, err)
	}

	resp, ok := data.(*meta.SubBatchResponse)
	if !ok {
		c.session.Close()
		return nil, meta.ErrBadMessage
	}
	return resp, nil
}

// Close implements Transport. Sends after close fail with ErrStopped.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.mu.stopped = true
	for _, c := range t.mu.conns {
		c.Lock()
		if c.session != nil {
			c.session.Close()
		}
		c.Unlock()
	}
	t.mu.conns = make(map[string]*conn)
	return nil
}

func (t *TCPTransport) getConn(addr string) (*conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mu.stopped {
		return nil, ErrStopped
	}
	if c, ok := t.mu.conns[addr]; ok {
		return c, nil
	}

	encoder, decoder := NewCodec(t.maxBodySize)
	c := &conn{
		session: goetty.NewIOSession(
			goetty.WithCodec(encoder, decoder),
			goetty.WithTimeout(defaultReadTimeout, defaultWriteTimeout)),
	}
	t.mu.conns[addr] = c
	return c, nil
}

// checkConnect must be invoked with c locked.
func (t *TCPTransport) checkConnect(addr string, c *conn) error {
	if c.session.Connected() {
		return nil
	}

	ok, err := c.session.Connect(addr, defaultConnectTimeout)
	if err != nil {
		t.logger.Error("connect to destination failed",
			log.DestinationField(addr),
			zap.Error(err))
		return errors.CombineErrors(ErrConnLost, err)
	}
	if !ok {
		return ErrConnLost
	}
	return nil
}
