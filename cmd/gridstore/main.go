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

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitleaf/gridstore/components/log"
	"github.com/bitleaf/gridstore/config"
	"github.com/bitleaf/gridstore/router"
	"github.com/bitleaf/gridstore/server"
	"github.com/bitleaf/gridstore/transport"
	"go.uber.org/zap"
)

var (
	cfgPath = flag.String("cfg", "./gridstore.toml", "gridstore config file")
)

func main() {
	flag.Parse()

	logger := log.GetDefaultZapLogger()
	log.UseLogger(logger)

	cfg, err := config.NewConfigFromFile(*cfgPath)
	if err != nil {
		logger.Fatal("load config failed", zap.Error(err))
	}
	cfg.Logger = logger

	membership := router.NewStaticMembership()
	for _, assignment := range cfg.BucketHosts {
		membership.SetHosts(assignment.Bucket, assignment.Primary,
			assignment.Secondaries...)
	}

	r := router.NewRouter(cfg.Buckets, membership,
		cfg.Client.RefreshPerSecond, logger)
	trans := transport.NewTCPTransport(int(cfg.MaxBodySize), logger)
	store := server.NewStore(cfg, trans, r)
	for _, assignment := range cfg.BucketHosts {
		switch cfg.Addr {
		case assignment.Primary:
			store.AddBucket(assignment.Bucket, true)
		default:
			for _, secondary := range assignment.Secondaries {
				if secondary == cfg.Addr {
					store.AddBucket(assignment.Bucket, false)
				}
			}
		}
	}

	srv := transport.NewTCPServer(cfg.Addr, store.HandleSubBatch,
		int(cfg.MaxBodySize), logger)
	if err := srv.Start(); err != nil {
		logger.Fatal("start grid server failed", zap.Error(err))
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	<-sc

	srv.Stop()
	store.Stop()
	trans.Close()
}
