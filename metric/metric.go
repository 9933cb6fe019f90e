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

package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	batchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridstore",
			Subsystem: "batch",
			Name:      "executed_total",
			Help:      "Total number of executed batches.",
		}, []string{"status"})

	keyAppliedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridstore",
			Subsystem: "batch",
			Name:      "key_applied_total",
			Help:      "Total number of applied key mutations.",
		}, []string{"kind"})

	duplicateCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gridstore",
			Subsystem: "batch",
			Name:      "retry_duplicate_total",
			Help:      "Total number of retried keys recognized as already applied.",
		})

	vetoCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gridstore",
			Subsystem: "batch",
			Name:      "veto_total",
			Help:      "Total number of mutations rejected by the pre-commit hook.",
		})

	routingRefreshCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gridstore",
			Subsystem: "router",
			Name:      "metadata_refresh_total",
			Help:      "Total number of bucket metadata refreshes.",
		})

	replicaOpsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridstore",
			Subsystem: "redundancy",
			Name:      "replica_ops_total",
			Help:      "Total number of operations propagated to secondary copies.",
		}, []string{"status"})

	underRedundancyCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gridstore",
			Subsystem: "redundancy",
			Name:      "under_redundant_total",
			Help:      "Total number of sub-batches committed with an unreachable secondary.",
		})
)

func init() {
	prometheus.MustRegister(batchCounter)
	prometheus.MustRegister(keyAppliedCounter)
	prometheus.MustRegister(duplicateCounter)
	prometheus.MustRegister(vetoCounter)
	prometheus.MustRegister(routingRefreshCounter)
	prometheus.MustRegister(replicaOpsCounter)
	prometheus.MustRegister(underRedundancyCounter)
}

// IncBatchExecuted inc executed batch with the final status
func IncBatchExecuted(status string) {
	batchCounter.WithLabelValues(status).Inc()
}

// AddKeysApplied add applied key mutations
func AddKeysApplied(kind string, value int) {
	keyAppliedCounter.WithLabelValues(kind).Add(float64(value))
}

// IncRetryDuplicate inc keys recognized as already applied
func IncRetryDuplicate() {
	duplicateCounter.Inc()
}

// IncVeto inc pre-commit hook rejections
func IncVeto() {
	vetoCounter.Inc()
}

// IncRoutingRefresh inc metadata refreshes
func IncRoutingRefresh() {
	routingRefreshCounter.Inc()
}

// AddReplicaOps add propagated replica operations
func AddReplicaOps(status string, value int) {
	replicaOpsCounter.WithLabelValues(status).Add(float64(value))
}

// IncUnderRedundancy inc sub-batches left under redundant
func IncUnderRedundancy() {
	underRedundancyCounter.Inc()
}
