// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package gridcursor

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricTasksDispatched       = "tasks_dispatched_total"
	MetricTaskDispatchErrors    = "task_dispatch_errors_total"
	MetricBatchesReceived       = "batches_received_total"
	MetricPartitionsDeactivated = "partitions_deactivated_total"
	MetricLeaseRenewals         = "lease_renewals_total"
	MetricCursorsFinished       = "cursors_finished_total"
)

var CounterTasksDispatched = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridcursor",
		Name:      MetricTasksDispatched,
		Help:      "Number of partition tasks handed to the executor.",
	},
	[]string{
		"kind",
	},
)

var CounterTaskDispatchErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridcursor",
		Name:      MetricTaskDispatchErrors,
		Help:      "Number of partition tasks the executor refused synchronously.",
	},
	[]string{
		"kind",
	},
)

// CounterBatchesReceived counts results by how the cursor classified them:
// normal, last, failed, illegal or dropped.
var CounterBatchesReceived = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridcursor",
		Name:      MetricBatchesReceived,
		Help:      "Number of batch results consumed by cursors.",
	},
	[]string{
		"outcome",
	},
)

var CounterPartitionsDeactivated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridcursor",
		Name:      MetricPartitionsDeactivated,
		Help:      "Number of partitions removed from an iteration.",
	},
	[]string{
		"reason",
	},
)

var CounterLeaseRenewals = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridcursor",
		Name:      MetricLeaseRenewals,
		Help:      "Number of lease renewals sent.",
	},
	[]string{
		"result",
	},
)

var CounterCursorsFinished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridcursor",
		Name:      MetricCursorsFinished,
		Help:      "Number of cursors which reached a terminal state.",
	},
	[]string{
		"state",
	},
)

func init() {
	prometheus.MustRegister(CounterTasksDispatched)
	prometheus.MustRegister(CounterTaskDispatchErrors)
	prometheus.MustRegister(CounterBatchesReceived)
	prometheus.MustRegister(CounterPartitionsDeactivated)
	prometheus.MustRegister(CounterLeaseRenewals)
	prometheus.MustRegister(CounterCursorsFinished)
}
