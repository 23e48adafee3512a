// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package inmem

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricIteratorsOpened  = "iterators_opened_total"
	MetricIteratorsExpired = "iterators_expired_total"
	MetricFaultsInjected   = "faults_injected_total"
)

var CounterIteratorsOpened = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "gridcursor",
		Subsystem: "inmem",
		Name:      MetricIteratorsOpened,
		Help:      "Number of partition iterator contexts created.",
	},
)

// CounterIteratorsExpired counts contexts dropped because their lease ran
// out, either by the reaper or on their next use.
var CounterIteratorsExpired = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "gridcursor",
		Subsystem: "inmem",
		Name:      MetricIteratorsExpired,
		Help:      "Number of partition iterator contexts whose lease expired.",
	},
)

var CounterFaultsInjected = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "gridcursor",
		Subsystem: "inmem",
		Name:      MetricFaultsInjected,
		Help:      "Number of fetches failed on purpose.",
	},
)

func init() {
	prometheus.MustRegister(CounterIteratorsOpened)
	prometheus.MustRegister(CounterIteratorsExpired)
	prometheus.MustRegister(CounterFaultsInjected)
}
