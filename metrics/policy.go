// Package metrics has prometheus metrics shared between the packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequest = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tprt_request_total",
			Help: "Number of policy requests, by decision.",
		},
		[]string{"decision"},
	)

	metricStoreError = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tprt_store_error_total",
			Help: "Number of failed store operations, by backend and operation.",
		},
		[]string{"backend", "op"},
	)

	metricWhitelistReload = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tprt_whitelist_reload_total",
			Help: "Number of whitelist reloads, by result.",
		},
		[]string{"result"},
	)

	metricSweepDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tprt_sweep_deleted_total",
			Help: "Number of expired entries deleted by the maintenance sweeper.",
		},
	)
)

func RequestInc(decision string) {
	metricRequest.WithLabelValues(decision).Inc()
}

func StoreErrorInc(backend, op string) {
	metricStoreError.WithLabelValues(backend, op).Inc()
}

func WhitelistReloadInc(result string) {
	metricWhitelistReload.WithLabelValues(result).Inc()
}

func SweepDeletedAdd(n int) {
	metricSweepDeleted.Add(float64(n))
}
