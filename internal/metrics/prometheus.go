// Package metrics registers the Prometheus instrumentation for the
// store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestErrors   *prometheus.CounterVec

	// Query pipeline metrics
	QueryFanout     prometheus.Histogram
	QueryShardFails *prometheus.CounterVec

	// Transaction metrics
	TransactionsTotal   *prometheus.CounterVec
	TransactionDuration prometheus.Histogram

	// Cluster metrics
	ShardsTotal prometheus.Gauge
	NodesOnline prometheus.Gauge
	Migrations  prometheus.Counter
}

// New creates and registers the metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impossibledb_requests_total",
				Help: "Total number of HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "impossibledb_request_duration_seconds",
				Help:    "Duration of HTTP request processing",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		RequestErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impossibledb_request_errors_total",
				Help: "Total number of request errors by code",
			},
			[]string{"code"},
		),
		QueryFanout: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "impossibledb_query_fanout_shards",
				Help:    "Number of shards targeted per query",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
			},
		),
		QueryShardFails: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impossibledb_query_shard_failures_total",
				Help: "Shard fetch failures tolerated by continue-on-error",
			},
			[]string{"shard_id"},
		),
		TransactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impossibledb_transactions_total",
				Help: "Transactions by terminal outcome",
			},
			[]string{"outcome"},
		),
		TransactionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "impossibledb_transaction_duration_seconds",
				Help:    "Time from begin to terminal state",
				Buckets: prometheus.DefBuckets,
			},
		),
		ShardsTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "impossibledb_shards_total",
				Help: "Number of managed shards",
			},
		),
		NodesOnline: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "impossibledb_nodes_online",
				Help: "Number of online nodes",
			},
		),
		Migrations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "impossibledb_shard_migrations_total",
				Help: "Completed shard migrations",
			},
		),
	}
}
