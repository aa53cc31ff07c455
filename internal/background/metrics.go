package background

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAccountRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mail2feed_account_runs_total",
		Help: "Completed per-account processing runs, by outcome.",
	}, []string{"outcome"})

	metricItemsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mail2feed_feed_items_created_total",
		Help: "Feed items materialized from matched messages.",
	})

	metricWorkersInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mail2feed_workers_in_flight",
		Help: "Processing workers currently running.",
	})

	metricRetentionRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mail2feed_retention_items_removed_total",
		Help: "Feed items removed by retention sweeps.",
	})
)
