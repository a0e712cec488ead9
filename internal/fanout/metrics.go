package fanout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "andon_connections",
			Help: "Number of open notification connections by category.",
		},
		[]string{"category"},
	)
	deliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "andon_fanout_delivered_total",
			Help: "Total frames queued to connections by category.",
		},
		[]string{"category"},
	)
	failedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "andon_fanout_failed_total",
			Help: "Total frame deliveries that failed and pruned the connection, by category.",
		},
		[]string{"category"},
	)
)
