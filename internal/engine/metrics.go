package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nao1215/andon/internal/notification"
)

var (
	ackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "andon_acknowledge_total",
			Help: "Total acknowledge requests by category and outcome.",
		},
		[]string{"category", "outcome"},
	)
	publishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "andon_publish_total",
			Help: "Total notifications created by category.",
		},
		[]string{"category"},
	)
	announceDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "andon_announce_dropped_total",
			Help: "Total new-notification announcements dropped before dispatch, by category.",
		},
		[]string{"category"},
	)
	sessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "andon_sessions_total",
			Help: "Total subscriber sessions opened by category.",
		},
		[]string{"category"},
	)
)

// categoryLabel は未知のカテゴリをまとめてラベルの種類が増えないようにする。
func categoryLabel(c notification.Category) string {
	if !c.Valid() {
		return "unknown"
	}
	return string(c)
}
