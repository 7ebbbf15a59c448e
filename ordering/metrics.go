package ordering

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "board",
		Name:      "mutations_total",
		Help:      "Ordering engine mutations by operation and result.",
	}, []string{"op", "result"})

	txDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "board",
		Name:      "tx_duration_seconds",
		Help:      "Time spent inside the scoped transaction, lock waits included.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"op"})

	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "board",
		Name:      "publish_failures_total",
		Help:      "Broadcasts that could not be handed to the publisher.",
	})
)

func observe(op string, start time.Time, err error) {
	txDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	mutationsTotal.WithLabelValues(op, result).Inc()
}
