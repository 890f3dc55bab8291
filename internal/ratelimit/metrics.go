// metrics.go: Prometheus instrumentation for the rate limiting subsystem.
package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "giftwell",
			Subsystem: "ratelimit",
			Name:      "checks_total",
			Help:      "Total number of rate limit checks",
		},
		[]string{"limiter", "algorithm", "store", "status"},
	)

	checkDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "giftwell",
			Subsystem: "ratelimit",
			Name:      "check_duration_seconds",
			Help:      "Time spent checking rate limits",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"limiter", "algorithm"},
	)

	storeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "giftwell",
			Subsystem: "ratelimit",
			Name:      "store_errors_total",
			Help:      "Total number of shared store operation errors",
		},
		[]string{"operation"},
	)

	connectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "giftwell",
			Subsystem: "ratelimit",
			Name:      "store_connection_state",
			Help:      "Shared store connection state (0=disconnected 1=connecting 2=connected 3=error)",
		},
	)

	fallbackEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "giftwell",
			Subsystem: "ratelimit",
			Name:      "fallback_entries",
			Help:      "Number of live keys in the local fallback store",
		},
	)
)

const (
	statusAllowed  = "allowed"
	statusDenied   = "denied"
	statusBypassed = "bypassed"
	statusFailOpen = "fail_open"
)
