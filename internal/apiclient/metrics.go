package apiclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hanssup_api_requests_total",
			Help: "Total number of requests sent to the remote API",
		},
		[]string{"status"}, // HTTP status code, or "error" for transport failures
	)

	apiRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hanssup_api_request_duration_seconds",
			Help:    "Remote API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	apiRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hanssup_api_refresh_total",
			Help: "Total number of token refresh cycles",
		},
		[]string{"outcome"}, // outcome: success/failure/no_refresh_token
	)

	apiRefreshWaitersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hanssup_api_refresh_waiters_total",
			Help: "Total number of requests queued behind an in-flight refresh",
		},
	)
)
