package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TravelersOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "companion_matching", Name: "travelers_online", Help: "Number of sessions currently online"})
	RecomputesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "companion_matching", Name: "recomputes_total", Help: "Total match list recomputation passes"})

	SamplesPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "companion_matching", Name: "samples_published_total", Help: "Location samples forwarded to the presence store"})
	SamplesThrottledTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "companion_matching", Name: "samples_throttled_total", Help: "Location samples kept local by the publish throttle"})

	SubscriptionDropsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "companion_matching", Name: "subscription_drops_total", Help: "Cohort feed drops observed by sessions"})
	StaleRecordsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "companion_matching", Name: "stale_records_swept_total", Help: "Orphaned presence records removed by the sweeper"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "companion_matching", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "companion_matching",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
