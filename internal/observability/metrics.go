package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_negotiation"

var (
	MatchQueriesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "match_queries_total", Help: "Total candidate searches served"})
	MatchCandidates   = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_candidates",
		Help:      "Suitable drivers returned per search",
		Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
	})
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Match latency seconds"})

	RequestsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_created_total", Help: "Ride requests opened"})
	TransitionsTotal     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Negotiation responses by action and result"},
		[]string{"action", "result"},
	)
	LockRetriesTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "lock_retries_total", Help: "Per-request lock acquisition retries"})
	LockFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "lock_failures_total", Help: "Per-request lock acquisitions that gave up"})

	AssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "assignments_total", Help: "Assignment finalizations by result"},
		[]string{"result"},
	)
	WSSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Connected websocket sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
