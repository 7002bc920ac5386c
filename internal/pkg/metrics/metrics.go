package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChatTurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regradar_chat_turns_total",
			Help: "Total number of chat turns processed, by resolved intent",
		},
		[]string{"intent"},
	)

	ChatTurnsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regradar_chat_turns_failed_total",
			Help: "Total number of chat turns that ended in an error",
		},
		[]string{"intent"},
	)

	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "regradar_turn_duration_seconds",
			Help:    "End-to-end duration of a chat turn",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		},
		[]string{"intent"},
	)

	ActiveTurns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "regradar_active_turns",
			Help: "Number of chat turns currently in flight",
		},
	)

	ExternalCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "regradar_external_call_duration_seconds",
			Help:    "Duration of calls to external providers",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	ExternalCallFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regradar_external_call_failures_total",
			Help: "Failed calls to external providers",
		},
		[]string{"provider", "operation"},
	)

	RetrievalCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "regradar_retrieval_cache_hits_total",
			Help: "Retrieval requests served from the cache",
		},
	)

	RetrievalCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "regradar_retrieval_cache_misses_total",
			Help: "Retrieval requests that went to the providers",
		},
	)
)
