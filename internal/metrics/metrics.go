package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn metrics
	TurnsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interviewer_turns_processed_total",
			Help: "Total number of processed candidate responses",
		},
		[]string{"status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "interviewer_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30},
		},
		[]string{"stage"},
	)

	// Generation metrics
	GenerationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interviewer_generation_requests_total",
			Help: "Total number of generation backend calls",
		},
		[]string{"backend", "outcome"},
	)

	GenerationFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interviewer_generation_fallbacks_total",
			Help: "Total number of deterministic substitutes used after a generation failure",
		},
		[]string{"component"},
	)

	// Round metrics
	RoundStops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interviewer_round_stops_total",
			Help: "Total number of rounds stopped by reason",
		},
		[]string{"reason"},
	)

	RoundScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "interviewer_round_score",
			Help:    "Average score of completed rounds",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	ReviewerActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interviewer_reviewer_actions_total",
			Help: "Total number of expert reviewer actions",
		},
		[]string{"action"},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "interviewer_sessions_created_total",
			Help: "Total number of interview sessions created",
		},
	)

	SessionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "interviewer_session_cache_size",
			Help: "Number of sessions held in the in-process cache",
		},
	)

	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "interviewer_session_cache_hits_total",
			Help: "Total number of session cache hits",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "interviewer_session_cache_misses_total",
			Help: "Total number of session cache misses",
		},
	)
)
