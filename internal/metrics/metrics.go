// Package metrics exposes the service's Prometheus instrumentation.
// Collectors are package-level and registered with the default registry;
// the HTTP layer serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ImportsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chessmirror_imports_started_total",
		Help: "Import sessions started, by platform.",
	}, []string{"platform"})

	ImportsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chessmirror_imports_completed_total",
		Help: "Import sessions finished, by platform and outcome.",
	}, []string{"platform", "outcome"})

	GamesImported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chessmirror_games_imported_total",
		Help: "New games persisted by the importer.",
	}, []string{"platform"})

	GamesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chessmirror_games_skipped_total",
		Help: "Duplicate games skipped by the importer.",
	}, []string{"platform"})

	AnalysesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chessmirror_analyses_total",
		Help: "Game analyses finished, by outcome.",
	}, []string{"outcome"})

	EngineRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chessmirror_engine_restarts_total",
		Help: "Engine subprocesses recycled after a crash.",
	})

	FallbackEvaluations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chessmirror_fallback_evaluations_total",
		Help: "Positions scored by the heuristic evaluator after engine retries were exhausted.",
	})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chessmirror_cache_hits_total",
		Help: "Cache hits by cache layer.",
	}, []string{"layer"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chessmirror_cache_misses_total",
		Help: "Cache misses by cache layer.",
	}, []string{"layer"})

	QuotaDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chessmirror_quota_denials_total",
		Help: "Analysis requests denied by quota, by tier.",
	}, []string{"tier"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chessmirror_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)
