package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	translationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patentql_translation_attempts_total",
			Help: "Translation attempts by translator step and outcome.",
		},
		[]string{"step", "outcome"},
	)
	executionDurationMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "patentql_execution_duration_ms",
			Help:    "SQL execution latency against the database service in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
	)
	disallowedStatementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "patentql_disallowed_statements_total",
			Help: "Statements rejected by the read-only predicate.",
		},
	)
	narrationFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "patentql_narration_fallbacks_total",
			Help: "Narrations served from the deterministic template.",
		},
	)
	snapshotRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patentql_snapshot_refresh_total",
			Help: "Schema snapshot refreshes by result.",
		},
		[]string{"result"},
	)
	authFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "patentql_auth_failures_total",
			Help: "Requests rejected by API-key authentication.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		translationAttemptsTotal,
		executionDurationMs,
		disallowedStatementsTotal,
		narrationFallbacksTotal,
		snapshotRefreshTotal,
		authFailuresTotal,
	)
}

func ObserveTranslationAttempt(step, outcome string) {
	translationAttemptsTotal.WithLabelValues(step, outcome).Inc()
}

func ObserveExecution(elapsed time.Duration) {
	executionDurationMs.Observe(float64(elapsed.Milliseconds()))
}

func IncrementDisallowedStatement() {
	disallowedStatementsTotal.Inc()
}

func IncrementNarrationFallback() {
	narrationFallbacksTotal.Inc()
}

func IncrementAuthFailure() {
	authFailuresTotal.Inc()
}

func ObserveSnapshotRefresh(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	snapshotRefreshTotal.WithLabelValues(result).Inc()
}
