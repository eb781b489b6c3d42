// Package metrics exposes pipeline stage timing and audit-outcome counters
// on /metrics, in the format operators scrape with Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StageDuration records how long each pipeline stage takes, labeled by
	// stage name, so a slow Reflection retry loop is distinguishable from a
	// slow ForkedSimulator call.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "txaudit_stage_duration_seconds",
		Help:    "Duration of one pipeline stage invocation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// AuditOutcomes counts completed audits by final risk level, so an
	// operator can alert on a sudden spike of CRITICAL verdicts.
	AuditOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txaudit_audit_outcomes_total",
		Help: "Completed audits by final risk level.",
	}, []string{"risk_level"})

	// AuditErrors counts audits that ended in a stage error report rather
	// than a verdict, labeled by the stage that failed.
	AuditErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txaudit_audit_errors_total",
		Help: "Audits that ended in a stage error rather than a verdict.",
	}, []string{"error_stage"})

	// RetryCount records how many retries each completed audit consumed.
	RetryCount = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "txaudit_retry_count",
		Help:    "Number of Reflection-triggered retries per audit.",
		Buckets: []float64{0, 1, 2, 3, 4},
	})
)
