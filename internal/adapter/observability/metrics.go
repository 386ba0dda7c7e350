package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"type"},
	)
	JobsRequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_requeued_total",
			Help: "Total number of jobs requeued without counting a failure",
		},
		[]string{"type"},
	)
	JobsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_swept_total",
			Help: "Total number of stale running jobs force-completed by the sweeper",
		},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation"},
	)

	PostsRoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "posts_routed_total",
			Help: "Total number of posts routed by decision",
		},
		[]string{"decision"},
	)
	PostsAbandonedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "posts_abandoned_total",
			Help: "Total number of posts abandoned by reason",
		},
		[]string{"reason"},
	)

	ReportsGeneratedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reports_generated_total",
			Help: "Total number of digest reports generated",
		},
	)
	NotificationsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total number of notification messages delivered",
		},
	)
)

// InitMetrics registers all metrics with the default registry. Safe to call
// once per process.
func InitMetrics() {
	prometheus.MustRegister(
		JobsEnqueuedTotal,
		JobsCompletedTotal,
		JobsFailedTotal,
		JobsRequeuedTotal,
		JobsSweptTotal,
		AIRequestsTotal,
		AIRequestDuration,
		PostsRoutedTotal,
		PostsAbandonedTotal,
		ReportsGeneratedTotal,
		NotificationsSentTotal,
	)
}
