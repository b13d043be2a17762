package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsync_auth_attempts_total",
			Help: "Total device authentication attempts.",
		},
		[]string{"result"},
	)

	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsync_rate_limit_rejections_total",
			Help: "Requests rejected by the per-device rate limiter.",
		},
		[]string{"route"},
	)

	JobsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsync_jobs_created_total",
			Help: "Jobs accepted into the queue.",
		},
		[]string{"type", "direction"},
	)

	MaterializationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsync_materializations_total",
			Help: "Snapshot projection attempts by job type.",
		},
		[]string{"type", "result"},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		AuthAttemptsTotal,
		RateLimitRejectionsTotal,
		JobsCreatedTotal,
		MaterializationsTotal,
	)
}
