package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "clf_jobs_enqueued_total", Help: "Jobs accepted by enqueue, deduplicated requests excluded"}, []string{"kind"})
	JobsDeduped       = prometheus.NewCounter(prometheus.CounterOpts{Name: "clf_jobs_deduped_total", Help: "Enqueue requests answered from an existing idempotency key"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "clf_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})
	JobsClaimed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "clf_jobs_claimed_total", Help: "Jobs claimed by workers"}, []string{"kind"})
	JobsSucceeded     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "clf_jobs_succeeded_total", Help: "Jobs acked as done"}, []string{"kind"})
	JobsRetried       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "clf_jobs_retried_total", Help: "Failed attempts that were rescheduled"}, []string{"kind"})
	JobsFailed        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "clf_jobs_failed_total", Help: "Jobs that exhausted their attempts"}, []string{"kind"})
	JobDuration       = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "clf_job_duration_seconds", Help: "Handler execution time", Buckets: prometheus.ExponentialBuckets(0.05, 2, 14)}, []string{"kind"})
	QueueDepth        = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "clf_jobs", Help: "Jobs by status"}, []string{"status"})
	InFlight          = prometheus.NewGauge(prometheus.GaugeOpts{Name: "clf_jobs_inflight", Help: "Jobs currently executing in this process"})
	ServersReaped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "clf_cattle_reaped_total", Help: "Expired instances deleted"})
	ServersSpawned    = prometheus.NewCounter(prometheus.CounterOpts{Name: "clf_cattle_spawned_total", Help: "Instances created"})
	TokenRedemptions  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "clf_bootstrap_redemptions_total", Help: "Bootstrap token redemption attempts"}, []string{"outcome"})
	JobsArchived      = prometheus.NewCounter(prometheus.CounterOpts{Name: "clf_jobs_archived_total", Help: "Terminal jobs archived before pruning"})
	EventStreamClient = prometheus.NewGauge(prometheus.GaugeOpts{Name: "clf_event_stream_clients", Help: "Connected websocket event stream clients"})
)

func register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsDeduped,
			RateLimitRejects,
			JobsClaimed,
			JobsSucceeded,
			JobsRetried,
			JobsFailed,
			JobDuration,
			QueueDepth,
			InFlight,
			ServersReaped,
			ServersSpawned,
			TokenRedemptions,
			JobsArchived,
			EventStreamClient,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	register()
	return promhttp.Handler()
}

// SetQueueDepth publishes per-status job counts. Statuses missing from
// counts are reset to zero.
func SetQueueDepth(counts map[string]int64, statuses []string) {
	for _, s := range statuses {
		QueueDepth.WithLabelValues(s).Set(float64(counts[s]))
	}
}
