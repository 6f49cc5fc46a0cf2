package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PollsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "genwatch_polls_active",
		Help: "Polling loops currently tracking a job",
	})
	StatusFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "genwatch_status_fetches_total",
		Help: "Status fetches by outcome",
	}, []string{"result"})
	FetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "genwatch_status_fetch_duration_seconds",
		Help:    "Latency of remote status fetches",
		Buckets: prometheus.DefBuckets,
	})
	JobsTerminal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "genwatch_jobs_terminal_total",
		Help: "Jobs observed reaching a terminal status",
	}, []string{"status"})
	PollsAborted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "genwatch_polls_aborted_total",
		Help: "Polling loops ended by a fetch failure",
	})
	WebhookFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "genwatch_webhook_failures_total",
		Help: "Terminal notifications that could not be delivered",
	})
	ArtifactsArchived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "genwatch_artifacts_archived_total",
		Help: "Artifacts archived by destination",
	}, []string{"destination"})
	HistorySynced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "genwatch_history_synced_total",
		Help: "Completed jobs copied into the history store by the sync job",
	})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "genwatch_rate_limit_rejects_total",
		Help: "API requests rejected by the rate limiter",
	})
)

// Handler exposes the /metrics endpoint, registering collectors on first use.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PollsActive,
			StatusFetches,
			FetchDuration,
			JobsTerminal,
			PollsAborted,
			WebhookFailures,
			ArtifactsArchived,
			HistorySynced,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
