package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "netops_jobs_submitted_total", Help: "Total submitted jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "netops_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	JobSuccess       = prometheus.NewCounter(prometheus.CounterOpts{Name: "netops_jobs_succeeded_total", Help: "Jobs completed successfully"})
	JobFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "netops_jobs_failed_total", Help: "Jobs that reached failed"})
	JobDenied        = prometheus.NewCounter(prometheus.CounterOpts{Name: "netops_jobs_denied_total", Help: "Jobs failed by allowlist denial"})
	JobTimeouts      = prometheus.NewCounter(prometheus.CounterOpts{Name: "netops_jobs_timeout_total", Help: "Jobs failed by execution timeout"})
	ClaimRaces       = prometheus.NewCounter(prometheus.CounterOpts{Name: "netops_claim_races_total", Help: "Redelivered messages that lost the claim race"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "netops_queue_depth", Help: "Ready queue depth across classes"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "netops_jobs_inflight", Help: "Jobs currently executing"})
	HealthScoreGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "netops_wan_health_score", Help: "Latest composite WAN health score"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			RateLimitRejects,
			JobSuccess,
			JobFailures,
			JobDenied,
			JobTimeouts,
			ClaimRaces,
			QueueDepthGauge,
			InFlightGauge,
			HealthScoreGauge,
		)
	})
	return promhttp.Handler()
}
