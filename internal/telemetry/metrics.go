package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_jobs_submitted_total", Help: "Render jobs accepted by the submission API"})
	JobsCompleted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_jobs_completed_total", Help: "Render jobs that reached completed"})
	JobsFailed          = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_jobs_failed_total", Help: "Render jobs that reached failed"})
	JobsInFlight        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "render_jobs_inflight", Help: "Render jobs currently running"})
	SynthesisFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_narration_failures_total", Help: "Scenes whose narration synthesis failed"})
	UploadFallbacks     = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_upload_fallbacks_total", Help: "Videos served from local disk after a storage upload failure"})
	PersistenceFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_status_write_failures_total", Help: "Durable status writes dropped after retry"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	BundleBuilds        = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_bundle_builds_total", Help: "Render engine bundles built"})
	StageDuration       = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "render_stage_duration_seconds",
		Help:    "Wall time spent per pipeline stage",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"stage"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			JobsInFlight,
			SynthesisFailures,
			UploadFallbacks,
			PersistenceFailures,
			RateLimitRejects,
			BundleBuilds,
			StageDuration,
		)
	})
	return promhttp.Handler()
}
