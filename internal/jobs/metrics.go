package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs      *prometheus.CounterVec
	failures  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	pipeline  *prometheus.CounterVec
	slaAlerts *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddPipelineOutcome increments the pipeline counter for the final
// invoice status of one processing run.
func (m *Metrics) AddPipelineOutcome(status string) {
	if m == nil || status == "" {
		return
	}
	m.pipeline.WithLabelValues(status).Inc()
}

// AddSLAAlerts increments the SLA alert counter for the supplied type.
func (m *Metrics) AddSLAAlerts(alertType string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.slaAlerts.WithLabelValues(alertType).Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "apflow_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "apflow_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apflow_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	pipeline := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "apflow_pipeline_outcomes_total",
		Help: "Invoice pipeline runs grouped by resulting status.",
	}, []string{"status"})
	slaAlerts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "apflow_sla_alerts_total",
		Help: "SLA alerts raised by the daily sweep grouped by type.",
	}, []string{"type"})
	registerer.MustRegister(runs, failures, duration, pipeline, slaAlerts)
	return &Metrics{runs: runs, failures: failures, duration: duration, pipeline: pipeline, slaAlerts: slaAlerts}
}
