package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wonny/stocketl/internal/contracts"
)

const namespace = "ohlcv_etl"

// Metrics holds the engine's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	JobsTotal          *prometheus.CounterVec
	JobDuration        prometheus.Histogram
	InstrumentsTotal   *prometheus.CounterVec
	InstrumentLatency  *prometheus.HistogramVec
	RecordsTotal       *prometheus.CounterVec
	QualityFindings    *prometheus.CounterVec
	JobRetries         prometheus.Counter
	RunningJobs        prometheus.Gauge
	NotificationsTotal *prometheus.CounterVec
	LastSuccess        prometheus.Gauge
}

// New registers all collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Finished ETL jobs by terminal status",
		}, []string{"status"}),

		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of finished ETL jobs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),

		InstrumentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instruments_total",
			Help:      "Processed instruments by operation and outcome",
		}, []string{"operation", "outcome"}),

		InstrumentLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "instrument_latency_seconds",
			Help:      "Time to extract, load and validate one instrument",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		RecordsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Bars by load outcome",
		}, []string{"outcome"}),

		QualityFindings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_findings_total",
			Help:      "Data quality findings by metric and severity",
		}, []string{"metric", "severity"}),

		JobRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Retry passes started for transient failures",
		}),

		RunningJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_jobs",
			Help:      "Jobs currently in flight in this process",
		}),

		NotificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Cache invalidation notifications by result",
		}, []string{"result"}),

		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last completed job",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests, extra collectors)
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// JobStarted marks a job in flight
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.RunningJobs.Inc()
}

// JobFinished records a terminal job
func (m *Metrics) JobFinished(job contracts.Job) {
	if m == nil {
		return
	}
	m.RunningJobs.Dec()
	m.JobsTotal.WithLabelValues(string(job.Status)).Inc()
	m.JobDuration.Observe(job.Duration.Seconds())
	if job.Status == contracts.JobCompleted && job.CompletedAt != nil {
		m.LastSuccess.Set(float64(job.CompletedAt.Unix()))
	}
}

// RetryStarted counts a retry pass
func (m *Metrics) RetryStarted() {
	if m == nil {
		return
	}
	m.JobRetries.Inc()
}

// InstrumentDone records one instrument detail
func (m *Metrics) InstrumentDone(d *contracts.JobDetail) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !d.Succeeded() {
		outcome = "error"
	}
	m.InstrumentsTotal.WithLabelValues(string(d.Operation), outcome).Inc()
	m.InstrumentLatency.WithLabelValues(string(d.Operation)).Observe(d.ProcessingTime.Seconds())

	m.RecordsTotal.WithLabelValues("inserted").Add(float64(d.Counts.Inserted))
	m.RecordsTotal.WithLabelValues("updated").Add(float64(d.Counts.Updated))
	m.RecordsTotal.WithLabelValues("unchanged").Add(float64(d.Counts.Unchanged))
	m.RecordsTotal.WithLabelValues("failed").Add(float64(d.Counts.Failed))
}

// QualityObserved counts findings of one validation pass
func (m *Metrics) QualityObserved(findings []contracts.QualityMetric) {
	if m == nil {
		return
	}
	for _, f := range findings {
		m.QualityFindings.WithLabelValues(f.Name, string(f.Severity)).Inc()
	}
}

// Notified counts a cache invalidation attempt
func (m *Metrics) Notified(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.NotificationsTotal.WithLabelValues(result).Inc()
}
