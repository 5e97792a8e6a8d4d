// Package telemetry exposes Prometheus metrics for the job engine and envelope pipeline.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Courier's collectors on a dedicated registry.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	JobsAdded        *prometheus.CounterVec
	JobsFinished     *prometheus.CounterVec
	JobRetries       *prometheus.CounterVec
	JobsRunning      prometheus.Gauge
	JobDuration      *prometheus.HistogramVec
	EnvelopeOutcomes *prometheus.CounterVec
	SendResults      *prometheus.CounterVec
	NetworkUp        prometheus.Gauge
}

// NewMetrics creates and registers all collectors, plus the Go runtime collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		JobsAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_jobs_added_total", Help: "Jobs added to the manager",
		}, []string{"factory"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_jobs_finished_total", Help: "Jobs that reached a terminal state",
		}, []string{"factory", "result"}),
		JobRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_job_retries_total", Help: "Retryable job failures scheduled for another attempt",
		}, []string{"factory"}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "courier_jobs_running", Help: "Jobs currently executing",
		}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "courier_job_run_seconds", Help: "Duration of a single job run", Buckets: prometheus.DefBuckets,
		}, []string{"factory"}),
		EnvelopeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_envelope_outcomes_total", Help: "Envelope classifications",
		}, []string{"outcome"}),
		SendResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_send_results_total", Help: "Transport send results",
		}, []string{"status"}),
		NetworkUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "courier_network_available", Help: "1 when the transport reports connectivity",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.JobsAdded, m.JobsFinished, m.JobRetries, m.JobsRunning, m.JobDuration,
		m.EnvelopeOutcomes, m.SendResults, m.NetworkUp,
	)
	return m
}

// Handler exposes the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobAdded(factory string) {
	if m == nil {
		return
	}
	m.JobsAdded.WithLabelValues(factory).Inc()
}

func (m *Metrics) JobFinished(factory, result string) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(factory, result).Inc()
}

func (m *Metrics) JobRetried(factory string) {
	if m == nil {
		return
	}
	m.JobRetries.WithLabelValues(factory).Inc()
}

// JobRan records one run and its duration.
func (m *Metrics) JobRan(factory string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobDuration.WithLabelValues(factory).Observe(d.Seconds())
}

func (m *Metrics) SetRunning(n int) {
	if m == nil {
		return
	}
	m.JobsRunning.Set(float64(n))
}

func (m *Metrics) EnvelopeClassified(outcome string) {
	if m == nil {
		return
	}
	m.EnvelopeOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SendResult(status string) {
	if m == nil {
		return
	}
	m.SendResults.WithLabelValues(status).Inc()
}

func (m *Metrics) SetNetworkAvailable(up bool) {
	if m == nil {
		return
	}
	if up {
		m.NetworkUp.Set(1)
	} else {
		m.NetworkUp.Set(0)
	}
}
