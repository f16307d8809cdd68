// Package metrics exposes Prometheus collectors for the relay, the
// collaboration pipeline and attachment resolution. A nil *Metrics is valid
// and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conclave"

type Metrics struct {
	registry *prometheus.Registry

	relayStreams   *prometheus.CounterVec
	relayDuration  *prometheus.HistogramVec
	relayInFlight  prometheus.Gauge
	stageTasks     *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	collaborations *prometheus.CounterVec
	attachments    *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		relayStreams: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_streams_total",
			Help:      "Relay streams by upstream mode and final state",
		}, []string{"mode", "outcome"}),
		relayDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_stream_duration_seconds",
			Help:      "Wall time of relay streams from start to final state",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"mode"}),
		relayInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_streams_in_flight",
			Help:      "Relay streams currently open",
		}),
		stageTasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_tasks_total",
			Help:      "Collaboration stage tasks by stage and outcome",
		}, []string{"stage", "outcome"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each collaboration stage until all tasks settle",
			Buckets:   []float64{1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		collaborations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborations_total",
			Help:      "Collaboration pipelines by final state",
		}, []string{"outcome"}),
		attachments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachments_total",
			Help:      "Attachment resolutions by kind and outcome",
		}, []string{"kind", "outcome"}),
		tokenRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_refreshes_total",
			Help:      "Scheduled credential refresh attempts by outcome",
		}, []string{"outcome"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RelayStarted increments the in-flight gauge and returns a func that
// records the final state.
func (m *Metrics) RelayStarted(mode string) func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.relayInFlight.Inc()
	return func(outcome string) {
		m.relayInFlight.Dec()
		m.relayStreams.WithLabelValues(mode, outcome).Inc()
		m.relayDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) StageTask(stage string, failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "failed"
	}
	m.stageTasks.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) StageDuration(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) Collaboration(outcome string) {
	if m == nil {
		return
	}
	m.collaborations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Attachment(kind, outcome string) {
	if m == nil {
		return
	}
	m.attachments.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) CredentialRefresh(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.tokenRefreshes.WithLabelValues(outcome).Inc()
}
