// Package metrics defines the Prometheus metrics the monitor exports.
//
// Metrics are registered on a caller-supplied registry so tests and
// multiple instances do not collide on the global default one. Every
// method is safe to call on a nil *Metrics, which records nothing.
//
// Naming:
//   - uptimewatch_ prefix for all metrics
//   - _total suffix for counters
//   - _seconds / _milliseconds suffix for histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	CyclesTotal          *prometheus.CounterVec
	CycleDurationSeconds prometheus.Histogram
	TargetsInCycle       prometheus.Gauge
	ProbesTotal          *prometheus.CounterVec
	ProbeLatencyMS       prometheus.Histogram
	PersistErrorsTotal   prometheus.Counter
	AlertTransitions     *prometheus.CounterVec
	NotificationsTotal   *prometheus.CounterVec
	NotifyQueueDepth     prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uptimewatch_cycles_total",
			Help: "Monitoring cycles by outcome (completed, skipped_busy, skipped_lease).",
		}, []string{"outcome"}),
		CycleDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "uptimewatch_cycle_duration_seconds",
			Help:    "Wall time of completed monitoring cycles.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}),
		TargetsInCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uptimewatch_cycle_targets",
			Help: "Number of targets probed in the last cycle.",
		}),
		ProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uptimewatch_probes_total",
			Help: "Probe results by reachability (up, down).",
		}, []string{"result"}),
		ProbeLatencyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "uptimewatch_probe_latency_milliseconds",
			Help:    "Latency of successful probes.",
			Buckets: []float64{25, 50, 100, 250, 500, 1000, 2000, 5000},
		}),
		PersistErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uptimewatch_persist_errors_total",
			Help: "Measurement batches that failed to persist.",
		}),
		AlertTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uptimewatch_alert_transitions_total",
			Help: "Alert transitions by kind (opened, resolved).",
		}, []string{"transition"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uptimewatch_notifications_total",
			Help: "Notification outcomes (delivered, failed, dropped).",
		}, []string{"outcome"}),
		NotifyQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uptimewatch_notify_queue_depth",
			Help: "Notifications waiting for a worker.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.CyclesTotal,
			m.CycleDurationSeconds,
			m.TargetsInCycle,
			m.ProbesTotal,
			m.ProbeLatencyMS,
			m.PersistErrorsTotal,
			m.AlertTransitions,
			m.NotificationsTotal,
			m.NotifyQueueDepth,
		)
	}
	return m
}

func (m *Metrics) CycleSkipped(reason string) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) CycleCompleted(targets int, d time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues("completed").Inc()
	m.CycleDurationSeconds.Observe(d.Seconds())
	m.TargetsInCycle.Set(float64(targets))
}

func (m *Metrics) ProbeObserved(up bool, latencyMS float64) {
	if m == nil {
		return
	}
	if !up {
		m.ProbesTotal.WithLabelValues("down").Inc()
		return
	}
	m.ProbesTotal.WithLabelValues("up").Inc()
	m.ProbeLatencyMS.Observe(latencyMS)
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.PersistErrorsTotal.Inc()
}

func (m *Metrics) AlertTransition(transition string) {
	if m == nil {
		return
	}
	m.AlertTransitions.WithLabelValues(transition).Inc()
}

func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.NotifyQueueDepth.Set(float64(n))
}
