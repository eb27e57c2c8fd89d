// Package metrics provides Prometheus metrics collection for meterd.
package metrics

import (
	"time"

	"github.com/artpar/meterd/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for meterd.
type Collector struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Ingestion metrics
	EventsAccepted  *prometheus.CounterVec
	EventsRejected  *prometheus.CounterVec
	UsageQuantity   *prometheus.CounterVec
	JournalQueue    prometheus.Gauge
	JournalFlushes  *prometheus.CounterVec
	JournalFlushed  prometheus.Counter
	LiveCounterSize prometheus.Gauge

	// Decision metrics
	Decisions *prometheus.CounterVec

	// Background job metrics
	JobDuration  *prometheus.HistogramVec
	JobFailures  *prometheus.CounterVec
	RecordsTotal prometheus.Counter
	AlertsTotal  *prometheus.CounterVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a new metrics collector registered with the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "meterd",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"method", "route"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "meterd",
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),

		EventsAccepted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "events_accepted_total",
				Help:      "Usage events accepted by the collector",
			},
			[]string{"metric"},
		),
		EventsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "events_rejected_total",
				Help:      "Usage events rejected by the collector",
			},
			[]string{"reason"},
		),
		UsageQuantity: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "usage_quantity_total",
				Help:      "Sum of accepted usage quantities in base units",
			},
			[]string{"metric"},
		),
		JournalQueue: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "meterd",
				Name:      "journal_queue_depth",
				Help:      "Events waiting to be written to the event log",
			},
		),
		JournalFlushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "journal_flushes_total",
				Help:      "Journal batch writes by result",
			},
			[]string{"result"},
		),
		JournalFlushed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "journal_events_written_total",
				Help:      "Events written to the event log",
			},
		),
		LiveCounterSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "meterd",
				Name:      "live_counters",
				Help:      "Open counters at the last checkpoint",
			},
		),

		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "decisions_total",
				Help:      "Quota and rate-limit decisions",
			},
			[]string{"metric", "admitted", "reason"},
		),

		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "meterd",
				Name:      "job_duration_seconds",
				Help:      "Background job run duration in seconds",
				Buckets:   []float64{.001, .01, .05, .1, .5, 1, 5, 10, 30},
			},
			[]string{"job"},
		),
		JobFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "job_failures_total",
				Help:      "Background job runs that returned an error",
			},
			[]string{"job"},
		),
		RecordsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "records_written_total",
				Help:      "Usage record revisions written by rollup",
			},
		),
		AlertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "alert_transitions_total",
				Help:      "Alert transitions by type and resulting status",
			},
			[]string{"type", "status"},
		),

		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "meterd",
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// EventAccepted counts an accepted event and its quantity.
func (c *Collector) EventAccepted(metric string, quantity int64) {
	c.EventsAccepted.WithLabelValues(metric).Inc()
	c.UsageQuantity.WithLabelValues(metric).Add(float64(quantity))
}

// EventRejected counts a rejected event.
func (c *Collector) EventRejected(reason string) {
	c.EventsRejected.WithLabelValues(reason).Inc()
}

// Decision counts an admission decision.
func (c *Collector) Decision(metric string, admitted bool, reason string) {
	label := "false"
	if admitted {
		label = "true"
	}
	c.Decisions.WithLabelValues(metric, label, reason).Inc()
}

// JournalDepth sets the journal queue gauge.
func (c *Collector) JournalDepth(n int) {
	c.JournalQueue.Set(float64(n))
}

// JournalFlush counts a journal batch write.
func (c *Collector) JournalFlush(events int, err error) {
	if err != nil {
		c.JournalFlushes.WithLabelValues("error").Inc()
		return
	}
	c.JournalFlushes.WithLabelValues("ok").Inc()
	c.JournalFlushed.Add(float64(events))
}

// JobRun observes a background job run.
func (c *Collector) JobRun(job string, d time.Duration, err error) {
	c.JobDuration.WithLabelValues(job).Observe(d.Seconds())
	if err != nil {
		c.JobFailures.WithLabelValues(job).Inc()
	}
}

// RecordsWritten counts written record revisions.
func (c *Collector) RecordsWritten(n int) {
	c.RecordsTotal.Add(float64(n))
}

// AlertsTransitioned counts an alert transition.
func (c *Collector) AlertsTransitioned(alertType, status string) {
	c.AlertsTotal.WithLabelValues(alertType, status).Inc()
}

// LiveCounters sets the live counter gauge.
func (c *Collector) LiveCounters(n int) {
	c.LiveCounterSize.Set(float64(n))
}

// ConfigReloaded records a config reload attempt.
func (c *Collector) ConfigReloaded(err error, at time.Time) {
	if err != nil {
		c.ConfigReloadErrors.Inc()
		return
	}
	c.ConfigReloads.Inc()
	c.ConfigLastReload.Set(float64(at.Unix()))
}

var _ ports.Metrics = (*Collector)(nil)
