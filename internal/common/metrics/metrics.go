// Package metrics exposes the feed engine's Prometheus instruments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "transitboard"

// Metrics groups every instrument on a private registry
type Metrics struct {
	Registry *prometheus.Registry

	FetchTotal      *prometheus.CounterVec
	FetchDuration   *prometheus.HistogramVec
	ParseSkipped    *prometheus.CounterVec
	ParseDropped    *prometheus.CounterVec
	RecordsIngested *prometheus.CounterVec
	Cycles          *prometheus.CounterVec
	BackoffFailures prometheus.Gauge
	BackoffWait     prometheus.Gauge
	ActiveLines     prometheus.Gauge
	ArchiveDropped  prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		FetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Feed fetches by source and outcome",
		}, []string{"source", "outcome"}),
		FetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Time from dispatch to completed response",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		ParseSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_skipped_total",
			Help:      "Stop visits rejected by validation",
		}, []string{"source"}),
		ParseDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_dropped_total",
			Help:      "Valid stop visits dropped by the record cap",
		}, []string{"source"}),
		RecordsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_ingested_total",
			Help:      "Arrival records written to the aggregate",
		}, []string{"source"}),
		Cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Polling cycles by result",
		}, []string{"result"}),
		BackoffFailures: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backoff_consecutive_failures",
			Help:      "Consecutive failed requests",
		}),
		BackoffWait: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backoff_wait_seconds",
			Help:      "Wait applied after the most recent failure",
		}),
		ActiveLines: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_lines",
			Help:      "Lines with an arrival inside the active window",
		}),
		ArchiveDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_dropped_total",
			Help:      "Batches dropped because the archive queue was full",
		}),
	}
}

func (m *Metrics) ObserveFetch(source, outcome string, elapsed time.Duration) {
	m.FetchTotal.WithLabelValues(source, outcome).Inc()
	m.FetchDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveParse(source string, skipped, dropped, ingested int) {
	m.ParseSkipped.WithLabelValues(source).Add(float64(skipped))
	m.ParseDropped.WithLabelValues(source).Add(float64(dropped))
	m.RecordsIngested.WithLabelValues(source).Add(float64(ingested))
}

func (m *Metrics) SetBackoff(failures int, wait time.Duration) {
	m.BackoffFailures.Set(float64(failures))
	m.BackoffWait.Set(wait.Seconds())
}
