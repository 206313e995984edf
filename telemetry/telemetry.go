// Package telemetry exposes the pipeline's own health and the in-memory
// aggregates as Prometheus metrics.
package telemetry

import (
	"funcmetrics/collector"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "funcmetrics"

// Drop reasons and batch outcomes used as label values.
const (
	ReasonUnavailable = "connection_unavailable"
	ReasonWriteFailed = "write_failed"

	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeDropped    = "dropped"
)

// WriterMetrics instruments the batch writer.
type WriterMetrics struct {
	SamplesWritten prometheus.Counter
	SamplesDropped *prometheus.CounterVec
	Batches        *prometheus.CounterVec
	BatchDuration  prometheus.Histogram
	Restarts       prometheus.Counter
}

// NewWriterMetrics creates the writer metrics and, when reg is not nil,
// registers them together with a queue-depth gauge fed by queueLen.
func NewWriterMetrics(reg prometheus.Registerer, queueLen func() int) *WriterMetrics {
	m := &WriterMetrics{
		SamplesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "samples_written_total",
			Help:      "Samples committed to the sink.",
		}),
		SamplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "samples_dropped_total",
			Help:      "Samples drained from the queue but never committed.",
		}, []string{"reason"}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "batches_total",
			Help:      "Batches handled by the writer, by outcome.",
		}, []string{"outcome"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "batch_duration_seconds",
			Help:      "Time spent writing one batch, commit included.",
			Buckets:   prometheus.DefBuckets,
		}),
		Restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "restarts_total",
			Help:      "Times the writer loop was restarted after an uncaught error.",
		}),
	}
	if reg == nil {
		return m
	}
	reg.MustRegister(m.SamplesWritten, m.SamplesDropped, m.Batches, m.BatchDuration, m.Restarts)
	if queueLen != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Samples waiting in the delivery queue.",
		}, func() float64 { return float64(queueLen()) }))
	}
	return m
}

// AggregateCollector exports every AggregateRecord of a store.
type AggregateCollector struct {
	store *collector.Store

	calls    *prometheus.Desc
	errors   *prometheus.Desc
	duration *prometheus.Desc
}

// NewAggregateCollector returns a prometheus.Collector reading store.
func NewAggregateCollector(store *collector.Store) *AggregateCollector {
	labels := []string{"function"}
	return &AggregateCollector{
		store: store,
		calls: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "function", "calls_total"),
			"Instrumented calls, failed ones included.", labels, nil),
		errors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "function", "errors_total"),
			"Instrumented calls that failed.", labels, nil),
		duration: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "function", "duration_seconds_total"),
			"Total time spent in instrumented calls.", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *AggregateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.calls
	ch <- c.errors
	ch <- c.duration
}

// Collect implements prometheus.Collector.
func (c *AggregateCollector) Collect(ch chan<- prometheus.Metric) {
	for _, id := range c.store.Identifiers() {
		rec := c.store.Snapshot(id)
		ch <- prometheus.MustNewConstMetric(c.calls, prometheus.CounterValue, float64(rec.CallCount), id)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(rec.ErrorCount), id)
		ch <- prometheus.MustNewConstMetric(c.duration, prometheus.CounterValue, rec.TotalDurationSeconds, id)
	}
}

var _ prometheus.Collector = (*AggregateCollector)(nil)
