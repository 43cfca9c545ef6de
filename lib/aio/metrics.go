package aio

import (
	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for the request pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	submitted  *prometheus.CounterVec
	completed  *prometheus.CounterVec
	duplicates prometheus.Counter
	inFlight   prometheus.Gauge
	batchSize  prometheus.Histogram
	bytes      *prometheus.CounterVec
}

// NewMetrics creates the pipeline metrics and registers them with registry.
// If registry is nil, metrics will be created but not registered.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nkv",
				Subsystem: "requests",
				Name:      "submitted_total",
				Help:      "Total number of submitted operations",
			},
			[]string{"op"},
		),
		completed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nkv",
				Subsystem: "requests",
				Name:      "completed_total",
				Help:      "Total number of completed operations by result",
			},
			[]string{"op", "result"},
		),
		duplicates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "nkv",
				Subsystem: "requests",
				Name:      "duplicate_signals_total",
				Help:      "Completion signals dropped because the request was already completed",
			},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "nkv",
				Subsystem: "requests",
				Name:      "in_flight",
				Help:      "Number of requests between submit and completion",
			},
		),
		batchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "nkv",
				Subsystem: "completions",
				Name:      "batch_size",
				Help:      "Number of operations per completion callback",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nkv",
				Subsystem: "requests",
				Name:      "transferred_bytes_total",
				Help:      "Payload bytes transferred by completed operations",
			},
			[]string{"op"},
		),
	}

	if registry != nil {
		registry.MustRegister(m.submitted, m.completed, m.duplicates, m.inFlight, m.batchSize, m.bytes)
	}
	return m
}

func (m *Metrics) observeSubmit(op kv.OpCode) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(op.String()).Inc()
	m.inFlight.Inc()
}

func (m *Metrics) observeComplete(op kv.OpCode, result kv.Result, bytes uint64) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(op.String(), result.String()).Inc()
	m.bytes.WithLabelValues(op.String()).Add(float64(bytes))
	m.inFlight.Dec()
}

func (m *Metrics) observeDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) observeBatch(n int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(n))
}
