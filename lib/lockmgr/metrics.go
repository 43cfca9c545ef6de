package lockmgr

import (
	"time"

	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/prometheus/client_golang/prometheus"
)

// Label constants for metrics.
const (
	LabelMode   = "mode"
	LabelStatus = "status"
	LabelReason = "reason"
)

// Reason constants for lock release.
const (
	ReasonExplicit  = "explicit"
	ReasonReclaimed = "reclaimed"
	ReasonTimeout   = "timeout"
	ReasonCancelled = "cancelled"
)

// Metrics provides Prometheus metrics for the lock manager.
type Metrics struct {
	acquireTotal *prometheus.CounterVec
	releaseTotal *prometheus.CounterVec
	heldGauge    *prometheus.GaugeVec
	waitingGauge prometheus.Gauge
	waitDuration prometheus.Histogram
}

// NewMetrics creates and registers lock metrics.
// If registry is nil, metrics will be created but not registered (useful for testing).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		acquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nkv",
				Subsystem: "locks",
				Name:      "acquire_total",
				Help:      "Total number of lock requests by outcome",
			},
			[]string{LabelMode, LabelStatus},
		),
		releaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nkv",
				Subsystem: "locks",
				Name:      "release_total",
				Help:      "Total number of released locks and withdrawn requests",
			},
			[]string{LabelReason},
		),
		heldGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "nkv",
				Subsystem: "locks",
				Name:      "held",
				Help:      "Number of currently held locks",
			},
			[]string{LabelMode},
		),
		waitingGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "nkv",
				Subsystem: "locks",
				Name:      "waiting",
				Help:      "Number of blocked lock requests waiting",
			},
		),
		waitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "nkv",
				Subsystem: "locks",
				Name:      "wait_duration_seconds",
				Help:      "Time a blocked request waited before it was granted",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
		),
	}

	if registry != nil {
		registry.MustRegister(m.acquireTotal, m.releaseTotal, m.heldGauge, m.waitingGauge, m.waitDuration)
	}
	return m
}

func modeLabel(writer bool) string {
	if writer {
		return "write"
	}
	return "read"
}

// ObserveAcquire records the immediate outcome of a lock request.
func (m *Metrics) ObserveAcquire(writer bool, status kv.LockStatus) {
	if m == nil {
		return
	}
	m.acquireTotal.WithLabelValues(modeLabel(writer), status.String()).Inc()
}

// ObserveGrant records a granted lock.
func (m *Metrics) ObserveGrant(writer bool) {
	if m == nil {
		return
	}
	m.heldGauge.WithLabelValues(modeLabel(writer)).Inc()
}

// ObserveRelease records a released lock.
func (m *Metrics) ObserveRelease(writer bool, reason string) {
	if m == nil {
		return
	}
	m.heldGauge.WithLabelValues(modeLabel(writer)).Dec()
	m.releaseTotal.WithLabelValues(reason).Inc()
}

// ObserveQueued records a request entering the wait queue.
func (m *Metrics) ObserveQueued() {
	if m == nil {
		return
	}
	m.waitingGauge.Inc()
}

// ObserveDequeued records a request leaving the wait queue.
// Granted requests record their wait time, withdrawn ones the reason.
func (m *Metrics) ObserveDequeued(waited time.Duration, granted bool, reason string) {
	if m == nil {
		return
	}
	m.waitingGauge.Dec()
	if granted {
		m.waitDuration.Observe(waited.Seconds())
	} else {
		m.releaseTotal.WithLabelValues(reason).Inc()
	}
}
