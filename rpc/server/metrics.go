package server

import (
	"time"

	"github.com/ValentinKolb/nKV/rpc/common"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for the RPC server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the server metrics and registers them with registry.
// If registry is nil, metrics will be created but not registered.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nkv",
				Subsystem: "server",
				Name:      "requests_total",
				Help:      "Total number of handled RPC requests by type and result",
			},
			[]string{"type", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "nkv",
				Subsystem: "server",
				Name:      "request_duration_seconds",
				Help:      "Time from request arrival to reply, including lock waits",
				Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
			},
			[]string{"type"},
		),
	}

	if registry != nil {
		registry.MustRegister(m.requests, m.duration)
	}
	return m
}

// ObserveRequest records one answered request
func (m *Metrics) ObserveRequest(t common.MessageType, resp *common.Message, took time.Duration) {
	if m == nil {
		return
	}
	result := resp.Result().String()
	if resp.MsgType == common.MsgTError {
		result = "error"
	}
	m.requests.WithLabelValues(t.String(), result).Inc()
	m.duration.WithLabelValues(t.String()).Observe(took.Seconds())
}
