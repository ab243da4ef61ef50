package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// noNetwork labels events that are not tied to a chain.
const noNetwork = "none"

// PrometheusRecorder exports x402_events_total{type,network} and
// x402_latency_seconds{operation,network}.
type PrometheusRecorder struct {
	events  *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

var _ Recorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder registers the facilitator collectors with reg, or
// with the default registry when reg is nil.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &PrometheusRecorder{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "events_total",
			Help:      "Verification and fulfillment outcomes.",
		}, []string{"type", "network"}),

		// chain polling stretches verification to tens of seconds
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "x402",
			Name:      "latency_seconds",
			Help:      "Latency of chain verification calls.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"operation", "network"}),
	}

	if err := reg.Register(r.events); err != nil {
		return nil, fmt.Errorf("register events counter: %w", err)
	}
	if err := reg.Register(r.latency); err != nil {
		return nil, fmt.Errorf("register latency histogram: %w", err)
	}
	return r, nil
}

func (r *PrometheusRecorder) IncCounter(name string, labels map[string]string) {
	r.events.WithLabelValues(name, network(labels)).Inc()
}

func (r *PrometheusRecorder) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	r.latency.WithLabelValues(name, network(labels)).Observe(d.Seconds())
}

func network(labels map[string]string) string {
	if n := labels["network"]; n != "" {
		return n
	}
	return noNetwork
}
