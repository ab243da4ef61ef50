package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	var _ Recorder = rec

	rec.IncCounter("verify_ok", map[string]string{"network": "solana"})
	rec.IncCounter("verify_ok", map[string]string{"network": "solana"})
	rec.IncCounter("purchase_sold_out", nil)
	rec.ObserveLatency("verify", 300*time.Millisecond, map[string]string{"network": "base"})

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := map[string]float64{}
	networks := map[string]bool{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "network" {
					networks[lp.GetValue()] = true
				}
			}
			switch {
			case m.GetCounter() != nil:
				byName[f.GetName()] += m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				byName[f.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}

	assert.Equal(t, float64(3), byName["x402_events_total"])
	assert.Equal(t, float64(1), byName["x402_latency_seconds"])
	assert.Equal(t, map[string]bool{"solana": true, "base": true, "none": true}, networks)
}

func TestPrometheusRecorderDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	_, err = NewPrometheusRecorder(reg)
	assert.Error(t, err)
}
