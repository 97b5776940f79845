package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Collector, labels prometheus.Labels) float64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		for _, m := range fam.Metric {
			match := true
			for _, lp := range m.Label {
				if labels[lp.GetName()] != lp.GetValue() {
					match = false
				}
			}
			if match && m.Counter != nil {
				return m.Counter.GetValue()
			}
		}
	}
	return 0
}

func TestRecordPacketDroppedIncrementsCounter(t *testing.T) {
	require := require.New(t)
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.RecordPacketDropped("rate_limited")
	p.RecordPacketDropped("rate_limited")

	families, err := reg.Gather()
	require.NoError(err)

	var found *dto.Metric
	for _, fam := range families {
		if fam.GetName() != "mixnode_packet_dropped_total" {
			continue
		}
		for _, m := range fam.Metric {
			for _, lp := range m.Label {
				if lp.GetName() == "reason" && lp.GetValue() == "rate_limited" {
					found = m
				}
			}
		}
	}
	require.NotNil(found)
	require.Equal(float64(2), found.Counter.GetValue())
}

func TestRecordSecurityEventIncrementsCounter(t *testing.T) {
	require := require.New(t)
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.RecordSecurityEvent("malformed_packet", "1.2.3.4")

	families, err := reg.Gather()
	require.NoError(err)
	var total float64
	for _, fam := range families {
		if fam.GetName() != "mixnode_security_event_total" {
			continue
		}
		for _, m := range fam.Metric {
			total += m.Counter.GetValue()
		}
	}
	require.Equal(float64(1), total)
}

func TestRecordPacketProcessedObservesHistogram(t *testing.T) {
	require := require.New(t)
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.RecordPacketProcessed(39000, 1024, "forward")

	families, err := reg.Gather()
	require.NoError(err)
	var sampleCount uint64
	for _, fam := range families {
		if fam.GetName() != "mixnode_packet_processed_duration_seconds" {
			continue
		}
		for _, m := range fam.Metric {
			sampleCount += m.Histogram.GetSampleCount()
		}
	}
	require.Equal(uint64(1), sampleCount)
}

func TestNewPrometheusWithNilRegistererDoesNotPanic(t *testing.T) {
	require := require.New(t)
	require.NotPanics(func() {
		p := NewPrometheus(nil)
		p.RecordPacketDropped("x")
	})
}
