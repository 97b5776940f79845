// Package metrics implements the concrete Prometheus-backed adapter for
// the metrics sink external-collaborator interface of SPEC_FULL.md §6 /
// Module I. The HTTP exposition endpoint itself remains out of scope
// (spec.md §1); this package only owns the counters the core increments.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sink is the metrics collaborator interface the core depends on.
type Sink interface {
	RecordPacketProcessed(durationNanos uint64, bytes int, kind string)
	RecordPacketDropped(reason string)
	RecordSecurityEvent(kind, source string)
}

// Prometheus is a Sink backed by github.com/prometheus/client_golang,
// grounded on the counters used in etalazz-vsa/internal/ratelimiter/telemetry/churn
// and the `decoy.go` Prometheus metrics seen in the katzenpost-family
// snippets.
type Prometheus struct {
	processed *prometheus.HistogramVec
	dropped   *prometheus.CounterVec
	security  *prometheus.CounterVec
}

// NewPrometheus constructs a Prometheus sink and registers its collectors
// with reg. Pass prometheus.NewRegistry() (or nil to skip registration, as
// tests do).
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		processed: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mixnode_packet_processed_duration_seconds",
			Help:    "Sphinx packet processing duration by routing-command kind.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 2, 16),
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mixnode_packet_dropped_total",
			Help: "Packets dropped, by reason.",
		}, []string{"reason"}),
		security: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mixnode_security_event_total",
			Help: "Security-relevant events, by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(p.processed, p.dropped, p.security)
	}
	return p
}

// RecordPacketProcessed implements Sink.
func (p *Prometheus) RecordPacketProcessed(durationNanos uint64, bytes int, kind string) {
	p.processed.WithLabelValues(kind).Observe(float64(durationNanos) / 1e9)
}

// RecordPacketDropped implements Sink.
func (p *Prometheus) RecordPacketDropped(reason string) {
	p.dropped.WithLabelValues(reason).Inc()
}

// RecordSecurityEvent implements Sink.
func (p *Prometheus) RecordSecurityEvent(kind, source string) {
	p.security.WithLabelValues(kind).Inc()
}
