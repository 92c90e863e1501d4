// Package metrics exposes the Prometheus collectors shared across the
// ingestor and scanner daemon processes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector this service registers, mirroring the
// metrics-registry-as-a-field pattern used by the stock-scanner reference
// implementation's state manager.
type Registry struct {
	InvariantViolations *prometheus.CounterVec
	IngestorReconnects  prometheus.Counter
	BarsIngested        *prometheus.CounterVec
	TickDuration        prometheus.Histogram
	TriggersEmitted     *prometheus.CounterVec
	PushDeliveries      *prometheus.CounterVec
}

// NewRegistry constructs and registers every collector against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		InvariantViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scanner",
			Name:      "invariant_violations_total",
			Help:      "Count of detected invariant violations, by kind.",
		}, []string{"kind"}),
		IngestorReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scanner",
			Name:      "ingestor_reconnects_total",
			Help:      "Count of ingestor feed reconnect attempts.",
		}),
		BarsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scanner",
			Name:      "bars_ingested_total",
			Help:      "Count of bars accepted into the hot store, by symbol.",
		}, []string{"symbol"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scanner",
			Name:      "engine_tick_duration_seconds",
			Help:      "Duration of a full scanner engine tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		TriggersEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scanner",
			Name:      "triggers_emitted_total",
			Help:      "Count of emitted trigger events, by symbol.",
		}, []string{"symbol"}),
		PushDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scanner",
			Name:      "push_deliveries_total",
			Help:      "Count of push-notification delivery attempts, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		r.InvariantViolations,
		r.IngestorReconnects,
		r.BarsIngested,
		r.TickDuration,
		r.TriggersEmitted,
		r.PushDeliveries,
	)
	return r
}
