package otel

import (
	"context"

	"kintampo/internal/metrics"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	MetricRelayEnvelopes     = "kintampo.relay.envelopes"
	MetricTopologyRequests   = "kintampo.topology.requests"
	MetricWatcherRestarts    = "kintampo.watcher.restarts"
	MetricOpenConnections    = "kintampo.websocket.connections"
	attributeOutcome         = "outcome"
	attributeTopologyRequest = "request"
)

// RegisterRegistryMetrics exposes registry counters as observable OTel
// instruments read on each collection.
func RegisterRegistryMetrics(meter metric.Meter, registry *metrics.Registry) (metric.Registration, error) {
	relayEnvelopes, err := meter.Int64ObservableCounter(MetricRelayEnvelopes,
		metric.WithDescription("Raw envelopes handled by the relay, by outcome"))
	if err != nil {
		return nil, err
	}
	topologyRequests, err := meter.Int64ObservableCounter(MetricTopologyRequests,
		metric.WithDescription("Discovery requests, by kind"))
	if err != nil {
		return nil, err
	}
	watcherRestarts, err := meter.Int64ObservableCounter(MetricWatcherRestarts,
		metric.WithDescription("Supervised watcher restarts"))
	if err != nil {
		return nil, err
	}
	openConnections, err := meter.Int64ObservableUpDownCounter(MetricOpenConnections,
		metric.WithDescription("Open websocket connections"))
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		for outcome, count := range registry.RelayCounts() {
			observer.ObserveInt64(relayEnvelopes, count,
				metric.WithAttributes(attribute.String(attributeOutcome, outcome)))
		}
		for kind, count := range registry.TopologyCounts() {
			observer.ObserveInt64(topologyRequests, count,
				metric.WithAttributes(attribute.String(attributeTopologyRequest, kind)))
		}
		observer.ObserveInt64(watcherRestarts, registry.WatcherRestarts())
		observer.ObserveInt64(openConnections, registry.Connections())
		return nil
	}, relayEnvelopes, topologyRequests, watcherRestarts, openConnections)
}
