package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry collects pipeline counters and renders them in the Prometheus text format.
type Registry struct {
	busPublished  sync.Map
	busDropped    sync.Map
	busFiltered   sync.Map
	busUnfiltered sync.Map
	relayCounts   sync.Map
	topologyCount sync.Map

	watcherRestarts atomic.Int64
	connections     atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncEventPublished(bus string) {
	if r == nil {
		return
	}
	counter(&r.busPublished, bus).Add(1)
}

func (r *Registry) IncEventDropped(bus string) {
	if r == nil {
		return
	}
	counter(&r.busDropped, bus).Add(1)
}

func (r *Registry) SetEventSubscriberCounts(bus string, filtered, unfiltered int) {
	if r == nil {
		return
	}
	counter(&r.busFiltered, bus).Store(int64(filtered))
	counter(&r.busUnfiltered, bus).Store(int64(unfiltered))
}

// IncRelay counts a relay outcome, e.g. "forwarded" or "dropped_kind".
func (r *Registry) IncRelay(outcome string) {
	if r == nil {
		return
	}
	counter(&r.relayCounts, outcome).Add(1)
}

func (r *Registry) IncTopologyRequest(kind string) {
	if r == nil {
		return
	}
	counter(&r.topologyCount, kind).Add(1)
}

func (r *Registry) IncWatcherRestart() {
	if r == nil {
		return
	}
	r.watcherRestarts.Add(1)
}

func (r *Registry) AddConnections(delta int64) {
	if r == nil {
		return
	}
	r.connections.Add(delta)
}

func (r *Registry) RelayCount(outcome string) int64 {
	if r == nil {
		return 0
	}
	return counter(&r.relayCounts, outcome).Load()
}

func (r *Registry) TopologyCount(kind string) int64 {
	if r == nil {
		return 0
	}
	return counter(&r.topologyCount, kind).Load()
}

// RelayCounts snapshots every relay outcome seen so far.
func (r *Registry) RelayCounts() map[string]int64 {
	if r == nil {
		return nil
	}
	return snapshot(&r.relayCounts)
}

// TopologyCounts snapshots discovery requests by kind.
func (r *Registry) TopologyCounts() map[string]int64 {
	if r == nil {
		return nil
	}
	return snapshot(&r.topologyCount)
}

func (r *Registry) WatcherRestarts() int64 {
	if r == nil {
		return 0
	}
	return r.watcherRestarts.Load()
}

func (r *Registry) Connections() int64 {
	if r == nil {
		return 0
	}
	return r.connections.Load()
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeLabeled(writer, "kintampo_events_published_total", "Envelopes published per bus", "counter", "bus", &r.busPublished)
	writeLabeled(writer, "kintampo_events_dropped_total", "Envelopes dropped per bus", "counter", "bus", &r.busDropped)
	writeLabeled(writer, "kintampo_bus_filtered_subscribers", "Filtered subscribers per bus", "gauge", "bus", &r.busFiltered)
	writeLabeled(writer, "kintampo_bus_unfiltered_subscribers", "Unfiltered subscribers per bus", "gauge", "bus", &r.busUnfiltered)
	writeLabeled(writer, "kintampo_relay_envelopes_total", "Relay outcomes", "counter", "outcome", &r.relayCounts)
	writeLabeled(writer, "kintampo_topology_requests_total", "Discovery requests by kind", "counter", "request", &r.topologyCount)

	writeHelp(writer, "kintampo_watcher_restarts_total", "Watcher restarts")
	fmt.Fprintln(writer, "# TYPE kintampo_watcher_restarts_total counter")
	fmt.Fprintf(writer, "kintampo_watcher_restarts_total %d\n", r.watcherRestarts.Load())

	writeHelp(writer, "kintampo_websocket_connections", "Open websocket connections")
	fmt.Fprintln(writer, "# TYPE kintampo_websocket_connections gauge")
	fmt.Fprintf(writer, "kintampo_websocket_connections %d\n", r.connections.Load())
	return nil
}

func snapshot(values *sync.Map) map[string]int64 {
	out := make(map[string]int64)
	values.Range(func(key, value any) bool {
		name, ok := key.(string)
		if !ok {
			return true
		}
		if count, ok := value.(*atomic.Int64); ok {
			out[name] = count.Load()
		}
		return true
	})
	return out
}

func counter(values *sync.Map, key string) *atomic.Int64 {
	if strings.TrimSpace(key) == "" {
		key = "unknown"
	}
	value, _ := values.LoadOrStore(key, &atomic.Int64{})
	return value.(*atomic.Int64)
}

func writeLabeled(writer io.Writer, metric, help, kind, label string, values *sync.Map) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s %s\n", metric, kind)

	var keys []string
	values.Range(func(key, _ any) bool {
		if name, ok := key.(string); ok {
			keys = append(keys, name)
		}
		return true
	})
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(writer, "%s{%s=%s} %d\n", metric, label, formatLabel(key), counter(values, key).Load())
	}
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
