package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"framelock/netcode/internal/telemetry"
)

// Bridge adapts the engine's key-based telemetry interface onto the
// Prometheus collector. Keys without a mapped metric are ignored so inner
// packages can emit freely without the collector growing in lockstep.
type Bridge struct {
	collector *Collector
}

func NewBridge(collector *Collector) *Bridge {
	return &Bridge{collector: collector}
}

// Add routes counter-style keys.
func (b *Bridge) Add(key string, delta uint64) {
	if b == nil || b.collector == nil {
		return
	}
	var counter prometheus.Counter
	switch key {
	case "driver_ticks_total":
		counter = b.collector.Ticks
	case "driver_saves_total":
		counter = b.collector.Saves
	case "driver_loads_total":
		counter = b.collector.Loads
	case "driver_advances_total":
		counter = b.collector.Advances
	case "driver_skipped_ticks_total", "driver_slowdown_ticks_total":
		counter = b.collector.SkippedTicks
	case "driver_desyncs_total":
		counter = b.collector.Desyncs
	case "reconcile_object_errors_total":
		counter = b.collector.ObjectErrors
	}
	if counter != nil {
		counter.Add(float64(delta))
	}
}

// Store routes gauge-style keys. Tick durations arrive as nanoseconds and
// feed the latency histogram.
func (b *Bridge) Store(key string, value uint64) {
	if b == nil || b.collector == nil {
		return
	}
	switch key {
	case "driver_frame":
		if b.collector.Frame != nil {
			b.collector.Frame.Set(float64(value))
		}
	case "reconcile_tracked_entities":
		if b.collector.TrackedEntities != nil {
			b.collector.TrackedEntities.Set(float64(value))
		}
	case "snapshot_store_occupancy":
		if b.collector.SnapshotWindow != nil {
			b.collector.SnapshotWindow.Set(float64(value))
		}
	case "driver_tick_nanos_last":
		if b.collector.TickDuration != nil {
			b.collector.TickDuration.Observe(time.Duration(value).Seconds())
		}
	}
}

var _ telemetry.Metrics = (*Bridge)(nil)
