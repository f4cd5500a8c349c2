// Package observability exposes the rollback engine's Prometheus surface.
package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the Prometheus metrics for the session driver and the
// reconciliation engine.
type Collector struct {
	gatherer prometheus.Gatherer

	Ticks        prometheus.Counter
	Saves        prometheus.Counter
	Loads        prometheus.Counter
	Advances     prometheus.Counter
	SkippedTicks prometheus.Counter
	Desyncs      prometheus.Counter
	ObjectErrors prometheus.Counter

	Frame           prometheus.Gauge
	TrackedEntities prometheus.Gauge
	SnapshotWindow  prometheus.Gauge

	TickDuration prometheus.Histogram
}

// NewCollector registers the rollback metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	counters := []struct {
		target *prometheus.Counter
		name   string
		help   string
	}{
		{&c.Ticks, "rollback_ticks_total", "Total driver ticks executed."},
		{&c.Saves, "rollback_saves_total", "Total snapshot captures."},
		{&c.Loads, "rollback_loads_total", "Total snapshot restores."},
		{&c.Advances, "rollback_advances_total", "Total simulation frames advanced, including replays."},
		{&c.SkippedTicks, "rollback_skipped_ticks_total", "Ticks skipped at the prediction threshold."},
		{&c.Desyncs, "rollback_desyncs_total", "Checksum mismatches detected between peers."},
		{&c.ObjectErrors, "rollback_object_errors_total", "Per-object capture or restore failures that were skipped."},
	}
	for _, spec := range counters {
		*spec.target, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: spec.name,
			Help: spec.help,
		}), spec.name)
		if err != nil {
			return nil, err
		}
	}

	gauges := []struct {
		target *prometheus.Gauge
		name   string
		help   string
	}{
		{&c.Frame, "rollback_frame", "Current confirmed-or-predicted frame of the local session."},
		{&c.TrackedEntities, "rollback_tracked_entities", "Entities currently bound in the identity map."},
		{&c.SnapshotWindow, "rollback_snapshot_window", "Occupied slots in the snapshot ring."},
	}
	for _, spec := range gauges {
		*spec.target, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: spec.name,
			Help: spec.help,
		}), spec.name)
		if err != nil {
			return nil, err
		}
	}

	c.TickDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rollback_tick_duration_seconds",
		Help:    "Wall time spent executing one driver tick, including rollback replays.",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}), "rollback_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveTick records one completed driver tick.
func (c *Collector) ObserveTick(frame uint64, duration time.Duration) {
	if c == nil {
		return
	}
	if c.Ticks != nil {
		c.Ticks.Inc()
	}
	if c.Frame != nil {
		c.Frame.Set(float64(frame))
	}
	if c.TickDuration != nil {
		c.TickDuration.Observe(duration.Seconds())
	}
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, histogram prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(histogram); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return histogram, nil
}
