package metrics

import "time"

// Snapshot is the point-in-time state a StatsSource reports. It exists so
// this package never imports the engine package (the engine already
// imports metrics to update counters inline); the collector only adds the
// gauges that need periodic recomputation rather than inline updates.
type Snapshot struct {
	SubscriptionsByKind map[string]int
	GroupCount          int
	EventRecordsByState map[string]int
}

// StatsSource is implemented by engine.Engine.
type StatsSource interface {
	Stats() Snapshot
}

// Collector periodically recomputes the gauge metrics that reflect
// current registry/event-store occupancy rather than a monotonic count.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over source.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	snap := c.source.Stats()

	for kind, count := range snap.SubscriptionsByKind {
		SubscriptionsTotal.WithLabelValues(kind).Set(float64(count))
	}
	SubscriptionGroupsTotal.Set(float64(snap.GroupCount))
	for state, count := range snap.EventRecordsByState {
		EventRecordsTotal.WithLabelValues(state).Set(float64(count))
	}
}
