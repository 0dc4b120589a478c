// Package metrics is the metrics collector (C8): an in-process actor that
// aggregates instruction-state-change events into time-sparkline buffers,
// and mirrors them into Prometheus counters for production observability.
// Event delivery is fire-and-forget and may be lossy under pressure (§5),
// matching the actor-style metrics collector the design notes (§9) describe.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"validatorcore/consensus/ids"
	"validatorcore/consensus/store"
)

// Event is a single instruction-state-change observation.
type Event struct {
	AssetID   ids.AssetID
	ID        ids.InstructionID
	From      store.InstructionStatus
	To        store.InstructionStatus
	At        time.Time
}

// sparklineCapacity bounds the in-memory ring buffer per status so the
// collector's footprint does not grow unbounded under sustained load.
const sparklineCapacity = 256

// eventLogCapacity bounds the raw event log retained between exports; older
// events are dropped once it fills, matching the "advisory, may be lossy
// under pressure" contract in §5/§9 for the metrics actor.
const eventLogCapacity = 4096

// point is one bucketed observation in a sparkline buffer.
type point struct {
	at    time.Time
	count int
}

// Collector aggregates instruction lifecycle events.
type Collector struct {
	mu         sync.Mutex
	sparklines map[store.InstructionStatus][]point
	events     []Event

	transitions *prometheus.CounterVec
	leaseBusy   prometheus.Counter
}

// NewCollector constructs a Collector and registers its Prometheus series
// against reg. Passing a fresh prometheus.NewRegistry() keeps tests isolated
// from the global default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sparklines: make(map[store.InstructionStatus][]point),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "validator",
			Subsystem: "consensus",
			Name:      "instruction_transitions_total",
			Help:      "Total instruction status transitions, by resulting status.",
		}, []string{"status"}),
		leaseBusy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "validator",
			Subsystem: "consensus",
			Name:      "lease_busy_total",
			Help:      "Total tick attempts that observed a held asset lease.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.transitions, c.leaseBusy)
	}
	return c
}

// RecordInstructionTransition records one instruction-state-change event.
func (c *Collector) RecordInstructionTransition(asset ids.AssetID, id ids.InstructionID, from, to store.InstructionStatus) {
	if c == nil {
		return
	}
	now := time.Now()
	c.mu.Lock()
	buf := c.sparklines[to]
	buf = append(buf, point{at: now, count: 1})
	if len(buf) > sparklineCapacity {
		buf = buf[len(buf)-sparklineCapacity:]
	}
	c.sparklines[to] = buf

	c.events = append(c.events, Event{AssetID: asset, ID: id, From: from, To: to, At: now})
	if len(c.events) > eventLogCapacity {
		c.events = c.events[len(c.events)-eventLogCapacity:]
	}
	c.mu.Unlock()

	c.transitions.WithLabelValues(string(to)).Inc()
}

// DrainEvents returns every event recorded since the last drain and clears
// the in-memory log, for a caller (the periodic Parquet exporter in
// cmd/validatord) to persist as an offline batch (§9 design notes).
func (c *Collector) DrainEvents() []Event {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	drained := c.events
	c.events = nil
	return drained
}

// RecordLeaseBusy records a tick that found the asset lease already held.
func (c *Collector) RecordLeaseBusy() {
	if c == nil {
		return
	}
	c.leaseBusy.Inc()
}

// Sparkline returns a copy of the buffered (timestamp, count) observations
// for a given resulting status, oldest first. Intended for the (external,
// out of scope) terminal dashboard to render a live chart.
func (c *Collector) Sparkline(status store.InstructionStatus) []struct {
	At    time.Time
	Count int
} {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := c.sparklines[status]
	out := make([]struct {
		At    time.Time
		Count int
	}, len(buf))
	for i, p := range buf {
		out[i] = struct {
			At    time.Time
			Count int
		}{At: p.at, Count: p.count}
	}
	return out
}
