package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trezcool/clinica/core/optimistic"
)

// TrackerCollector exports the transitions of optimistic updates.
type TrackerCollector struct {
	transitions *prometheus.CounterVec
	rollbacks   *prometheus.CounterVec
	pending     prometheus.Gauge

	mu        sync.Mutex
	pendingBy map[string]struct{} // ids whose last seen state is pending
}

func NewTrackerCollector(reg prometheus.Registerer) *TrackerCollector {
	c := &TrackerCollector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinica",
			Subsystem: "optimistic",
			Name:      "transitions_total",
			Help:      "Optimistic update transitions by kind and resulting state.",
		}, []string{"kind", "state"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinica",
			Subsystem: "optimistic",
			Name:      "rollbacks_total",
			Help:      "Rolled back optimistic updates by reason.",
		}, []string{"reason"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clinica",
			Subsystem: "optimistic",
			Name:      "pending",
			Help:      "Optimistic updates waiting for the store.",
		}),
		pendingBy: make(map[string]struct{}),
	}
	reg.MustRegister(c.transitions, c.rollbacks, c.pending)
	return c
}

// Observe feeds the collector with every transition of the tracker's updates.
// It returns a func that stops observing.
func Observe[V any](c *TrackerCollector, tracker *optimistic.Tracker[V]) (stop func()) {
	return tracker.Subscribe(optimistic.Wildcard, func(u optimistic.Update[V]) {
		c.record(u.ID, u.Kind, u.State, u.RollbackReason)
	})
}

func (c *TrackerCollector) record(id string, kind optimistic.Kind, state optimistic.State, reason optimistic.Reason) {
	c.transitions.WithLabelValues(string(kind), string(state)).Inc()
	if state == optimistic.StateRolledBack {
		c.rollbacks.WithLabelValues(string(reason)).Inc()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, wasPending := c.pendingBy[id]
	switch {
	case state == optimistic.StatePending && !wasPending:
		c.pendingBy[id] = struct{}{}
		c.pending.Inc()
	case state != optimistic.StatePending && wasPending:
		delete(c.pendingBy, id)
		c.pending.Dec()
	}
}
