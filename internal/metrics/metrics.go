// Package metrics registers the Prometheus collectors of the sync service.
// Every collector is labelled by entity collection ("orders", "bookings").
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "restaurant_sync"

var (
	// RefetchCycles counts completed refetch cycles by result ("ok", "error").
	RefetchCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refetch_cycles_total",
		Help:      "Refetch cycles by collection and result.",
	}, []string{"collection", "result"})

	// PushEvents counts push messages by result ("applied", "stale", "invalid").
	PushEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "push_events_total",
		Help:      "Push events by collection and result.",
	}, []string{"collection", "result"})

	// StaleDropped counts records dropped by the version check per channel
	// ("refetch", "push").
	StaleDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_updates_dropped_total",
		Help:      "Records ignored because their version was not newer than the stored one.",
	}, []string{"collection", "channel"})

	// UserActions counts user actions by result ("ok", "failed", "retried", "out_of_sync").
	UserActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "user_actions_total",
		Help:      "Optimistic user actions by collection and result.",
	}, []string{"collection", "result"})

	// Overrides is the number of pending overrides.
	Overrides = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_overrides",
		Help:      "Overrides not yet reconciled with server data.",
	}, []string{"collection"})

	// OutOfSync is the number of entities flagged out-of-sync.
	OutOfSync = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "out_of_sync_entities",
		Help:      "Entities whose optimistic action could not be confirmed.",
	}, []string{"collection"})

	// Entities is the store size.
	Entities = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "entities",
		Help:      "Entities held in the store.",
	}, []string{"collection"})

	// PushConnected is 1 while the push consumer holds a live connection.
	PushConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "push_connected",
		Help:      "1 while the push consumer is connected to the broker.",
	})
)
