package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CASConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskboard_cas_conflicts_total",
		Help: "Project writes rejected because the stored version moved on",
	})

	CASExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskboard_cas_exhausted_total",
		Help: "Project mutations that gave up after the retry budget",
	})

	JoinAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskboard_join_attempts_total",
		Help: "Join attempts by outcome",
	}, []string{"outcome"})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskboard_active_subscriptions",
		Help: "Open snapshot subscriptions across all projects",
	})

	SnapshotsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskboard_snapshots_coalesced_total",
		Help: "Snapshots replaced in a subscriber mailbox before being read",
	})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskboard_store_breaker_state",
		Help: "Store circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"name"})
)
