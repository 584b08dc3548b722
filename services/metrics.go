package services

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	placementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matrix_placements_total",
		Help: "Placements committed, by kind (direct, spillover, overflow)",
	}, []string{"kind"})

	cascadeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "matrix_cascade_duration_seconds",
		Help:    "Time to place one activation in every ancestor matrix",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	slotConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matrix_slot_conflicts_total",
		Help: "Slot claims lost to a concurrent cascade",
	})

	activationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matrix_activation_failures_total",
		Help: "Activations rejected, by reason",
	}, []string{"reason"})

	claimTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_claim_transitions_total",
		Help: "Reward claim state changes, by target status",
	}, []string{"status"})

	sweepOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_sweep_outcomes_total",
		Help: "Expiry sweep results (rolled_up, unresolved, late_promotion)",
	}, []string{"outcome"})

	statsDrift = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matrix_stats_drift_total",
		Help: "Incremental layer statistics replaced by a from-scratch recompute",
	})
)

func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicatePlacement):
		return "duplicate"
	case errors.Is(err, ErrBrokenChain):
		return "broken_chain"
	case errors.Is(err, ErrOrphanedPlacement):
		return "orphaned"
	case errors.Is(err, ErrPlacementConflict):
		return "conflict"
	default:
		return "other"
	}
}
