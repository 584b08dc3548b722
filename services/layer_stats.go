package services

import (
	"context"
	"sync"
	"time"

	"matrix-reward-engine/models"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// LayerStatsAggregator serves per-layer fill and activation figures. It keeps
// incremental counters fed by committed placements and level-ups, and can
// recompute any root from scratch. It never takes part in placement decisions.
type LayerStatsAggregator struct {
	store    MatrixReader
	registry MemberRegistry
	logger   *zap.Logger

	counters *xsync.Map[string, *rootCounters]
	touched  *xsync.Map[string, time.Time]

	// coldStart means counters for roots not seen since start are unknown and
	// must be seeded by a recompute before use.
	coldStart bool
}

type rootCounters struct {
	mu     sync.Mutex
	layers [models.MaxLevel]models.LayerStats
}

func NewLayerStatsAggregator(store MatrixReader, registry MemberRegistry, logger *zap.Logger, coldStart bool) *LayerStatsAggregator {
	return &LayerStatsAggregator{
		store:     store,
		registry:  registry,
		logger:    logger.Named("stats"),
		counters:  xsync.NewMap[string, *rootCounters](),
		touched:   xsync.NewMap[string, time.Time](),
		coldStart: coldStart,
	}
}

// Recompute builds the statistics of root from the stored placements.
func (a *LayerStatsAggregator) Recompute(ctx context.Context, root string) (*models.MatrixStats, error) {
	recs, err := a.store.ListByRoot(ctx, root)
	if err != nil {
		return nil, err
	}
	wallets := make([]string, 0, len(recs))
	for i := range recs {
		wallets = append(wallets, recs[i].MemberWallet)
	}
	members, err := a.registry.GetMembers(ctx, wallets)
	if err != nil {
		return nil, err
	}

	stats := models.NewMatrixStats(root)
	for i := range recs {
		ls := stats.Layer(recs[i].Layer)
		if ls == nil {
			continue
		}
		ls.AddSlot(recs[i].Slot, 1)
		if m := members[recs[i].MemberWallet]; m != nil && m.CurrentLevel > 0 {
			ls.ActiveCount++
		}
	}
	for i := range stats.Layers {
		stats.Layers[i].Finalize()
	}
	return stats, nil
}

// Snapshot returns the incrementally maintained statistics of root.
func (a *LayerStatsAggregator) Snapshot(ctx context.Context, root string) (*models.MatrixStats, error) {
	rc, ok := a.counters.Load(root)
	if !ok {
		if !a.coldStart {
			return models.NewMatrixStats(root), nil
		}
		seeded, err := a.seed(ctx, root)
		if err != nil {
			return nil, err
		}
		rc = seeded
	}

	stats := &models.MatrixStats{Root: root, Layers: make([]models.LayerStats, models.MaxLevel)}
	rc.mu.Lock()
	copy(stats.Layers, rc.layers[:])
	rc.mu.Unlock()
	for i := range stats.Layers {
		stats.Layers[i].Finalize()
	}
	return stats, nil
}

func (a *LayerStatsAggregator) seed(ctx context.Context, root string) (*rootCounters, error) {
	fresh, err := a.Recompute(ctx, root)
	if err != nil {
		return nil, err
	}
	rc, _ := a.counters.LoadOrCompute(root, func() (*rootCounters, bool) {
		rc := &rootCounters{}
		copy(rc.layers[:], fresh.Layers)
		return rc, false
	})
	return rc, nil
}

// counterFor returns the counters to update, or nil when root was never
// seeded after a cold start (the next Snapshot recomputes it anyway).
func (a *LayerStatsAggregator) counterFor(root string) *rootCounters {
	if a.coldStart {
		rc, _ := a.counters.Load(root)
		return rc
	}
	rc, _ := a.counters.LoadOrCompute(root, func() (*rootCounters, bool) {
		rc := &rootCounters{}
		for i := range rc.layers {
			rc.layers[i].Layer = i + 1
		}
		return rc, false
	})
	return rc
}

// ObservePlacements applies committed placements to the counters.
func (a *LayerStatsAggregator) ObservePlacements(recs []models.PlacementRecord, active bool) {
	now := time.Now()
	for i := range recs {
		root := recs[i].RootWallet
		a.touched.Store(root, now)
		rc := a.counterFor(root)
		if rc == nil || recs[i].Layer < 1 || recs[i].Layer > models.MaxLevel {
			continue
		}
		rc.mu.Lock()
		ls := &rc.layers[recs[i].Layer-1]
		ls.AddSlot(recs[i].Slot, 1)
		if active {
			ls.ActiveCount++
		}
		rc.mu.Unlock()
	}
}

// ObserveActivation counts member as active on every layer it occupies. Call
// once, when the member's level first rises above zero.
func (a *LayerStatsAggregator) ObserveActivation(ctx context.Context, member string) error {
	recs, err := a.store.ListByMember(ctx, member)
	if err != nil {
		return err
	}
	now := time.Now()
	for i := range recs {
		root := recs[i].RootWallet
		a.touched.Store(root, now)
		rc := a.counterFor(root)
		if rc == nil || recs[i].Layer < 1 || recs[i].Layer > models.MaxLevel {
			continue
		}
		rc.mu.Lock()
		rc.layers[recs[i].Layer-1].ActiveCount++
		rc.mu.Unlock()
	}
	return nil
}

// Reconcile recomputes every root touched since the previous run and replaces
// counters that drifted. Returns the roots that were corrected.
func (a *LayerStatsAggregator) Reconcile(ctx context.Context) ([]string, error) {
	var roots []string
	a.touched.Range(func(root string, _ time.Time) bool {
		roots = append(roots, root)
		return true
	})

	var drifted []string
	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			return drifted, err
		}
		a.touched.Delete(root)
		fresh, err := a.Recompute(ctx, root)
		if err != nil {
			a.touched.Store(root, time.Now())
			return drifted, err
		}
		rc, ok := a.counters.Load(root)
		if !ok {
			continue
		}
		rc.mu.Lock()
		same := true
		for i := range rc.layers {
			cur, want := rc.layers[i], fresh.Layers[i]
			if cur.Occupied != want.Occupied || cur.LeftCount != want.LeftCount ||
				cur.MiddleCount != want.MiddleCount || cur.RightCount != want.RightCount ||
				cur.ActiveCount != want.ActiveCount {
				same = false
				break
			}
		}
		if !same {
			copy(rc.layers[:], fresh.Layers)
		}
		rc.mu.Unlock()

		if !same {
			statsDrift.Inc()
			drifted = append(drifted, root)
			a.logger.Warn("layer statistics drifted, replaced by recompute", zap.String("root", root))
		}
	}
	return drifted, nil
}
