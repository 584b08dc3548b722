// services/matrix_service.go
package services

import (
	"context"
	"fmt"

	"matrix-reward-engine/models"

	"go.uber.org/zap"
)

// MatrixService is the entry point for activations and the matrix read side.
type MatrixService struct {
	Placement *PlacementEngine
	Store     MatrixStore
	Registry  MemberRegistry
	Stats     *LayerStatsAggregator

	cache    StatsCache
	notifier Notifier
	logger   *zap.Logger
}

func NewMatrixService(placement *PlacementEngine, store MatrixStore, registry MemberRegistry, stats *LayerStatsAggregator,
	cache StatsCache, notifier Notifier, logger *zap.Logger) *MatrixService {
	if cache == nil {
		cache = nopStatsCache{}
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &MatrixService{
		Placement: placement,
		Store:     store,
		Registry:  registry,
		Stats:     stats,
		cache:     cache,
		notifier:  notifier,
		logger:    logger.Named("matrix"),
	}
}

// HandleActivated places a newly activated member in every ancestor matrix.
func (s *MatrixService) HandleActivated(ctx context.Context, ev models.MemberActivated) (*PlacementResult, error) {
	res, err := s.Placement.Activate(ctx, ev)
	if err != nil {
		activationFailures.WithLabelValues(failureReason(err)).Inc()
		s.logger.Warn("activation failed", zap.String("wallet", ev.Wallet), zap.Error(err))
		return nil, err
	}

	// new members start at level 0, so they never count as active here
	s.Stats.ObservePlacements(res.Placements, false)

	roots := make([]string, 0, len(res.Placements))
	for i := range res.Placements {
		p := &res.Placements[i]
		roots = append(roots, p.RootWallet)
		s.notifier.Publish(ctx, MatrixChannel(p.RootWallet), EventPlacementCommitted, p)
	}
	s.cache.Invalidate(ctx, roots...)

	s.logger.Info("member placed",
		zap.String("wallet", ev.Wallet),
		zap.Int64("sequence", res.Sequence),
		zap.Int("placements", len(res.Placements)),
		zap.Int("overflows", len(res.Overflows)))
	return res, nil
}

// GetMatrixLayer returns one layer of root's matrix in slot order.
func (s *MatrixService) GetMatrixLayer(ctx context.Context, root string, layer int) ([]models.PlacementRecord, error) {
	if layer < 1 || layer > models.MaxLevel {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLayer, layer)
	}
	return s.Store.GetLayer(ctx, root, layer)
}

func (s *MatrixService) GetChildren(ctx context.Context, root, parent string) (*models.Children, error) {
	return s.Store.GetChildren(ctx, root, parent)
}

func (s *MatrixService) GetPlacement(ctx context.Context, root, member string) (*models.PlacementRecord, error) {
	return s.Store.GetPlacement(ctx, root, member)
}

func (s *MatrixService) GetSummary(ctx context.Context, root string) (*models.MatrixSummary, error) {
	if _, err := s.Registry.GetMember(ctx, root); err != nil {
		return nil, err
	}
	return s.Store.Summary(ctx, root)
}

// GetLayerStatistics returns per-layer fill figures, served from the shared
// cache when present.
func (s *MatrixService) GetLayerStatistics(ctx context.Context, root string) (*models.MatrixStats, error) {
	if stats, ok := s.cache.Get(ctx, root); ok {
		return stats, nil
	}
	stats, err := s.Stats.Snapshot(ctx, root)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, stats)
	return stats, nil
}

// ReconcileStats corrects drifted counters and drops their cached copies.
func (s *MatrixService) ReconcileStats(ctx context.Context) error {
	drifted, err := s.Stats.Reconcile(ctx)
	if len(drifted) > 0 {
		s.cache.Invalidate(ctx, drifted...)
	}
	return err
}
