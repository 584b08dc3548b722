package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"matrix-reward-engine/models"
	"matrix-reward-engine/utils"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	ctx      context.Context
	clock    *testClock
	registry *MemoryRegistry
	store    *MemoryMatrixStore
	ledger   *MemoryLedger
	stats    *LayerStatsAggregator
	engine   *PlacementEngine
	matrix   *MatrixService
	rewards  *RewardService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	clock := newTestClock()
	registry := NewMemoryRegistry()
	store := NewMemoryMatrixStore(registry)
	ledger := NewMemoryLedger(registry)
	stats := NewLayerStatsAggregator(store, registry, logger, false)

	cfg := DefaultPlacementConfig()
	cfg.Retry = utils.RetryConfig{
		MaxAttempts:  50,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   1.5,
	}
	engine := NewPlacementEngine(store, registry, cfg, logger)
	engine.now = clock.Now

	rewardCfg := DefaultRewardConfig()
	rewardCfg.MaxRollupAttempts = 3
	rewards := NewRewardService(ledger, store, registry, stats, nil, nil, rewardCfg, logger)
	rewards.now = clock.Now

	return &testEnv{
		ctx:      context.Background(),
		clock:    clock,
		registry: registry,
		store:    store,
		ledger:   ledger,
		stats:    stats,
		engine:   engine,
		matrix:   NewMatrixService(engine, store, registry, stats, nil, nil, logger),
		rewards:  rewards,
	}
}

func sponsorOf(wallet string) *string {
	if wallet == "" {
		return nil
	}
	return &wallet
}

func (e *testEnv) activate(t *testing.T, wallet, sponsor string) *PlacementResult {
	t.Helper()
	res, err := e.matrix.HandleActivated(e.ctx, models.MemberActivated{Wallet: wallet, DirectSponsor: sponsorOf(sponsor)})
	require.NoError(t, err, "activate %s", wallet)
	return res
}

func (e *testEnv) levelUp(t *testing.T, wallet string, level int) *LevelUpResult {
	t.Helper()
	res, err := e.rewards.HandleLeveledUp(e.ctx, models.MemberLeveledUp{Wallet: wallet, NewLevel: level})
	require.NoError(t, err, "level up %s to %d", wallet, level)
	return res
}

func (e *testEnv) placement(t *testing.T, root, member string) *models.PlacementRecord {
	t.Helper()
	rec, err := e.store.GetPlacement(e.ctx, root, member)
	require.NoError(t, err)
	return rec
}

func wallet(i int) string {
	return fmt.Sprintf("0xm%03d", i)
}
