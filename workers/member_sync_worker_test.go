package workers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"matrix-reward-engine/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeActivationService struct {
	mu      sync.Mutex
	members []RemoteMember
	sinces  []string
	token   string
}

func (f *fakeActivationService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.URL.Path != "/api/v1/public/members" || r.Header.Get("X-Service-Token") != f.token {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	since, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("since"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.sinces = append(f.sinces, r.URL.Query().Get("since"))
	var out []RemoteMember
	for _, m := range f.members {
		if m.UpdatedAt.After(since) {
			out = append(out, m)
		}
	}
	_ = json.NewEncoder(w).Encode(GetMemberChangesResponse{Members: out})
}

type syncFixture struct {
	registry   *services.MemoryRegistry
	store      *services.MemoryMatrixStore
	rewards    *services.RewardService
	dispatcher *Dispatcher
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	logger := zap.NewNop()
	registry := services.NewMemoryRegistry()
	store := services.NewMemoryMatrixStore(registry)
	ledger := services.NewMemoryLedger(registry)
	stats := services.NewLayerStatsAggregator(store, registry, logger, false)
	engine := services.NewPlacementEngine(store, registry, services.DefaultPlacementConfig(), logger)
	matrix := services.NewMatrixService(engine, store, registry, stats, nil, nil, logger)
	rewards := services.NewRewardService(ledger, store, registry, stats, nil, nil, services.DefaultRewardConfig(), logger)
	dispatcher := NewDispatcher(matrix, rewards, 4, logger)
	t.Cleanup(dispatcher.Stop)
	return &syncFixture{registry: registry, store: store, rewards: rewards, dispatcher: dispatcher}
}

func (f *fakeActivationService) set(m RemoteMember) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.members {
		if f.members[i].Wallet == m.Wallet {
			f.members[i] = m
			return
		}
	}
	f.members = append(f.members, m)
}

func (f *fakeActivationService) lastSince() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinces[len(f.sinces)-1]
}

func TestMemberSyncReplaysActivationsAndLevels(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	fx := newSyncFixture(t)
	registry, store, rewards, dispatcher := fx.registry, fx.store, fx.rewards, fx.dispatcher

	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	root, mid := "0xRoot", "0xMid"
	fake := &fakeActivationService{token: "svc", members: []RemoteMember{
		// child listed before its sponsor
		{Wallet: "0xLeaf", DirectSponsor: &mid, IsActivated: true, CurrentLevel: 1, UpdatedAt: t0.Add(3 * time.Second)},
		{Wallet: mid, DirectSponsor: &root, IsActivated: true, UpdatedAt: t0.Add(2 * time.Second)},
		{Wallet: root, IsActivated: true, CurrentLevel: 2, UpdatedAt: t0.Add(time.Second)},
		{Wallet: "0xPending", DirectSponsor: &root, UpdatedAt: t0.Add(4 * time.Second)},
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	worker := NewMemberSyncWorker(registry, dispatcher, srv.URL, "svc", time.Minute, logger)
	require.NoError(t, worker.SyncOnce(ctx))

	rec, err := store.GetPlacement(ctx, root, "0xLeaf")
	require.NoError(t, err)
	assert.Equal(t, mid, rec.ParentWallet)
	assert.Equal(t, 2, rec.Layer)

	pending, err := registry.GetMember(ctx, "0xPending")
	require.NoError(t, err)
	assert.False(t, pending.IsActivated)

	claimable, err := rewards.GetClaimableRewards(ctx, mid)
	require.NoError(t, err)
	assert.Empty(t, claimable, "mid is level 0")
	pendingRewards, err := rewards.GetPendingRewards(ctx, mid)
	require.NoError(t, err)
	assert.Len(t, pendingRewards, 1)

	// the second poll asks only for newer changes and finds none
	require.NoError(t, worker.SyncOnce(ctx))
	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.sinces, 2)
	assert.Equal(t, t0.Add(4*time.Second).Format(time.RFC3339Nano), fake.sinces[1])
}

func TestMemberSyncReportsServiceErrors(t *testing.T) {
	srv := httptest.NewServer(&fakeActivationService{token: "expected"})
	defer srv.Close()

	worker := NewMemberSyncWorker(services.NewMemoryRegistry(), nil, srv.URL, "wrong", time.Minute, zap.NewNop())
	err := worker.SyncOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestMemberSyncHoldsCursorBehindFailedMember(t *testing.T) {
	ctx := context.Background()
	fx := newSyncFixture(t)

	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	root, ghost := "0xRoot", "0xGhost"
	fake := &fakeActivationService{token: "svc", members: []RemoteMember{
		{Wallet: root, IsActivated: true, UpdatedAt: t0.Add(time.Second)},
		// sponsored by a member the service has not reported yet
		{Wallet: "0xOrphan", DirectSponsor: &ghost, IsActivated: true, UpdatedAt: t0.Add(2 * time.Second)},
		{Wallet: "0xLater", DirectSponsor: &root, IsActivated: true, UpdatedAt: t0.Add(3 * time.Second)},
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	worker := NewMemberSyncWorker(fx.registry, fx.dispatcher, srv.URL, "svc", time.Minute, zap.NewNop())
	err := worker.SyncOnce(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrBrokenChain)

	// members that did not fail are applied
	_, err = fx.store.GetPlacement(ctx, root, "0xLater")
	require.NoError(t, err)
	orphan, err := fx.registry.GetMember(ctx, "0xOrphan")
	require.NoError(t, err)
	assert.False(t, orphan.IsActivated)

	// the sponsor shows up; the next poll starts before the failed member
	fake.set(RemoteMember{Wallet: ghost, DirectSponsor: &root, IsActivated: true, UpdatedAt: t0.Add(4 * time.Second)})
	require.NoError(t, worker.SyncOnce(ctx))
	assert.Equal(t, t0.Add(time.Second).Format(time.RFC3339Nano), fake.lastSince())

	rec, err := fx.store.GetPlacement(ctx, root, "0xOrphan")
	require.NoError(t, err)
	assert.Equal(t, ghost, rec.ParentWallet)
	assert.Equal(t, 2, rec.Layer)

	require.NoError(t, worker.SyncOnce(ctx))
	assert.Equal(t, t0.Add(4*time.Second).Format(time.RFC3339Nano), fake.lastSince())
}

func TestMemberSyncSkipsRejectedMembers(t *testing.T) {
	ctx := context.Background()
	fx := newSyncFixture(t)

	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	self := "0xSelf"
	fake := &fakeActivationService{token: "svc", members: []RemoteMember{
		{Wallet: self, DirectSponsor: &self, IsActivated: true, UpdatedAt: t0.Add(time.Second)},
		{Wallet: "0xRoot", IsActivated: true, UpdatedAt: t0.Add(2 * time.Second)},
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	worker := NewMemberSyncWorker(fx.registry, fx.dispatcher, srv.URL, "svc", time.Minute, zap.NewNop())
	require.NoError(t, worker.SyncOnce(ctx))
	require.NoError(t, worker.SyncOnce(ctx))
	assert.Equal(t, t0.Add(2*time.Second).Format(time.RFC3339Nano), fake.lastSince())
}

func TestMemberSyncMirrorsDeactivation(t *testing.T) {
	ctx := context.Background()
	fx := newSyncFixture(t)

	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	root := "0xRoot"
	fake := &fakeActivationService{token: "svc", members: []RemoteMember{
		{Wallet: root, IsActivated: true, UpdatedAt: t0.Add(time.Second)},
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	worker := NewMemberSyncWorker(fx.registry, fx.dispatcher, srv.URL, "svc", time.Minute, zap.NewNop())
	require.NoError(t, worker.SyncOnce(ctx))

	fake.set(RemoteMember{Wallet: root, IsActivated: false, UpdatedAt: t0.Add(2 * time.Second)})
	fake.set(RemoteMember{Wallet: "0xNew", DirectSponsor: &root, IsActivated: true, UpdatedAt: t0.Add(3 * time.Second)})
	err := worker.SyncOnce(ctx)
	assert.ErrorIs(t, err, services.ErrBrokenChain)

	m, err := fx.registry.GetMember(ctx, root)
	require.NoError(t, err)
	assert.False(t, m.IsActivated)

	fake.set(RemoteMember{Wallet: root, IsActivated: true, UpdatedAt: t0.Add(4 * time.Second)})
	require.NoError(t, worker.SyncOnce(ctx))

	m, err = fx.registry.GetMember(ctx, root)
	require.NoError(t, err)
	assert.True(t, m.IsActivated)
	rec, err := fx.store.GetPlacement(ctx, root, "0xNew")
	require.NoError(t, err)
	assert.True(t, rec.IsDirectReferral)
}
