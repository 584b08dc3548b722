package services

import (
	"context"
	"errors"
	"testing"

	"matrix-reward-engine/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claim(root, member, parent string, slot models.Slot) *models.PlacementRecord {
	return &models.PlacementRecord{RootWallet: root, MemberWallet: member, ParentWallet: parent, Slot: slot}
}

func TestClaimSlotIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryMatrixStore(NewMemoryRegistry())

	err := store.Cascade(ctx, func(tx CascadeTx) error {
		rec := claim("0xA", "0xB", "0xA", models.SlotL)
		require.NoError(t, tx.ClaimSlot(rec))
		assert.Equal(t, 1, rec.Layer)

		assert.ErrorIs(t, tx.ClaimSlot(claim("0xA", "0xC", "0xA", models.SlotL)), ErrSlotTaken)
		assert.ErrorIs(t, tx.ClaimSlot(claim("0xA", "0xB", "0xA", models.SlotM)), ErrDuplicatePlacement)
		assert.ErrorIs(t, tx.ClaimSlot(claim("0xA", "0xA", "0xA", models.SlotM)), ErrDuplicatePlacement)

		deeper := claim("0xA", "0xC", "0xB", models.SlotR)
		require.NoError(t, tx.ClaimSlot(deeper))
		assert.Equal(t, 2, deeper.Layer)
		return nil
	})
	require.NoError(t, err)

	children, err := store.GetChildren(ctx, "0xA", "0xB")
	require.NoError(t, err)
	assert.Nil(t, children.L)
	require.NotNil(t, children.R)
	assert.Equal(t, "0xC", children.R.MemberWallet)
}

func TestUncommittedPlacementsAreInvisible(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryMatrixStore(NewMemoryRegistry())

	err := store.Cascade(ctx, func(tx CascadeTx) error {
		require.NoError(t, tx.ClaimSlot(claim("0xA", "0xB", "0xA", models.SlotL)))

		_, err := store.GetPlacement(ctx, "0xA", "0xB")
		assert.ErrorIs(t, err, ErrPlacementNotFound)
		layer, err := store.GetLayer(ctx, "0xA", 1)
		require.NoError(t, err)
		assert.Empty(t, layer)

		// the reading side still reports the reserved slot as open
		open, err := store.FindOpenSlotBFS(ctx, "0xA", "0xA")
		require.NoError(t, err)
		assert.Equal(t, models.SlotL, open.Slot)

		// a writer skips it
		own, err := tx.FindOpenSlotBFS("0xA", "0xA")
		require.NoError(t, err)
		assert.Equal(t, models.SlotM, own.Slot)
		return nil
	})
	require.NoError(t, err)

	rec, err := store.GetPlacement(ctx, "0xA", "0xB")
	require.NoError(t, err)
	assert.Equal(t, "0xA", rec.ParentWallet)
}

func TestRollbackReleasesSlots(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryMatrixStore(NewMemoryRegistry())
	boom := errors.New("boom")

	err := store.Cascade(ctx, func(tx CascadeTx) error {
		require.NoError(t, tx.ClaimSlot(claim("0xA", "0xB", "0xA", models.SlotL)))
		require.NoError(t, tx.ClaimSlot(claim("0xX", "0xB", "0xX", models.SlotL)))
		require.NoError(t, tx.RecordOverflow(&models.MatrixOverflow{RootWallet: "0xY", MemberWallet: "0xB"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	for _, root := range []string{"0xA", "0xX"} {
		recs, err := store.ListByRoot(ctx, root)
		require.NoError(t, err)
		assert.Empty(t, recs)
	}
	sum, err := store.Summary(ctx, "0xY")
	require.NoError(t, err)
	assert.Zero(t, sum.Overflowed)

	err = store.Cascade(ctx, func(tx CascadeTx) error {
		open, err := tx.FindOpenSlotBFS("0xA", "0xA")
		require.NoError(t, err)
		assert.Equal(t, OpenSlot{Parent: "0xA", Slot: models.SlotL, Layer: 1}, open)
		return tx.ClaimSlot(claim("0xA", "0xC", "0xA", models.SlotL))
	})
	require.NoError(t, err)
}

func TestCommitActivatesMemberOnce(t *testing.T) {
	ctx := context.Background()
	registry := NewMemoryRegistry()
	store := NewMemoryMatrixStore(registry)
	seq := int64(1)

	activate := func(slot models.Slot) error {
		return store.Cascade(ctx, func(tx CascadeTx) error {
			if err := tx.ClaimSlot(claim("0xA", "0xB", "0xA", slot)); err != nil {
				return err
			}
			return tx.ActivateMember(&models.Member{Wallet: "0xB", IsActivated: true, ActivationSequence: &seq})
		})
	}
	require.NoError(t, activate(models.SlotL))
	assert.ErrorIs(t, activate(models.SlotM), ErrDuplicatePlacement)

	m, err := registry.GetMember(ctx, "0xB")
	require.NoError(t, err)
	assert.True(t, m.IsActivated)

	byMember, err := store.ListByMember(ctx, "0xB")
	require.NoError(t, err)
	assert.Len(t, byMember, 1)
}

func TestSummaryCounts(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "0xA", "")
	for i := 1; i <= 5; i++ {
		env.activate(t, wallet(i), "0xA")
	}
	env.activate(t, "0xZ", wallet(1))

	sum, err := env.matrix.GetSummary(env.ctx, "0xA")
	require.NoError(t, err)
	assert.Equal(t, int64(6), sum.TeamSize)
	assert.Equal(t, int64(3), sum.DirectReferrals)
	assert.Equal(t, int64(2), sum.Spillovers)
	assert.Equal(t, 2, sum.DeepestLayer)

	_, err = env.matrix.GetSummary(env.ctx, "0xNobody")
	assert.ErrorIs(t, err, ErrMemberNotFound)
}
