package services

import (
	"context"
	"testing"

	"matrix-reward-engine/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMember(t *testing.T, r *MemoryRegistry, wallet, sponsor string, level int) {
	t.Helper()
	require.NoError(t, r.UpsertMember(context.Background(), &models.Member{Wallet: wallet, DirectSponsor: sponsorOf(sponsor)}))
	seq := int64(len(r.members))
	require.NoError(t, r.activate(&models.Member{Wallet: wallet, DirectSponsor: sponsorOf(sponsor), IsActivated: true, ActivationSequence: &seq}))
	if level > 0 {
		_, err := r.setLevel(wallet, level, newTestClock().Now())
		require.NoError(t, err)
	}
}

func TestResolveChain(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	seedMember(t, r, "0xA", "", 0)
	seedMember(t, r, "0xB", "0xA", 0)
	seedMember(t, r, "0xC", "0xB", 0)
	resolver := NewSponsorChainResolver(r)

	chain, err := resolver.Resolve(ctx, "0xD", sponsorOf("0xC"))
	require.NoError(t, err)
	assert.Equal(t, []string{"0xC", "0xB", "0xA"}, chain)

	chain, err = resolver.Resolve(ctx, "0xD", nil)
	require.NoError(t, err)
	assert.Empty(t, chain)
}

func TestResolveChainCapsAtNineteen(t *testing.T) {
	r := NewMemoryRegistry()
	seedMember(t, r, wallet(0), "", 0)
	for i := 1; i < 30; i++ {
		seedMember(t, r, wallet(i), wallet(i-1), 0)
	}
	chain, err := NewSponsorChainResolver(r).Resolve(context.Background(), "0xNew", sponsorOf(wallet(29)))
	require.NoError(t, err)
	require.Len(t, chain, models.MaxLevel)
	assert.Equal(t, wallet(29), chain[0])
	assert.Equal(t, wallet(11), chain[18])
}

func TestResolveChainDetectsCycle(t *testing.T) {
	r := NewMemoryRegistry()
	seedMember(t, r, "0xA", "0xB", 0)
	seedMember(t, r, "0xB", "0xA", 0)

	_, err := NewSponsorChainResolver(r).Resolve(context.Background(), "0xC", sponsorOf("0xA"))
	assert.ErrorIs(t, err, ErrBrokenChain)
}

func TestResolveChainRejectsDeactivatedAncestor(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	seedMember(t, r, "0xA", "", 0)
	seedMember(t, r, "0xB", "0xA", 0)
	require.NoError(t, r.Deactivate(ctx, "0xA"))

	_, err := NewSponsorChainResolver(r).Resolve(ctx, "0xC", sponsorOf("0xB"))
	var chainErr *ChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, "0xA", chainErr.Sponsor)
}

func TestAncestorsIncludeInactiveMembers(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	seedMember(t, r, "0xA", "", 3)
	seedMember(t, r, "0xB", "0xA", 0)
	seedMember(t, r, "0xC", "0xB", 0)
	require.NoError(t, r.Deactivate(ctx, "0xB"))

	ancestors, err := NewSponsorChainResolver(r).Ancestors(ctx, "0xC", models.MaxLevel)
	require.NoError(t, err)
	require.Len(t, ancestors, 2)
	assert.Equal(t, "0xB", ancestors[0].Wallet)
	assert.False(t, ancestors[0].QualifiesFor(1))
	assert.True(t, ancestors[1].QualifiesFor(3))
}
