package models

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelPrices(t *testing.T) {
	assert.Equal(t, int64(10000), LevelPriceCents(1))
	assert.Equal(t, int64(15000), LevelPriceCents(2))
	assert.Equal(t, int64(100000), LevelPriceCents(19))
	assert.Zero(t, LevelPriceCents(0))
	assert.Zero(t, LevelPriceCents(20))

	require.Len(t, Levels, MaxLevel)
	lc, ok := LevelByNumber(19)
	require.True(t, ok)
	assert.Equal(t, "Master Level", lc.Name)
	lc, ok = LevelByNumber(7)
	require.True(t, ok)
	assert.Equal(t, "Elite Level 7", lc.Name)
	_, ok = LevelByNumber(0)
	assert.False(t, ok)

	assert.Equal(t, LevelPriceCents(6), LayerRewardCents(6))
}

func TestCandidateOrder(t *testing.T) {
	recs := []PlacementRecord{
		{MemberWallet: "r-late", Layer: 2, Slot: SlotR, ActivationSequence: 3},
		{MemberWallet: "m", Layer: 2, Slot: SlotM, ActivationSequence: 9},
		{MemberWallet: "l-late", Layer: 2, Slot: SlotL, ActivationSequence: 8},
		{MemberWallet: "l-early", Layer: 2, Slot: SlotL, ActivationSequence: 2},
		{MemberWallet: "top", Layer: 1, Slot: SlotR, ActivationSequence: 50},
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Before(&recs[j]) })

	var got []string
	for _, r := range recs {
		got = append(got, r.MemberWallet)
	}
	assert.Equal(t, []string{"top", "l-early", "l-late", "m", "r-late"}, got)
}

func TestChildrenFirstOpen(t *testing.T) {
	var c Children
	slot, ok := c.FirstOpen()
	require.True(t, ok)
	assert.Equal(t, SlotL, slot)

	c.Set(&PlacementRecord{Slot: SlotL})
	c.Set(&PlacementRecord{Slot: SlotR})
	slot, ok = c.FirstOpen()
	require.True(t, ok)
	assert.Equal(t, SlotM, slot)

	c.Set(&PlacementRecord{Slot: SlotM})
	_, ok = c.FirstOpen()
	assert.False(t, ok)
}

func TestLayerStatsFinalize(t *testing.T) {
	s := LayerStats{Layer: 2}
	s.AddSlot(SlotL, 1)
	s.AddSlot(SlotR, 2)
	s.ActiveCount = 1
	s.Finalize()

	assert.Equal(t, int64(9), s.Capacity)
	assert.Equal(t, int64(3), s.Occupied)
	assert.InDelta(t, 100.0/3, s.FillPercentage, 1e-9)
	assert.InDelta(t, 100.0/3, s.ActivationPercentage, 1e-9)

	empty := LayerStats{Layer: 4}
	empty.Finalize()
	assert.Zero(t, empty.ActivationPercentage)
	assert.Equal(t, int64(81), empty.Capacity)
}

func TestQualifiesFor(t *testing.T) {
	m := Member{IsActivated: true, CurrentLevel: 3}
	assert.True(t, m.QualifiesFor(3))
	assert.False(t, m.QualifiesFor(4))
	m.IsActivated = false
	assert.False(t, m.QualifiesFor(1))
}

func TestClaimKeysAndStatus(t *testing.T) {
	assert.Equal(t, "trigger:0xT:3:root:0xR", DirectClaimKey("0xT", 3, "0xR"))
	assert.Equal(t, "rollup:abc", RollupClaimKey("abc"))
	assert.True(t, ClaimStatusClaimed.Terminal())
	assert.True(t, ClaimStatusExpired.Terminal())
	assert.False(t, ClaimStatusPending.Terminal())
	assert.False(t, ClaimStatusEligible.Terminal())
}

func TestWalletPathRoundTrip(t *testing.T) {
	p := WalletPath{"0xA", "0xB"}
	v, err := p.Value()
	require.NoError(t, err)

	var back WalletPath
	require.NoError(t, back.Scan(v))
	assert.Equal(t, p, back)

	raw, err := json.Marshal(RollupRecord{Path: p})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"path":["0xA","0xB"]`)
}
