package services

import (
	"testing"

	"matrix-reward-engine/models"

	"github.com/stretchr/testify/assert"
)

func TestOpenSlotCacheInvalidatesByTarget(t *testing.T) {
	c := newOpenSlotCache()
	c.put("0xA", "0xA", OpenSlot{Parent: "0xB", Slot: models.SlotM, Layer: 2})
	c.put("0xA", "0xB", OpenSlot{Parent: "0xB", Slot: models.SlotM, Layer: 2})
	c.put("0xA", "0xC", OpenSlot{Parent: "0xC", Slot: models.SlotL, Layer: 2})

	c.claimed("0xA", "0xB")

	_, ok := c.get("0xA", "0xA")
	assert.False(t, ok)
	_, ok = c.get("0xA", "0xB")
	assert.False(t, ok)
	open, ok := c.get("0xA", "0xC")
	assert.True(t, ok)
	assert.Equal(t, "0xC", open.Parent)
}

func TestOpenSlotCacheReplaceMovesTarget(t *testing.T) {
	c := newOpenSlotCache()
	c.put("0xA", "0xA", OpenSlot{Parent: "0xA", Slot: models.SlotR, Layer: 1})
	c.put("0xA", "0xA", OpenSlot{Parent: "0xB", Slot: models.SlotL, Layer: 2})

	// the stale target no longer evicts the new entry
	c.claimed("0xA", "0xA")
	open, ok := c.get("0xA", "0xA")
	assert.True(t, ok)
	assert.Equal(t, "0xB", open.Parent)
}

func TestOpenSlotCacheDropIsPerRoot(t *testing.T) {
	c := newOpenSlotCache()
	c.put("0xA", "0xA", OpenSlot{Parent: "0xA", Slot: models.SlotL, Layer: 1})
	c.put("0xB", "0xB", OpenSlot{Parent: "0xB", Slot: models.SlotL, Layer: 1})

	c.drop("0xA")

	_, ok := c.get("0xA", "0xA")
	assert.False(t, ok)
	_, ok = c.get("0xB", "0xB")
	assert.True(t, ok)
}

func TestOpenSlotCachePublishCopiesEntries(t *testing.T) {
	local := newOpenSlotCache()
	shared := newOpenSlotCache()
	local.put("0xA", "0xA", OpenSlot{Parent: "0xB", Slot: models.SlotM, Layer: 2})
	local.put("0xC", "0xD", OpenSlot{Parent: "0xD", Slot: models.SlotL, Layer: 3})

	_, ok := shared.get("0xA", "0xA")
	assert.False(t, ok)

	local.publish(shared)

	open, ok := shared.get("0xA", "0xA")
	assert.True(t, ok)
	assert.Equal(t, OpenSlot{Parent: "0xB", Slot: models.SlotM, Layer: 2}, open)
	_, ok = shared.get("0xC", "0xD")
	assert.True(t, ok)

	// published entries are indexed by target like any other
	shared.claimed("0xA", "0xB")
	_, ok = shared.get("0xA", "0xA")
	assert.False(t, ok)
}
