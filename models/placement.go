package models

import "time"

// Slot is one of the three child positions under a matrix node.
type Slot string

const (
	SlotL Slot = "L"
	SlotM Slot = "M"
	SlotR Slot = "R"
)

// Slots lists the child positions in fill order.
var Slots = [3]Slot{SlotL, SlotM, SlotR}

// Index returns the fill priority of the slot (L=0, M=1, R=2), or -1 if unknown.
func (s Slot) Index() int {
	switch s {
	case SlotL:
		return 0
	case SlotM:
		return 1
	case SlotR:
		return 2
	}
	return -1
}

func (s Slot) Valid() bool { return s.Index() >= 0 }

// PlacementRecord is one member's position inside one root's matrix.
//
// Uniqueness is enforced by two composite indexes: a member appears once per
// root, and a (parent, slot) pair is filled once per root.
type PlacementRecord struct {
	ID                 uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	RootWallet         string    `gorm:"size:64;not null;uniqueIndex:ux_placement_root_member,priority:1;uniqueIndex:ux_placement_root_parent_slot,priority:1;index:ix_placement_root_layer,priority:1" json:"root"`
	MemberWallet       string    `gorm:"size:64;not null;uniqueIndex:ux_placement_root_member,priority:2;index" json:"member"`
	ParentWallet       string    `gorm:"size:64;not null;uniqueIndex:ux_placement_root_parent_slot,priority:2" json:"parent"`
	Slot               Slot      `gorm:"size:1;not null;uniqueIndex:ux_placement_root_parent_slot,priority:3" json:"slot"`
	Layer              int       `gorm:"not null;index:ix_placement_root_layer,priority:2" json:"layer"`
	IsDirectReferral   bool      `gorm:"not null;default:false" json:"is_direct_referral"`
	IsSpillover        bool      `gorm:"not null;default:false" json:"is_spillover"`
	ActivationSequence int64     `gorm:"not null" json:"activation_sequence"`
	PlacedAt           time.Time `gorm:"not null" json:"placed_at"`
}

// Before reports whether p precedes o in breadth-first candidate order:
// shallower first, then by occupied slot, then by activation sequence.
func (p *PlacementRecord) Before(o *PlacementRecord) bool {
	if p.Layer != o.Layer {
		return p.Layer < o.Layer
	}
	if p.Slot != o.Slot {
		return p.Slot.Index() < o.Slot.Index()
	}
	return p.ActivationSequence < o.ActivationSequence
}

// MatrixOverflow records that a member could not be placed in a root's matrix
// because the 19-layer bound was reached below its intended parent.
type MatrixOverflow struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	RootWallet   string    `gorm:"size:64;not null;uniqueIndex:ux_overflow_root_member,priority:1" json:"root"`
	MemberWallet string    `gorm:"size:64;not null;uniqueIndex:ux_overflow_root_member,priority:2" json:"member"`
	ParentWallet string    `gorm:"size:64" json:"parent,omitempty"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Children is the L/M/R view of one matrix node. Empty slots are nil.
type Children struct {
	L *PlacementRecord `json:"L"`
	M *PlacementRecord `json:"M"`
	R *PlacementRecord `json:"R"`
}

// Set stores rec under its slot.
func (c *Children) Set(rec *PlacementRecord) {
	switch rec.Slot {
	case SlotL:
		c.L = rec
	case SlotM:
		c.M = rec
	case SlotR:
		c.R = rec
	}
}

// Get returns the record in slot s, or nil.
func (c *Children) Get(s Slot) *PlacementRecord {
	switch s {
	case SlotL:
		return c.L
	case SlotM:
		return c.M
	case SlotR:
		return c.R
	}
	return nil
}

// FirstOpen returns the first empty slot in L, M, R order.
func (c *Children) FirstOpen() (Slot, bool) {
	for _, s := range Slots {
		if c.Get(s) == nil {
			return s, true
		}
	}
	return "", false
}

// MatrixSummary is the team overview of one root.
type MatrixSummary struct {
	Root            string `json:"root"`
	TeamSize        int64  `json:"team_size"`
	DirectReferrals int64  `json:"direct_referrals"`
	Spillovers      int64  `json:"spillovers"`
	DeepestLayer    int    `json:"deepest_layer"`
	Overflowed      int64  `json:"overflowed"`
}
