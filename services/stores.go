package services

import (
	"context"
	"time"

	"matrix-reward-engine/models"
)

// MemberRegistry is the source of member identity, sponsor links and levels.
type MemberRegistry interface {
	GetMember(ctx context.Context, wallet string) (*models.Member, error)
	GetMembers(ctx context.Context, wallets []string) (map[string]*models.Member, error)
	// UpsertMember stores registration data (username, sponsor). Activation
	// and level are only changed through placement and level-up handling.
	UpsertMember(ctx context.Context, m *models.Member) error
	// Deactivate and Reactivate toggle the activation flag of a placed member.
	// Placements stay; an inactive member breaks the sponsor chain of the
	// members it sponsors until it is reactivated.
	Deactivate(ctx context.Context, wallet string) error
	Reactivate(ctx context.Context, wallet string) error
	NextActivationSequence(ctx context.Context) (int64, error)
}

// OpenSlot is the first free (parent, slot) in breadth-first order. Layer is
// the layer a member placed there would occupy.
type OpenSlot struct {
	Parent string      `json:"parent"`
	Slot   models.Slot `json:"slot"`
	Layer  int         `json:"layer"`
}

// MatrixReader answers read-side queries over committed placements only.
type MatrixReader interface {
	GetPlacement(ctx context.Context, root, member string) (*models.PlacementRecord, error)
	GetChildren(ctx context.Context, root, parent string) (*models.Children, error)
	// GetLayer returns the records of one layer ordered by occupied slot, then
	// activation sequence.
	GetLayer(ctx context.Context, root string, layer int) ([]models.PlacementRecord, error)
	ListByRoot(ctx context.Context, root string) ([]models.PlacementRecord, error)
	ListByMember(ctx context.Context, member string) ([]models.PlacementRecord, error)
	FindOpenSlotBFS(ctx context.Context, root, start string) (OpenSlot, error)
	Summary(ctx context.Context, root string) (*models.MatrixSummary, error)
}

// MatrixStore persists placements. All writes of one activation go through a
// single Cascade: they become visible together or not at all.
type MatrixStore interface {
	MatrixReader
	Cascade(ctx context.Context, fn func(tx CascadeTx) error) error
}

// CascadeTx is the write view of one activation cascade. It observes its own
// uncommitted placements.
type CascadeTx interface {
	// ClaimSlot is a compare-and-set on (root, parent, slot). It fails with
	// ErrSlotTaken when the slot is occupied and ErrDuplicatePlacement when the
	// member already sits in root's matrix.
	ClaimSlot(rec *models.PlacementRecord) error
	GetPlacement(root, member string) (*models.PlacementRecord, error)
	FindOpenSlotBFS(root, start string) (OpenSlot, error)
	RecordOverflow(o *models.MatrixOverflow) error
	HasOverflow(root, member string) (bool, error)
	// ActivateMember commits the member's activation together with its placements.
	ActivateMember(m *models.Member) error
}

// RewardLedger persists reward claims and roll-up audit records.
type RewardLedger interface {
	GetClaim(ctx context.Context, id string) (*models.RewardClaim, error)
	ListClaims(ctx context.Context, q ClaimQuery) ([]models.RewardClaim, error)
	// ListDue returns pending claims whose window closed before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.RewardClaim, error)
	// ListUnresolved returns expired claims still waiting for a recipient that
	// were last attempted before retryBefore and have fewer than maxAttempts.
	ListUnresolved(ctx context.Context, retryBefore time.Time, maxAttempts, limit int) ([]models.RewardClaim, error)
	ListRollups(ctx context.Context, claimID string) ([]models.RollupRecord, error)
	Atomic(ctx context.Context, fn func(tx LedgerTx) error) error
}

// ClaimQuery filters ListClaims. Results are newest first.
type ClaimQuery struct {
	Root     string
	Statuses []models.ClaimStatus
	// Unresolved keeps only expired claims still waiting for a recipient.
	Unresolved bool
	Limit      int
}

// LedgerTx is one unit of work over members and claims.
type LedgerTx interface {
	Member(wallet string) (*models.Member, error)
	// LockMember reads wallet and holds its level steady until the unit of
	// work ends, so a concurrent level-up of that member waits for it.
	LockMember(wallet string) (*models.Member, error)
	// SetLevel raises the level and returns the previous one. Lower or equal
	// levels leave the member untouched.
	SetLevel(wallet string, level int, at time.Time) (int, error)
	// CreateClaim inserts c unless a claim with the same ClaimKey exists.
	CreateClaim(c *models.RewardClaim) (bool, error)
	// PendingForRoot returns root's pending claims with layer <= maxLayer.
	PendingForRoot(root string, maxLayer int) ([]models.RewardClaim, error)
	// Transition moves a claim from one status to another; ErrClaimStateConflict
	// when the stored status is not from.
	Transition(id string, from, to models.ClaimStatus, mutate func(c *models.RewardClaim)) (*models.RewardClaim, error)
	// Resolve clears NeedsResolution on an expired claim; ErrClaimStateConflict if already resolved.
	Resolve(id string) error
	// MarkUnresolved bumps the roll-up attempt counter of an expired claim.
	MarkUnresolved(id string, at time.Time) error
	InsertRollup(r *models.RollupRecord) error
}
