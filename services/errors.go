package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBrokenChain: a sponsor reference points to a missing or deactivated
	// member, or the sponsor links form a cycle. Fatal for the placement.
	ErrBrokenChain = errors.New("broken sponsor chain")
	// ErrOrphanedPlacement: the sponsor has no committed placement in an
	// ancestor's matrix although it must have one. Fatal, needs an operator.
	ErrOrphanedPlacement = errors.New("orphaned placement")
	// ErrSlotTaken: the compare-and-set on (root, parent, slot) lost.
	ErrSlotTaken = errors.New("slot already taken")
	// ErrPlacementConflict: slot claims kept losing after bounded retries.
	ErrPlacementConflict = errors.New("placement conflict, retry later")
	// ErrNoCapacity: no open slot within the 19-layer bound below the intended parent.
	ErrNoCapacity = errors.New("no capacity within layer bound")
	// ErrDuplicatePlacement: the member is already placed (activation replay).
	ErrDuplicatePlacement = errors.New("member already placed")
	// ErrClaimExpiryRollupFailure: an expired claim found no qualifying ancestor.
	ErrClaimExpiryRollupFailure = errors.New("claim expiry roll-up failed")

	ErrMemberNotFound     = errors.New("member not found")
	ErrPlacementNotFound  = errors.New("placement not found")
	ErrClaimNotFound      = errors.New("claim not found")
	ErrClaimStateConflict = errors.New("claim status changed concurrently")
	ErrInvalidLayer       = errors.New("layer must be between 1 and 19")
	ErrInvalidEvent       = errors.New("invalid event")
)

// ChainError describes where the sponsor walk broke.
type ChainError struct {
	Member  string
	Sponsor string
	Reason  string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("sponsor chain of %s broken at %s: %s", e.Member, e.Sponsor, e.Reason)
}

func (e *ChainError) Unwrap() error { return ErrBrokenChain }

// PlacementError carries the root the cascade failed on.
type PlacementError struct {
	Member string
	Root   string
	Depth  int // 0-based chain position
	Err    error
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("place %s in matrix of %s (chain position %d): %v", e.Member, e.Root, e.Depth, e.Err)
}

func (e *PlacementError) Unwrap() error { return e.Err }

// RollupError is returned for claims whose value could not be handed to an ancestor.
type RollupError struct {
	ClaimID string
	Root    string
	Layer   int
	Path    []string
}

func (e *RollupError) Error() string {
	return fmt.Sprintf("no qualifying ancestor for claim %s (root %s, layer %d, inspected %s)",
		e.ClaimID, e.Root, e.Layer, strings.Join(e.Path, ">"))
}

func (e *RollupError) Unwrap() error { return ErrClaimExpiryRollupFailure }

// isTransientTxError matches postgres conflicts that succeed when re-run.
func isTransientTxError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSlotTaken) || errors.Is(err, ErrPlacementConflict) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock detected") ||
		strings.Contains(msg, "could not serialize access")
}

// isUniqueViolation matches unique-index conflicts (gorm translated or raw postgres).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicated key")
}
