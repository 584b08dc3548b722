package models

import (
	"strconv"
	"time"
)

// ClaimStatus is the lifecycle state of a layer reward.
type ClaimStatus string

const (
	ClaimStatusPending  ClaimStatus = "pending"
	ClaimStatusEligible ClaimStatus = "eligible"
	ClaimStatusClaimed  ClaimStatus = "claimed"
	ClaimStatusExpired  ClaimStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s ClaimStatus) Terminal() bool {
	return s == ClaimStatusClaimed || s == ClaimStatusExpired
}

// RewardClaim is a conditional payout to RootWallet created when TriggerWallet,
// sitting on Layer of the root's matrix, reached TriggerLevel.
type RewardClaim struct {
	ID string `gorm:"primaryKey;type:uuid" json:"id"`

	// ClaimKey makes creation idempotent across event replays.
	ClaimKey string `gorm:"size:200;uniqueIndex;not null" json:"-"`

	RootWallet    string      `gorm:"size:64;not null;index:ix_claim_root_status,priority:1" json:"root"`
	Layer         int         `gorm:"not null" json:"layer"`
	TriggerWallet string      `gorm:"size:64;not null;index" json:"trigger_member"`
	TriggerLevel  int         `gorm:"not null" json:"trigger_level"`
	AmountCents   int64       `gorm:"not null" json:"amount_cents"`
	Status        ClaimStatus `gorm:"size:16;not null;index:ix_claim_root_status,priority:2;index:ix_claim_status_expiry,priority:1" json:"status"`
	ExpiresAt     *time.Time  `gorm:"index:ix_claim_status_expiry,priority:2" json:"expires_at,omitempty"`
	TxRef         string      `gorm:"size:128" json:"tx_ref,omitempty"`

	EligibleAt *time.Time `json:"eligible_at,omitempty"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	ExpiredAt  *time.Time `json:"expired_at,omitempty"`

	// Roll-up bookkeeping. RolledUpFromID is set on replacement claims;
	// NeedsResolution marks an expired claim whose value has no recipient yet.
	RolledUpFromID  *string    `gorm:"type:uuid;index" json:"rolled_up_from,omitempty"`
	NeedsResolution bool       `gorm:"not null;default:false;index" json:"needs_resolution,omitempty"`
	RollupAttempts  int        `gorm:"not null;default:0" json:"-"`
	LastRollupAt    *time.Time `json:"-"`

	Timestamps
}

// Amount returns the value in whole USDT.
func (c *RewardClaim) Amount() float64 {
	return float64(c.AmountCents) / 100
}

// DirectClaimKey identifies the claim created for root when trigger reached level.
func DirectClaimKey(trigger string, level int, root string) string {
	return "trigger:" + trigger + ":" + strconv.Itoa(level) + ":root:" + root
}

// RollupClaimKey identifies the replacement claim for an expired source claim.
func RollupClaimKey(sourceID string) string {
	return "rollup:" + sourceID
}
