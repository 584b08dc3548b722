package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// RollupReason explains the outcome of an expired claim hand-off.
type RollupReason string

const (
	RollupReasonExpired             RollupReason = "expired_pending"
	RollupReasonNoQualifiedAncestor RollupReason = "no_qualified_recipient"
)

// WalletPath is the ordered list of wallets inspected during a roll-up.
type WalletPath []string

func (p WalletPath) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(p))
	return string(b), err
}

func (p *WalletPath) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = nil
		return nil
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(p))
	case []byte:
		return json.Unmarshal(v, (*[]string)(p))
	}
	return errors.New("wallet path: unsupported scan type")
}

// RollupRecord is the audit entry for one expiry hand-off attempt.
type RollupRecord struct {
	ID            string       `gorm:"primaryKey;type:uuid" json:"id"`
	SourceClaimID string       `gorm:"type:uuid;not null;index" json:"source_claim_id"`
	OriginalRoot  string       `gorm:"size:64;not null" json:"original_root"`
	Recipient     *string      `gorm:"size:64;index" json:"recipient,omitempty"` // nil when unresolved
	ReplacementID *string      `gorm:"type:uuid" json:"replacement_claim_id,omitempty"`
	Layer         int          `gorm:"not null" json:"layer"`
	AmountCents   int64        `gorm:"not null" json:"amount_cents"`
	Reason        RollupReason `gorm:"size:32;not null" json:"reason"`
	Path          WalletPath   `gorm:"type:jsonb" json:"path"`
	Attempt       int          `gorm:"not null" json:"attempt"`
	CreatedAt     time.Time    `gorm:"autoCreateTime" json:"created_at"`
}

// Resolved reports whether the value reached a recipient.
func (r *RollupRecord) Resolved() bool { return r.Recipient != nil }
