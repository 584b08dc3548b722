package models

import "time"

// MemberActivated is emitted by the activation service once a membership
// purchase settled.
type MemberActivated struct {
	Wallet        string    `json:"wallet" validate:"required,min=3,max=64"`
	DirectSponsor *string   `json:"direct_sponsor,omitempty" validate:"omitempty,min=3,max=64"`
	Username      string    `json:"username,omitempty" validate:"max=64"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// MemberLeveledUp is emitted when a member's level upgrade settled.
type MemberLeveledUp struct {
	Wallet     string    `json:"wallet" validate:"required,min=3,max=64"`
	NewLevel   int       `json:"new_level" validate:"required,min=1,max=19"`
	TxRef      string    `json:"tx_ref,omitempty" validate:"max=128"`
	OccurredAt time.Time `json:"occurred_at"`
}
