package models

import "time"

// MaxLevel is the highest membership level and also the deepest matrix layer.
const MaxLevel = 19

// Member is a participant of the referral program. Members are never deleted;
// a member that lost its activation keeps its row with IsActivated=false.
type Member struct {
	Wallet        string  `gorm:"primaryKey;size:64" json:"wallet"`
	Username      string  `gorm:"size:64" json:"username"`
	CurrentLevel  int     `gorm:"not null;default:0" json:"current_level"`
	IsActivated   bool    `gorm:"not null;default:false;index" json:"is_activated"`
	DirectSponsor *string `gorm:"size:64;index" json:"direct_sponsor,omitempty"` // nil = platform root

	// ActivationSequence is assigned exactly once, at activation, and is the
	// only tie-breaker used by placement ordering.
	ActivationSequence *int64 `gorm:"uniqueIndex" json:"activation_sequence,omitempty"`

	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	LastLevelUpAt *time.Time `json:"last_level_up_at,omitempty"`

	Timestamps
}

// Sequence returns the activation sequence or 0 for members never activated.
func (m *Member) Sequence() int64 {
	if m.ActivationSequence == nil {
		return 0
	}
	return *m.ActivationSequence
}

// Sponsor returns the direct sponsor wallet or "" for the platform root.
func (m *Member) Sponsor() string {
	if m.DirectSponsor == nil {
		return ""
	}
	return *m.DirectSponsor
}

// QualifiesFor reports whether the member may receive rewards for the given layer.
func (m *Member) QualifiesFor(layer int) bool {
	return m.IsActivated && m.CurrentLevel >= layer
}
