package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"matrix-reward-engine/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormLedger stores reward claims and roll-up records in postgres.
type GormLedger struct {
	DB *gorm.DB
}

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{DB: db}
}

func (l *GormLedger) GetClaim(ctx context.Context, id string) (*models.RewardClaim, error) {
	var c models.RewardClaim
	err := l.DB.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrClaimNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (l *GormLedger) ListClaims(ctx context.Context, q ClaimQuery) ([]models.RewardClaim, error) {
	db := l.DB.WithContext(ctx).Model(&models.RewardClaim{})
	if q.Root != "" {
		db = db.Where("root_wallet = ?", q.Root)
	}
	if len(q.Statuses) > 0 {
		db = db.Where("status IN ?", q.Statuses)
	}
	if q.Unresolved {
		db = db.Where("status = ? AND needs_resolution = ?", models.ClaimStatusExpired, true)
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	claims := make([]models.RewardClaim, 0)
	err := db.Order("created_at DESC, id DESC").Find(&claims).Error
	return claims, err
}

func (l *GormLedger) ListDue(ctx context.Context, now time.Time, limit int) ([]models.RewardClaim, error) {
	var claims []models.RewardClaim
	db := l.DB.WithContext(ctx).
		Where("status = ? AND expires_at < ?", models.ClaimStatusPending, now).
		Order("expires_at ASC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	err := db.Find(&claims).Error
	return claims, err
}

func (l *GormLedger) ListUnresolved(ctx context.Context, retryBefore time.Time, maxAttempts, limit int) ([]models.RewardClaim, error) {
	var claims []models.RewardClaim
	db := l.DB.WithContext(ctx).
		Where("status = ? AND needs_resolution = ? AND rollup_attempts < ?", models.ClaimStatusExpired, true, maxAttempts).
		Where("last_rollup_at IS NULL OR last_rollup_at < ?", retryBefore).
		Order("created_at ASC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	err := db.Find(&claims).Error
	return claims, err
}

func (l *GormLedger) ListRollups(ctx context.Context, claimID string) ([]models.RollupRecord, error) {
	var recs []models.RollupRecord
	err := l.DB.WithContext(ctx).Where("source_claim_id = ?", claimID).Order("created_at ASC").Find(&recs).Error
	return recs, err
}

func (l *GormLedger) Atomic(ctx context.Context, fn func(tx LedgerTx) error) error {
	return l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormLedgerTx{db: tx})
	})
}

type gormLedgerTx struct {
	db *gorm.DB
}

func (tx *gormLedgerTx) Member(wallet string) (*models.Member, error) {
	return loadMember(tx.db, wallet)
}

func (tx *gormLedgerTx) LockMember(wallet string) (*models.Member, error) {
	return loadMember(tx.db.Clauses(clause.Locking{Strength: "SHARE"}), wallet)
}

func (tx *gormLedgerTx) SetLevel(wallet string, level int, at time.Time) (int, error) {
	var m models.Member
	err := tx.db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("wallet = ?", wallet).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrMemberNotFound, wallet)
	}
	if err != nil {
		return 0, err
	}
	old := m.CurrentLevel
	if level <= old {
		return old, nil
	}
	err = tx.db.Model(&m).Updates(map[string]any{
		"current_level":    level,
		"last_level_up_at": at,
	}).Error
	return old, err
}

func (tx *gormLedgerTx) CreateClaim(c *models.RewardClaim) (bool, error) {
	res := tx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "claim_key"}},
		DoNothing: true,
	}).Create(c)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (tx *gormLedgerTx) PendingForRoot(root string, maxLayer int) ([]models.RewardClaim, error) {
	var claims []models.RewardClaim
	err := tx.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("root_wallet = ? AND status = ? AND layer <= ?", root, models.ClaimStatusPending, maxLayer).
		Order("created_at ASC").
		Find(&claims).Error
	return claims, err
}

func (tx *gormLedgerTx) Transition(id string, from, to models.ClaimStatus, mutate func(c *models.RewardClaim)) (*models.RewardClaim, error) {
	var c models.RewardClaim
	err := tx.db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrClaimNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if c.Status != from {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrClaimStateConflict, id, c.Status, from)
	}
	c.Status = to
	if mutate != nil {
		mutate(&c)
	}
	if err := tx.db.Save(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (tx *gormLedgerTx) Resolve(id string) error {
	res := tx.db.Model(&models.RewardClaim{}).
		Where("id = ? AND status = ? AND needs_resolution = ?", id, models.ClaimStatusExpired, true).
		Update("needs_resolution", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s already resolved", ErrClaimStateConflict, id)
	}
	return nil
}

func (tx *gormLedgerTx) MarkUnresolved(id string, at time.Time) error {
	return tx.db.Model(&models.RewardClaim{}).Where("id = ?", id).Updates(map[string]any{
		"needs_resolution": true,
		"rollup_attempts":  gorm.Expr("rollup_attempts + 1"),
		"last_rollup_at":   at,
	}).Error
}

func (tx *gormLedgerTx) InsertRollup(r *models.RollupRecord) error {
	return tx.db.Create(r).Error
}
