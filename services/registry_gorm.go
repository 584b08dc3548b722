package services

import (
	"context"
	"errors"
	"fmt"

	"matrix-reward-engine/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ActivationSequenceName is the postgres sequence backing activation order.
const ActivationSequenceName = "member_activation_seq"

// GormRegistry stores members in postgres.
type GormRegistry struct {
	DB *gorm.DB
}

func NewGormRegistry(db *gorm.DB) *GormRegistry {
	return &GormRegistry{DB: db}
}

// EnsureSchema creates objects AutoMigrate does not manage.
func (r *GormRegistry) EnsureSchema() error {
	return r.DB.Exec("CREATE SEQUENCE IF NOT EXISTS " + ActivationSequenceName).Error
}

func (r *GormRegistry) GetMember(ctx context.Context, wallet string) (*models.Member, error) {
	return loadMember(r.DB.WithContext(ctx), wallet)
}

func loadMember(db *gorm.DB, wallet string) (*models.Member, error) {
	var m models.Member
	err := db.Where("wallet = ?", wallet).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, wallet)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *GormRegistry) GetMembers(ctx context.Context, wallets []string) (map[string]*models.Member, error) {
	out := make(map[string]*models.Member, len(wallets))
	for _, chunk := range chunkStrings(wallets, queryChunkSize) {
		var rows []models.Member
		if err := r.DB.WithContext(ctx).Where("wallet IN ?", chunk).Find(&rows).Error; err != nil {
			return nil, err
		}
		for i := range rows {
			out[rows[i].Wallet] = &rows[i]
		}
	}
	return out, nil
}

func (r *GormRegistry) UpsertMember(ctx context.Context, m *models.Member) error {
	row := models.Member{Wallet: m.Wallet, Username: m.Username, DirectSponsor: m.DirectSponsor}
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "wallet"}},
		DoUpdates: clause.Assignments(map[string]any{
			"username": m.Username,
			// sponsor links freeze once the member is activated
			"direct_sponsor": gorm.Expr("CASE WHEN members.is_activated THEN members.direct_sponsor ELSE excluded.direct_sponsor END"),
			"updated_at":     gorm.Expr("NOW()"),
		}),
	}).Create(&row).Error
}

func (r *GormRegistry) Deactivate(ctx context.Context, wallet string) error {
	res := r.DB.WithContext(ctx).Model(&models.Member{}).Where("wallet = ?", wallet).Update("is_activated", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrMemberNotFound, wallet)
	}
	return nil
}

func (r *GormRegistry) Reactivate(ctx context.Context, wallet string) error {
	res := r.DB.WithContext(ctx).Model(&models.Member{}).
		Where("wallet = ? AND activation_sequence IS NOT NULL", wallet).
		Update("is_activated", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s was never placed", ErrMemberNotFound, wallet)
	}
	return nil
}

func (r *GormRegistry) NextActivationSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := r.DB.WithContext(ctx).Raw("SELECT nextval('" + ActivationSequenceName + "')").Scan(&seq).Error
	return seq, err
}

// activateMember writes the activation inside a cascade transaction.
func activateMember(tx *gorm.DB, m *models.Member) error {
	var cur models.Member
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("wallet = ?", m.Wallet).First(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row := *m
		row.IsActivated = true
		if err := tx.Create(&row).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s already activated", ErrDuplicatePlacement, m.Wallet)
			}
			return err
		}
		return nil
	}
	if err != nil {
		return err
	}
	if cur.IsActivated {
		return fmt.Errorf("%w: %s already activated", ErrDuplicatePlacement, m.Wallet)
	}
	updates := map[string]any{
		"is_activated":        true,
		"direct_sponsor":      m.DirectSponsor,
		"activation_sequence": m.ActivationSequence,
		"activated_at":        m.ActivatedAt,
	}
	if m.Username != "" {
		updates["username"] = m.Username
	}
	return tx.Model(&cur).Updates(updates).Error
}

const queryChunkSize = 5000

func chunkStrings(in []string, size int) [][]string {
	var out [][]string
	for len(in) > size {
		out = append(out, in[:size])
		in = in[size:]
	}
	if len(in) > 0 {
		out = append(out, in)
	}
	return out
}
