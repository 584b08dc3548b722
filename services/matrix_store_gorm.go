package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"matrix-reward-engine/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormMatrixStore persists placements in postgres. Slot uniqueness is the
// (root_wallet, parent_wallet, slot) unique index; ClaimSlot inserts with
// ON CONFLICT DO NOTHING so a lost race surfaces as zero affected rows.
type GormMatrixStore struct {
	DB    *gorm.DB
	cache *openSlotCache
}

func NewGormMatrixStore(db *gorm.DB) *GormMatrixStore {
	return &GormMatrixStore{DB: db, cache: newOpenSlotCache()}
}

func (s *GormMatrixStore) GetPlacement(ctx context.Context, root, member string) (*models.PlacementRecord, error) {
	return loadPlacement(s.DB.WithContext(ctx), root, member)
}

func (s *GormMatrixStore) GetChildren(ctx context.Context, root, parent string) (*models.Children, error) {
	return loadChildren(s.DB.WithContext(ctx), root, parent)
}

func (s *GormMatrixStore) GetLayer(ctx context.Context, root string, layer int) ([]models.PlacementRecord, error) {
	if layer < 1 || layer > models.MaxLevel {
		return nil, ErrInvalidLayer
	}
	var recs []models.PlacementRecord
	err := s.DB.WithContext(ctx).
		Where("root_wallet = ? AND layer = ?", root, layer).
		Order("slot ASC, activation_sequence ASC").
		Find(&recs).Error
	return recs, err
}

func (s *GormMatrixStore) ListByRoot(ctx context.Context, root string) ([]models.PlacementRecord, error) {
	var recs []models.PlacementRecord
	err := s.DB.WithContext(ctx).
		Where("root_wallet = ?", root).
		Order("layer ASC, slot ASC, activation_sequence ASC").
		Find(&recs).Error
	return recs, err
}

func (s *GormMatrixStore) ListByMember(ctx context.Context, member string) ([]models.PlacementRecord, error) {
	var recs []models.PlacementRecord
	err := s.DB.WithContext(ctx).Where("member_wallet = ?", member).Order("layer ASC").Find(&recs).Error
	return recs, err
}

func (s *GormMatrixStore) FindOpenSlotBFS(ctx context.Context, root, start string) (OpenSlot, error) {
	return findOpenSlotSQL(s.DB.WithContext(ctx), root, start)
}

func (s *GormMatrixStore) Summary(ctx context.Context, root string) (*models.MatrixSummary, error) {
	sum := &models.MatrixSummary{Root: root}
	db := s.DB.WithContext(ctx)
	var row struct {
		TeamSize        int64
		DirectReferrals int64
		Spillovers      int64
		DeepestLayer    int
	}
	err := db.Model(&models.PlacementRecord{}).
		Select(`COUNT(*) AS team_size,
			COUNT(*) FILTER (WHERE is_direct_referral) AS direct_referrals,
			COUNT(*) FILTER (WHERE is_spillover) AS spillovers,
			COALESCE(MAX(layer), 0) AS deepest_layer`).
		Where("root_wallet = ?", root).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}
	sum.TeamSize, sum.DirectReferrals, sum.Spillovers, sum.DeepestLayer = row.TeamSize, row.DirectReferrals, row.Spillovers, row.DeepestLayer
	if err := db.Model(&models.MatrixOverflow{}).Where("root_wallet = ?", root).Count(&sum.Overflowed).Error; err != nil {
		return nil, err
	}
	return sum, nil
}

// Cascade runs fn in one database transaction. Open-slot hints found inside
// the transaction reach the shared cache only after it commits.
func (s *GormMatrixStore) Cascade(ctx context.Context, fn func(tx CascadeTx) error) error {
	var tx *gormCascade
	err := s.DB.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		tx = &gormCascade{db: db, cache: s.cache, hints: newOpenSlotCache()}
		return fn(tx)
	})
	if tx == nil {
		return err
	}
	if err != nil {
		for _, root := range tx.roots {
			s.cache.drop(root)
		}
		return err
	}
	tx.hints.publish(s.cache)
	return nil
}

type gormCascade struct {
	db    *gorm.DB
	cache *openSlotCache // shared, committed state only
	hints *openSlotCache // this transaction's view
	roots []string
}

// claimed invalidates entries targeting parent in both caches.
func (tx *gormCascade) claimed(root, parent string) {
	tx.cache.claimed(root, parent)
	tx.hints.claimed(root, parent)
}

func (tx *gormCascade) hint(root, start string) (OpenSlot, bool) {
	if open, ok := tx.hints.get(root, start); ok {
		return open, true
	}
	return tx.cache.get(root, start)
}

func (tx *gormCascade) ClaimSlot(rec *models.PlacementRecord) error {
	if !rec.Slot.Valid() {
		return fmt.Errorf("invalid slot %q", rec.Slot)
	}
	if rec.MemberWallet == rec.RootWallet {
		return fmt.Errorf("%w: %s cannot sit in its own matrix", ErrDuplicatePlacement, rec.MemberWallet)
	}
	root := rec.RootWallet
	parentLayer, err := placementLayer(tx.db, root, rec.ParentWallet)
	if errors.Is(err, ErrPlacementNotFound) {
		// parent came from a stale cache entry
		tx.cache.drop(root)
		tx.hints.drop(root)
		return fmt.Errorf("%w: parent %s not visible in %s", ErrSlotTaken, rec.ParentWallet, root)
	}
	if err != nil {
		return err
	}
	if parentLayer+1 > models.MaxLevel {
		return fmt.Errorf("%w: %s sits on layer %d of %s", ErrNoCapacity, rec.ParentWallet, parentLayer, root)
	}
	rec.Layer = parentLayer + 1
	rec.ID = 0

	tx.roots = append(tx.roots, root)
	res := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := tx.db.Model(&models.PlacementRecord{}).
			Where("root_wallet = ? AND member_wallet = ?", root, rec.MemberWallet).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s in %s", ErrDuplicatePlacement, rec.MemberWallet, root)
		}
		tx.claimed(root, rec.ParentWallet)
		return fmt.Errorf("%w: %s/%s in %s", ErrSlotTaken, rec.ParentWallet, rec.Slot, root)
	}
	tx.claimed(root, rec.ParentWallet)
	return nil
}

func (tx *gormCascade) GetPlacement(root, member string) (*models.PlacementRecord, error) {
	return loadPlacement(tx.db, root, member)
}

func (tx *gormCascade) FindOpenSlotBFS(root, start string) (OpenSlot, error) {
	if open, ok := tx.hint(root, start); ok {
		var n int64
		err := tx.db.Model(&models.PlacementRecord{}).
			Where("root_wallet = ? AND parent_wallet = ? AND slot = ?", root, open.Parent, open.Slot).
			Count(&n).Error
		if err != nil {
			return OpenSlot{}, err
		}
		if n == 0 {
			if _, err := placementLayer(tx.db, root, open.Parent); err == nil {
				return open, nil
			}
		}
		tx.claimed(root, open.Parent)
	}
	open, err := findOpenSlotSQL(tx.db, root, start)
	if err != nil {
		return OpenSlot{}, err
	}
	tx.roots = append(tx.roots, root)
	tx.hints.put(root, start, open)
	return open, nil
}

func (tx *gormCascade) RecordOverflow(o *models.MatrixOverflow) error {
	o.ID = 0
	return tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(o).Error
}

func (tx *gormCascade) HasOverflow(root, member string) (bool, error) {
	var n int64
	err := tx.db.Model(&models.MatrixOverflow{}).
		Where("root_wallet = ? AND member_wallet = ?", root, member).
		Count(&n).Error
	return n > 0, err
}

func (tx *gormCascade) ActivateMember(m *models.Member) error {
	return activateMember(tx.db, m)
}

// --- shared queries ---

func loadPlacement(db *gorm.DB, root, member string) (*models.PlacementRecord, error) {
	var rec models.PlacementRecord
	err := db.Where("root_wallet = ? AND member_wallet = ?", root, member).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s in %s", ErrPlacementNotFound, member, root)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func loadChildren(db *gorm.DB, root, parent string) (*models.Children, error) {
	var recs []models.PlacementRecord
	if err := db.Where("root_wallet = ? AND parent_wallet = ?", root, parent).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := &models.Children{}
	for i := range recs {
		out.Set(&recs[i])
	}
	return out, nil
}

func placementLayer(db *gorm.DB, root, node string) (int, error) {
	if node == root {
		return 0, nil
	}
	rec, err := loadPlacement(db, root, node)
	if err != nil {
		return 0, err
	}
	return rec.Layer, nil
}

// findOpenSlotSQL walks the subtree below start one layer per query.
func findOpenSlotSQL(db *gorm.DB, root, start string) (OpenSlot, error) {
	depth, err := placementLayer(db, root, start)
	if err != nil {
		return OpenSlot{}, err
	}
	frontier := []string{start}
	for ; depth < models.MaxLevel; depth++ {
		byParent := make(map[string]*models.Children, len(frontier))
		for _, chunk := range chunkStrings(frontier, queryChunkSize) {
			var recs []models.PlacementRecord
			if err := db.Where("root_wallet = ? AND parent_wallet IN ?", root, chunk).Find(&recs).Error; err != nil {
				return OpenSlot{}, err
			}
			for i := range recs {
				kids := byParent[recs[i].ParentWallet]
				if kids == nil {
					kids = &models.Children{}
					byParent[recs[i].ParentWallet] = kids
				}
				kids.Set(&recs[i])
			}
		}

		next := make([]*models.PlacementRecord, 0, len(frontier)*3)
		for _, node := range frontier {
			kids := byParent[node]
			if kids == nil {
				kids = &models.Children{}
			}
			if slot, ok := kids.FirstOpen(); ok {
				return OpenSlot{Parent: node, Slot: slot, Layer: depth + 1}, nil
			}
			next = append(next, kids.L, kids.M, kids.R)
		}
		sort.Slice(next, func(i, j int) bool { return next[i].Before(next[j]) })
		frontier = frontier[:0]
		for _, rec := range next {
			frontier = append(frontier, rec.MemberWallet)
		}
	}
	return OpenSlot{}, fmt.Errorf("%w: below %s in %s", ErrNoCapacity, start, root)
}
