package services

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"matrix-reward-engine/models"
)

// MemoryLedger is an in-process RewardLedger. Atomic stages every write and
// applies it only when fn succeeds.
type MemoryLedger struct {
	mu       sync.Mutex
	registry *MemoryRegistry
	claims   map[string]*models.RewardClaim
	byKey    map[string]string
	rollups  []models.RollupRecord
}

func NewMemoryLedger(registry *MemoryRegistry) *MemoryLedger {
	return &MemoryLedger{
		registry: registry,
		claims:   make(map[string]*models.RewardClaim),
		byKey:    make(map[string]string),
	}
}

func (l *MemoryLedger) GetClaim(_ context.Context, id string) (*models.RewardClaim, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.claims[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClaimNotFound, id)
	}
	cp := *c
	return &cp, nil
}

func (l *MemoryLedger) ListClaims(_ context.Context, q ClaimQuery) ([]models.RewardClaim, error) {
	l.mu.Lock()
	out := make([]models.RewardClaim, 0)
	for _, c := range l.claims {
		if q.Root != "" && c.RootWallet != q.Root {
			continue
		}
		if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, c.Status) {
			continue
		}
		if q.Unresolved && (c.Status != models.ClaimStatusExpired || !c.NeedsResolution) {
			continue
		}
		out = append(out, *c)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (l *MemoryLedger) ListDue(_ context.Context, now time.Time, limit int) ([]models.RewardClaim, error) {
	l.mu.Lock()
	var out []models.RewardClaim
	for _, c := range l.claims {
		if c.Status == models.ClaimStatusPending && c.ExpiresAt != nil && c.ExpiresAt.Before(now) {
			out = append(out, *c)
		}
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLedger) ListUnresolved(_ context.Context, retryBefore time.Time, maxAttempts, limit int) ([]models.RewardClaim, error) {
	l.mu.Lock()
	var out []models.RewardClaim
	for _, c := range l.claims {
		if c.Status != models.ClaimStatusExpired || !c.NeedsResolution || c.RollupAttempts >= maxAttempts {
			continue
		}
		if c.LastRollupAt != nil && !c.LastRollupAt.Before(retryBefore) {
			continue
		}
		out = append(out, *c)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLedger) ListRollups(_ context.Context, claimID string) ([]models.RollupRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.RollupRecord
	for _, r := range l.rollups {
		if r.SourceClaimID == claimID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *MemoryLedger) Atomic(ctx context.Context, fn func(tx LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &memoryLedgerTx{
		ledger: l,
		claims: make(map[string]*models.RewardClaim),
		keys:   make(map[string]string),
		levels: make(map[string]stagedLevel),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for wallet, lv := range tx.levels {
		if _, err := l.registry.setLevel(wallet, lv.level, lv.at); err != nil {
			return err
		}
	}
	for id, c := range tx.claims {
		l.claims[id] = c
	}
	for key, id := range tx.keys {
		l.byKey[key] = id
	}
	l.rollups = append(l.rollups, tx.rollups...)
	return nil
}

type stagedLevel struct {
	level int
	at    time.Time
}

type memoryLedgerTx struct {
	ledger  *MemoryLedger
	claims  map[string]*models.RewardClaim
	keys    map[string]string
	levels  map[string]stagedLevel
	rollups []models.RollupRecord
}

func (tx *memoryLedgerTx) Member(wallet string) (*models.Member, error) {
	m, err := tx.ledger.registry.GetMember(context.Background(), wallet)
	if err != nil {
		return nil, err
	}
	if lv, ok := tx.levels[wallet]; ok {
		m.CurrentLevel = lv.level
		m.LastLevelUpAt = &lv.at
	}
	return m, nil
}

// LockMember needs no extra locking: units of work are serialized by the ledger mutex.
func (tx *memoryLedgerTx) LockMember(wallet string) (*models.Member, error) {
	return tx.Member(wallet)
}

func (tx *memoryLedgerTx) SetLevel(wallet string, level int, at time.Time) (int, error) {
	m, err := tx.Member(wallet)
	if err != nil {
		return 0, err
	}
	old := m.CurrentLevel
	if level > old {
		tx.levels[wallet] = stagedLevel{level: level, at: at}
	}
	return old, nil
}

func (tx *memoryLedgerTx) get(id string) (*models.RewardClaim, bool) {
	if c, ok := tx.claims[id]; ok {
		return c, true
	}
	c, ok := tx.ledger.claims[id]
	return c, ok
}

func (tx *memoryLedgerTx) CreateClaim(c *models.RewardClaim) (bool, error) {
	if _, ok := tx.ledger.byKey[c.ClaimKey]; ok {
		return false, nil
	}
	if _, ok := tx.keys[c.ClaimKey]; ok {
		return false, nil
	}
	cp := *c
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	tx.claims[cp.ID] = &cp
	tx.keys[cp.ClaimKey] = cp.ID
	return true, nil
}

func (tx *memoryLedgerTx) PendingForRoot(root string, maxLayer int) ([]models.RewardClaim, error) {
	seen := make(map[string]struct{})
	var out []models.RewardClaim
	collect := func(c *models.RewardClaim) {
		if _, dup := seen[c.ID]; dup {
			return
		}
		seen[c.ID] = struct{}{}
		if c.RootWallet == root && c.Status == models.ClaimStatusPending && c.Layer <= maxLayer {
			out = append(out, *c)
		}
	}
	for _, c := range tx.claims {
		collect(c)
	}
	for _, c := range tx.ledger.claims {
		collect(c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (tx *memoryLedgerTx) Transition(id string, from, to models.ClaimStatus, mutate func(c *models.RewardClaim)) (*models.RewardClaim, error) {
	cur, ok := tx.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClaimNotFound, id)
	}
	if cur.Status != from {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrClaimStateConflict, id, cur.Status, from)
	}
	cp := *cur
	cp.Status = to
	if mutate != nil {
		mutate(&cp)
	}
	cp.UpdatedAt = time.Now()
	tx.claims[id] = &cp
	out := cp
	return &out, nil
}

func (tx *memoryLedgerTx) Resolve(id string) error {
	cur, ok := tx.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrClaimNotFound, id)
	}
	if cur.Status != models.ClaimStatusExpired || !cur.NeedsResolution {
		return fmt.Errorf("%w: %s already resolved", ErrClaimStateConflict, id)
	}
	cp := *cur
	cp.NeedsResolution = false
	cp.UpdatedAt = time.Now()
	tx.claims[id] = &cp
	return nil
}

func (tx *memoryLedgerTx) MarkUnresolved(id string, at time.Time) error {
	cur, ok := tx.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrClaimNotFound, id)
	}
	cp := *cur
	cp.NeedsResolution = true
	cp.RollupAttempts++
	cp.LastRollupAt = &at
	cp.UpdatedAt = at
	tx.claims[id] = &cp
	return nil
}

func (tx *memoryLedgerTx) InsertRollup(r *models.RollupRecord) error {
	cp := *r
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	tx.rollups = append(tx.rollups, cp)
	return nil
}
