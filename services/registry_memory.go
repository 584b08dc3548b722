package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"matrix-reward-engine/models"
)

// MemoryRegistry is an in-process MemberRegistry.
type MemoryRegistry struct {
	mu      sync.RWMutex
	members map[string]*models.Member
	seq     atomic.Int64
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{members: make(map[string]*models.Member)}
}

func (r *MemoryRegistry) GetMember(_ context.Context, wallet string) (*models.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[wallet]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, wallet)
	}
	cp := *m
	return &cp, nil
}

func (r *MemoryRegistry) GetMembers(_ context.Context, wallets []string) (map[string]*models.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*models.Member, len(wallets))
	for _, w := range wallets {
		if m, ok := r.members[w]; ok {
			cp := *m
			out[w] = &cp
		}
	}
	return out, nil
}

func (r *MemoryRegistry) UpsertMember(_ context.Context, m *models.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	cur, ok := r.members[m.Wallet]
	if !ok {
		cp := models.Member{
			Wallet:        m.Wallet,
			Username:      m.Username,
			DirectSponsor: m.DirectSponsor,
		}
		cp.CreatedAt, cp.UpdatedAt = now, now
		r.members[m.Wallet] = &cp
		return nil
	}
	cur.Username = m.Username
	if !cur.IsActivated {
		cur.DirectSponsor = m.DirectSponsor
	}
	cur.UpdatedAt = now
	return nil
}

func (r *MemoryRegistry) Deactivate(_ context.Context, wallet string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[wallet]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMemberNotFound, wallet)
	}
	m.IsActivated = false
	m.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRegistry) Reactivate(_ context.Context, wallet string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[wallet]
	if !ok || m.ActivationSequence == nil {
		return fmt.Errorf("%w: %s was never placed", ErrMemberNotFound, wallet)
	}
	m.IsActivated = true
	m.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRegistry) NextActivationSequence(context.Context) (int64, error) {
	return r.seq.Add(1), nil
}

// activate commits a cascade's activation. Fails with ErrDuplicatePlacement
// when the member was activated in the meantime.
func (r *MemoryRegistry) activate(m *models.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.members[m.Wallet]
	if ok && cur.IsActivated {
		return fmt.Errorf("%w: %s already activated", ErrDuplicatePlacement, m.Wallet)
	}
	now := time.Now()
	if !ok {
		cur = &models.Member{Wallet: m.Wallet}
		cur.CreatedAt = now
		r.members[m.Wallet] = cur
	}
	if m.Username != "" {
		cur.Username = m.Username
	}
	cur.DirectSponsor = m.DirectSponsor
	cur.IsActivated = true
	cur.ActivationSequence = m.ActivationSequence
	cur.ActivatedAt = m.ActivatedAt
	cur.UpdatedAt = now
	return nil
}

// setLevel raises the member level; returns the previous level.
func (r *MemoryRegistry) setLevel(wallet string, level int, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[wallet]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMemberNotFound, wallet)
	}
	old := m.CurrentLevel
	if level > old {
		m.CurrentLevel = level
		m.LastLevelUpAt = &at
		m.UpdatedAt = at
	}
	return old, nil
}
