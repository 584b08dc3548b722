package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"matrix-reward-engine/models"

	"github.com/puzpuzpuz/xsync/v4"
)

// MemoryMatrixStore keeps placements in per-root shards. Slots claimed by an
// open cascade are reserved: other cascades see them as occupied, readers do
// not see them until the cascade commits.
type MemoryMatrixStore struct {
	registry *MemoryRegistry
	shards   *xsync.Map[string, *matrixShard]
	byMember *xsync.Map[string, *memberPlacements]
	cache    *openSlotCache
}

func NewMemoryMatrixStore(registry *MemoryRegistry) *MemoryMatrixStore {
	return &MemoryMatrixStore{
		registry: registry,
		shards:   xsync.NewMap[string, *matrixShard](),
		byMember: xsync.NewMap[string, *memberPlacements](),
		cache:    newOpenSlotCache(),
	}
}

type slotKey struct {
	parent string
	slot   models.Slot
}

// cascadeState flips every entry of one cascade to visible at once.
type cascadeState struct {
	committed atomic.Bool
}

type shardEntry struct {
	rec   models.PlacementRecord
	state *cascadeState // nil for entries that never were pending
}

func (e *shardEntry) visible(viewer *cascadeState) bool {
	return e.state == nil || e.state == viewer || e.state.committed.Load()
}

type overflowEntry struct {
	rec   models.MatrixOverflow
	state *cascadeState
}

type matrixShard struct {
	mu       sync.RWMutex
	members  map[string]*shardEntry
	slots    map[slotKey]*shardEntry
	layers   map[int][]*shardEntry
	overflow map[string]*overflowEntry
}

type memberPlacements struct {
	mu      sync.Mutex
	entries []*shardEntry
}

func (s *MemoryMatrixStore) shard(root string) *matrixShard {
	sh, _ := s.shards.LoadOrCompute(root, func() (*matrixShard, bool) {
		return &matrixShard{
			members:  make(map[string]*shardEntry),
			slots:    make(map[slotKey]*shardEntry),
			layers:   make(map[int][]*shardEntry),
			overflow: make(map[string]*overflowEntry),
		}, false
	})
	return sh
}

// --- read side ---

func (s *MemoryMatrixStore) GetPlacement(_ context.Context, root, member string) (*models.PlacementRecord, error) {
	sh, ok := s.shards.Load(root)
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrPlacementNotFound, member, root)
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e := sh.members[member]
	if e == nil || !e.visible(nil) {
		return nil, fmt.Errorf("%w: %s in %s", ErrPlacementNotFound, member, root)
	}
	rec := e.rec
	return &rec, nil
}

func (s *MemoryMatrixStore) GetChildren(_ context.Context, root, parent string) (*models.Children, error) {
	out := &models.Children{}
	sh, ok := s.shards.Load(root)
	if !ok {
		return out, nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sh.fillChildren(out, parent, nil)
	return out, nil
}

func (s *MemoryMatrixStore) GetLayer(_ context.Context, root string, layer int) ([]models.PlacementRecord, error) {
	if layer < 1 || layer > models.MaxLevel {
		return nil, ErrInvalidLayer
	}
	sh, ok := s.shards.Load(root)
	if !ok {
		return []models.PlacementRecord{}, nil
	}
	sh.mu.RLock()
	out := make([]models.PlacementRecord, 0, len(sh.layers[layer]))
	for _, e := range sh.layers[layer] {
		if e.visible(nil) {
			out = append(out, e.rec)
		}
	}
	sh.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Before(&out[j]) })
	return out, nil
}

func (s *MemoryMatrixStore) ListByRoot(_ context.Context, root string) ([]models.PlacementRecord, error) {
	sh, ok := s.shards.Load(root)
	if !ok {
		return nil, nil
	}
	sh.mu.RLock()
	out := make([]models.PlacementRecord, 0, len(sh.members))
	for _, e := range sh.members {
		if e.visible(nil) {
			out = append(out, e.rec)
		}
	}
	sh.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Before(&out[j]) })
	return out, nil
}

func (s *MemoryMatrixStore) ListByMember(_ context.Context, member string) ([]models.PlacementRecord, error) {
	mp, ok := s.byMember.Load(member)
	if !ok {
		return nil, nil
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	out := make([]models.PlacementRecord, 0, len(mp.entries))
	for _, e := range mp.entries {
		if e.visible(nil) {
			out = append(out, e.rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Layer < out[j].Layer })
	return out, nil
}

func (s *MemoryMatrixStore) FindOpenSlotBFS(_ context.Context, root, start string) (OpenSlot, error) {
	sh := s.shard(root)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.findOpen(root, start, nil, false)
}

func (s *MemoryMatrixStore) Summary(_ context.Context, root string) (*models.MatrixSummary, error) {
	sum := &models.MatrixSummary{Root: root}
	sh, ok := s.shards.Load(root)
	if !ok {
		return sum, nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	for _, e := range sh.members {
		if !e.visible(nil) {
			continue
		}
		sum.TeamSize++
		if e.rec.IsDirectReferral {
			sum.DirectReferrals++
		}
		if e.rec.IsSpillover {
			sum.Spillovers++
		}
		if e.rec.Layer > sum.DeepestLayer {
			sum.DeepestLayer = e.rec.Layer
		}
	}
	for _, o := range sh.overflow {
		if o.state == nil || o.state.committed.Load() {
			sum.Overflowed++
		}
	}
	return sum, nil
}

// --- shard helpers; callers hold sh.mu ---

func (sh *matrixShard) fillChildren(out *models.Children, parent string, viewer *cascadeState) {
	for _, slot := range models.Slots {
		if e := sh.slots[slotKey{parent, slot}]; e != nil && e.visible(viewer) {
			rec := e.rec
			out.Set(&rec)
		}
	}
}

func (sh *matrixShard) layerOf(root, node string, viewer *cascadeState) (int, error) {
	if node == root {
		return 0, nil
	}
	e := sh.members[node]
	if e == nil {
		return 0, fmt.Errorf("%w: %s in %s", ErrPlacementNotFound, node, root)
	}
	if !e.visible(viewer) {
		return 0, fmt.Errorf("%w: %s in %s is still being placed", ErrSlotTaken, node, root)
	}
	return e.rec.Layer, nil
}

type frontierNode struct {
	wallet  string
	pending bool // reserved by another cascade
}

// findOpen runs the breadth-first search below start. Writers (writer=true)
// treat reserved slots as occupied and stop with ErrSlotTaken when the search
// would descend into a node another cascade has not committed yet. Readers
// ignore reservations.
func (sh *matrixShard) findOpen(root, start string, viewer *cascadeState, writer bool) (OpenSlot, error) {
	depth, err := sh.layerOf(root, start, viewer)
	if err != nil {
		return OpenSlot{}, err
	}
	frontier := []frontierNode{{wallet: start}}
	for ; depth < models.MaxLevel; depth++ {
		var next []*shardEntry
		for _, node := range frontier {
			if node.pending {
				return OpenSlot{}, fmt.Errorf("%w: %s in %s is still being placed", ErrSlotTaken, node.wallet, root)
			}
			for _, slot := range models.Slots {
				e := sh.slots[slotKey{node.wallet, slot}]
				if e != nil && !writer && !e.visible(nil) {
					e = nil
				}
				if e == nil {
					return OpenSlot{Parent: node.wallet, Slot: slot, Layer: depth + 1}, nil
				}
				next = append(next, e)
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i].rec.Before(&next[j].rec) })
		frontier = frontier[:0]
		for _, e := range next {
			frontier = append(frontier, frontierNode{wallet: e.rec.MemberWallet, pending: !e.visible(viewer)})
		}
	}
	return OpenSlot{}, fmt.Errorf("%w: below %s in %s", ErrNoCapacity, start, root)
}

// --- write side ---

func (s *MemoryMatrixStore) Cascade(ctx context.Context, fn func(tx CascadeTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryCascade{store: s, state: &cascadeState{}}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return tx.commit()
}

type memoryCascade struct {
	store     *MemoryMatrixStore
	state     *cascadeState
	claims    []*shardEntry
	overflows []*overflowEntry
	member    *models.Member
}

func (tx *memoryCascade) ClaimSlot(rec *models.PlacementRecord) error {
	if !rec.Slot.Valid() {
		return fmt.Errorf("invalid slot %q", rec.Slot)
	}
	if rec.MemberWallet == rec.RootWallet {
		return fmt.Errorf("%w: %s cannot sit in its own matrix", ErrDuplicatePlacement, rec.MemberWallet)
	}
	root := rec.RootWallet
	sh := tx.store.shard(root)

	sh.mu.Lock()
	if sh.members[rec.MemberWallet] != nil {
		sh.mu.Unlock()
		return fmt.Errorf("%w: %s in %s", ErrDuplicatePlacement, rec.MemberWallet, root)
	}
	key := slotKey{rec.ParentWallet, rec.Slot}
	if sh.slots[key] != nil {
		sh.mu.Unlock()
		return fmt.Errorf("%w: %s/%s in %s", ErrSlotTaken, rec.ParentWallet, rec.Slot, root)
	}
	parentLayer, err := sh.layerOf(root, rec.ParentWallet, tx.state)
	if err != nil {
		sh.mu.Unlock()
		return err
	}
	if parentLayer+1 > models.MaxLevel {
		sh.mu.Unlock()
		return fmt.Errorf("%w: %s sits on layer %d of %s", ErrNoCapacity, rec.ParentWallet, parentLayer, root)
	}
	rec.Layer = parentLayer + 1

	e := &shardEntry{rec: *rec, state: tx.state}
	sh.members[rec.MemberWallet] = e
	sh.slots[key] = e
	sh.layers[rec.Layer] = append(sh.layers[rec.Layer], e)
	sh.mu.Unlock()

	tx.claims = append(tx.claims, e)
	tx.store.cache.claimed(root, rec.ParentWallet)
	return nil
}

func (tx *memoryCascade) GetPlacement(root, member string) (*models.PlacementRecord, error) {
	sh := tx.store.shard(root)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e := sh.members[member]
	if e == nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrPlacementNotFound, member, root)
	}
	if !e.visible(tx.state) {
		return nil, fmt.Errorf("%w: %s in %s is still being placed", ErrSlotTaken, member, root)
	}
	rec := e.rec
	return &rec, nil
}

func (tx *memoryCascade) FindOpenSlotBFS(root, start string) (OpenSlot, error) {
	cache := tx.store.cache
	sh := tx.store.shard(root)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if open, ok := cache.get(root, start); ok {
		if sh.slots[slotKey{open.Parent, open.Slot}] == nil {
			if _, err := sh.layerOf(root, open.Parent, tx.state); err == nil {
				return open, nil
			}
		}
	}
	open, err := sh.findOpen(root, start, tx.state, true)
	if err != nil {
		return OpenSlot{}, err
	}
	cache.put(root, start, open)
	return open, nil
}

func (tx *memoryCascade) RecordOverflow(o *models.MatrixOverflow) error {
	sh := tx.store.shard(o.RootWallet)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.overflow[o.MemberWallet] != nil {
		return nil
	}
	e := &overflowEntry{rec: *o, state: tx.state}
	sh.overflow[o.MemberWallet] = e
	tx.overflows = append(tx.overflows, e)
	return nil
}

func (tx *memoryCascade) HasOverflow(root, member string) (bool, error) {
	sh := tx.store.shard(root)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e := sh.overflow[member]
	if e == nil {
		return false, nil
	}
	if e.state != nil && e.state != tx.state && !e.state.committed.Load() {
		return false, fmt.Errorf("%w: %s overflow in %s is still being recorded", ErrSlotTaken, member, root)
	}
	return true, nil
}

func (tx *memoryCascade) ActivateMember(m *models.Member) error {
	cp := *m
	tx.member = &cp
	return nil
}

func (tx *memoryCascade) commit() error {
	// Activation first: a dependent cascade that sees the member activated
	// but its placements still reserved backs off with ErrSlotTaken.
	if tx.member != nil {
		if err := tx.store.registry.activate(tx.member); err != nil {
			tx.rollback()
			return err
		}
	}
	for _, e := range tx.claims {
		mp, _ := tx.store.byMember.LoadOrCompute(e.rec.MemberWallet, func() (*memberPlacements, bool) {
			return &memberPlacements{}, false
		})
		mp.mu.Lock()
		mp.entries = append(mp.entries, e)
		mp.mu.Unlock()
	}
	tx.state.committed.Store(true)
	return nil
}

func (tx *memoryCascade) rollback() {
	for _, e := range tx.claims {
		root := e.rec.RootWallet
		sh := tx.store.shard(root)
		sh.mu.Lock()
		delete(sh.members, e.rec.MemberWallet)
		delete(sh.slots, slotKey{e.rec.ParentWallet, e.rec.Slot})
		sh.layers[e.rec.Layer] = removeEntry(sh.layers[e.rec.Layer], e)
		sh.mu.Unlock()
		tx.store.cache.drop(root)
	}
	for _, o := range tx.overflows {
		sh := tx.store.shard(o.rec.RootWallet)
		sh.mu.Lock()
		delete(sh.overflow, o.rec.MemberWallet)
		sh.mu.Unlock()
	}
	tx.claims, tx.overflows, tx.member = nil, nil, nil
}

func removeEntry(list []*shardEntry, target *shardEntry) []*shardEntry {
	for i, e := range list {
		if e == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
