package services

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// openSlotCache remembers the breadth-first "next open slot" per subtree start
// node. An entry start -> (P, s) stays valid while (P, s) is open: every slot
// ahead of it in BFS order is full, and new children only add slots behind it.
// So a claim at (P, s) invalidates exactly the entries targeting P.
type openSlotCache struct {
	roots *xsync.Map[string, *rootSlotCache]
}

type rootSlotCache struct {
	mu       sync.Mutex
	byStart  map[string]OpenSlot
	byTarget map[string]map[string]struct{} // parent -> starts pointing at it
}

func newOpenSlotCache() *openSlotCache {
	return &openSlotCache{roots: xsync.NewMap[string, *rootSlotCache]()}
}

func (c *openSlotCache) root(root string) *rootSlotCache {
	rc, _ := c.roots.LoadOrCompute(root, func() (*rootSlotCache, bool) {
		return &rootSlotCache{
			byStart:  make(map[string]OpenSlot),
			byTarget: make(map[string]map[string]struct{}),
		}, false
	})
	return rc
}

func (c *openSlotCache) get(root, start string) (OpenSlot, bool) {
	rc, ok := c.roots.Load(root)
	if !ok {
		return OpenSlot{}, false
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	open, ok := rc.byStart[start]
	return open, ok
}

func (c *openSlotCache) put(root, start string, open OpenSlot) {
	rc := c.root(root)
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if prev, ok := rc.byStart[start]; ok {
		delete(rc.byTarget[prev.Parent], start)
	}
	rc.byStart[start] = open
	starts := rc.byTarget[open.Parent]
	if starts == nil {
		starts = make(map[string]struct{})
		rc.byTarget[open.Parent] = starts
	}
	starts[start] = struct{}{}
}

// claimed drops every entry pointing at parent after one of its slots was filled.
func (c *openSlotCache) claimed(root, parent string) {
	rc, ok := c.roots.Load(root)
	if !ok {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for start := range rc.byTarget[parent] {
		delete(rc.byStart, start)
	}
	delete(rc.byTarget, parent)
}

// drop forgets a whole root. Used on rollback, where released slots may sit
// ahead of cached entries.
func (c *openSlotCache) drop(root string) {
	c.roots.Delete(root)
}

// publish copies every entry into dst. A hint computed inside a transaction
// counts that transaction's claims as filled, so it is published on commit.
func (c *openSlotCache) publish(dst *openSlotCache) {
	c.roots.Range(func(root string, rc *rootSlotCache) bool {
		rc.mu.Lock()
		for start, open := range rc.byStart {
			dst.put(root, start, open)
		}
		rc.mu.Unlock()
		return true
	})
}
