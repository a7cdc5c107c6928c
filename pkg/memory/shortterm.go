package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/supportdesk/pkg/tenant"
)

// DefaultCacheCapacity bounds each cached thread.
const DefaultCacheCapacity = 10

type cacheEntry struct {
	items []Interaction
	// complete is set when the entry was warmed from the store and the
	// store held no more history than what was loaded.
	complete bool
}

func (e *cacheEntry) newest() time.Time {
	var t time.Time
	for _, in := range e.items {
		if in.Timestamp.After(t) {
			t = in.Timestamp
		}
	}
	return t
}

// ShortTermCache keeps the most recent interactions of each thread in
// memory. Entries are FIFO-bounded; reads never reorder them. One mutex
// guards the whole map and no I/O happens while it is held.
type ShortTermCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[tenant.Key]*cacheEntry
	// legacy holds entries imported under unscoped string keys. They are
	// invisible to reads and only reachable through the auditor.
	legacy map[string]*cacheEntry
	// generation moves on every invalidation so a store read that started
	// earlier cannot warm erased rows back in.
	generation uint64
}

func NewShortTermCache(capacity int) *ShortTermCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &ShortTermCache{
		capacity: capacity,
		entries:  make(map[tenant.Key]*cacheEntry),
		legacy:   make(map[string]*cacheEntry),
	}
}

func (c *ShortTermCache) Capacity() int { return c.capacity }

// trim drops the oldest items beyond capacity and reports whether any were
// dropped.
func (c *ShortTermCache) trim(e *cacheEntry) bool {
	over := len(e.items) - c.capacity
	if over <= 0 {
		return false
	}
	kept := make([]Interaction, c.capacity)
	copy(kept, e.items[over:])
	e.items = kept
	return true
}

// Put appends an interaction to the key's sequence, evicting the oldest
// element once capacity is exceeded.
func (c *ShortTermCache) Put(key tenant.Key, in Interaction) error {
	if !key.Valid() {
		return fmt.Errorf("cache put: %w", tenant.ErrMissingTenant)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{}
		c.entries[key] = e
	}
	e.items = append(e.items, in)
	if c.trim(e) {
		e.complete = false
	}
	return nil
}

// Get returns a copy of the key's sequence, oldest first.
func (c *ShortTermCache) Get(key tenant.Key) ([]Interaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return append([]Interaction(nil), e.items...), true
}

// recent serves the newest limit items when the entry can answer the read
// on its own: it holds at least limit items or it holds the whole history.
func (c *ShortTermCache) recent(key tenant.Key, limit int) ([]Interaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if len(e.items) < limit && !e.complete {
		return nil, false
	}
	start := 0
	if len(e.items) > limit {
		start = len(e.items) - limit
	}
	return append([]Interaction(nil), e.items[start:]...), true
}

// Generation identifies the current invalidation epoch. Take it before a
// store read and pass it to WarmIfCurrent.
func (c *ShortTermCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// WarmIfCurrent warms the entry only if nothing was invalidated since gen
// was taken. It reports whether the entry was written.
func (c *ShortTermCache) WarmIfCurrent(gen uint64, key tenant.Key, items []Interaction, complete bool) bool {
	if !key.Valid() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return false
	}
	c.warm(key, items, complete)
	return true
}

// Warm loads store results into the key's entry. Items already cached but
// missing from the results (cache-only turns, or appends that raced the
// query) are kept, so a concurrent Put is never lost.
func (c *ShortTermCache) Warm(key tenant.Key, items []Interaction, complete bool) {
	if !key.Valid() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warm(key, items, complete)
}

// warm merges items into the key's entry. Callers hold mu.
func (c *ShortTermCache) warm(key tenant.Key, items []Interaction, complete bool) {
	merged := append([]Interaction(nil), items...)
	if e, ok := c.entries[key]; ok {
		seen := make(map[string]bool, len(items))
		for _, in := range items {
			seen[in.ID] = true
		}
		for _, in := range e.items {
			if in.ID == "" || !seen[in.ID] {
				merged = append(merged, in)
			}
		}
		sort.SliceStable(merged, func(i, j int) bool { return merged[i].Timestamp.Before(merged[j].Timestamp) })
	}
	e := &cacheEntry{items: merged, complete: complete}
	if c.trim(e) {
		e.complete = false
	}
	c.entries[key] = e
}

func (c *ShortTermCache) Invalidate(key tenant.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// InvalidateByTenantPrefix drops every entry owned by tenantID.
func (c *ShortTermCache) InvalidateByTenantPrefix(tenantID string) int {
	return c.InvalidateWhere(func(k tenant.Key) bool { return k.BelongsTo(tenantID) })
}

func (c *ShortTermCache) InvalidateWhere(match func(tenant.Key) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	n := 0
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// EvictStale drops entries in scope whose newest interaction is older than
// cutoff. Legacy entries are swept too, matched on their raw prefix.
func (c *ShortTermCache) EvictStale(cutoff time.Time, scope tenant.Scope) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	n := 0
	for k, e := range c.entries {
		if scope.Includes(k) && e.newest().Before(cutoff) {
			delete(c.entries, k)
			n++
		}
	}
	for raw, e := range c.legacy {
		if !scope.IsGlobal() && !strings.HasPrefix(raw, scope.TenantID()+"_") {
			continue
		}
		if e.newest().Before(cutoff) {
			delete(c.legacy, raw)
			n++
		}
	}
	return n
}

// Keys lists the scoped keys, sorted by their string form.
func (c *ShortTermCache) Keys() []tenant.Key {
	c.mu.Lock()
	keys := make([]tenant.Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// RawKeys lists every key in its string form, legacy keys included.
func (c *ShortTermCache) RawKeys() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.entries)+len(c.legacy))
	for k := range c.entries {
		out = append(out, k.String())
	}
	for raw := range c.legacy {
		out = append(out, raw)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Stats returns the entry and interaction counts inside scope.
func (c *ShortTermCache) Stats(scope tenant.Scope) (entries, interactions int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if scope.Includes(k) {
			entries++
			interactions += len(e.items)
		}
	}
	return entries, interactions
}

// Clear wipes the cache. Only latency is affected.
func (c *ShortTermCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.entries = make(map[tenant.Key]*cacheEntry)
	c.legacy = make(map[string]*cacheEntry)
}

// ImportLegacy loads an entry saved under a pre-scoping string key.
// Well-formed keys become scoped entries; the rest are kept aside for the
// isolation auditor. It reports the scoped key when one could be parsed.
func (c *ShortTermCache) ImportLegacy(raw string, items []Interaction) (tenant.Key, bool) {
	k, ok := tenant.ParseLegacyKey(raw)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !ok {
		e := &cacheEntry{items: append([]Interaction(nil), items...)}
		c.trim(e)
		c.legacy[raw] = e
		return tenant.Key{}, false
	}
	c.merge(k, claimFor(items, k))
	return k, true
}

// merge appends items to an entry, keeping timestamp order. Callers hold mu.
func (c *ShortTermCache) merge(k tenant.Key, items []Interaction) {
	e, exists := c.entries[k]
	if !exists {
		e = &cacheEntry{}
		c.entries[k] = e
	}
	e.items = append(e.items, items...)
	sort.SliceStable(e.items, func(i, j int) bool { return e.items[i].Timestamp.Before(e.items[j].Timestamp) })
	c.trim(e)
	e.complete = false
}

// LegacyKeys lists the unscoped keys still waiting for repair.
func (c *ShortTermCache) LegacyKeys() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.legacy))
	for raw := range c.legacy {
		out = append(out, raw)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// RescopeLegacy moves every legacy entry under defaultTenantID and returns
// the raw keys it moved.
func (c *ShortTermCache) RescopeLegacy(defaultTenantID string) ([]string, error) {
	if _, err := tenant.Require("rescope cache", defaultTenantID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	moved := make([]string, 0, len(c.legacy))
	for raw, e := range c.legacy {
		k, err := tenant.RescopeLegacyKey(defaultTenantID, raw)
		if err != nil {
			return moved, err
		}
		c.merge(k, claimFor(e.items, k))
		delete(c.legacy, raw)
		moved = append(moved, raw)
	}
	sort.Strings(moved)
	return moved, nil
}

// claimFor copies items into k's thread. Untenanted items take k's tenant;
// items that already name another tenant are dropped.
func claimFor(items []Interaction, k tenant.Key) []Interaction {
	out := make([]Interaction, 0, len(items))
	for _, in := range items {
		switch strings.TrimSpace(in.TenantID) {
		case "":
			in.TenantID = k.TenantID
		case k.TenantID:
		default:
			continue
		}
		if in.ConversationID == "" {
			in.ConversationID = k.ConversationID
		}
		if in.ParticipantID == "" {
			in.ParticipantID = k.ParticipantID
		}
		out = append(out, in)
	}
	return out
}
