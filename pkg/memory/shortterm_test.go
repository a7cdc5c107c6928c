package memory

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dotsetgreg/supportdesk/pkg/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(tenantID, conv, participant string) tenant.Key {
	return tenant.Key{TenantID: tenantID, ConversationID: conv, ParticipantID: participant}
}

func turn(key tenant.Key, msg string, at time.Time) Interaction {
	return Interaction{
		TenantID:       key.TenantID,
		ConversationID: key.ConversationID,
		ParticipantID:  key.ParticipantID,
		UserMessage:    msg,
		Timestamp:      at,
	}
}

func TestShortTermCache_BoundedFIFO(t *testing.T) {
	cache := NewShortTermCache(0)
	key := testKey("acme", "c1", "p1")
	base := time.Now()

	for i := 0; i < 15; i++ {
		require.NoError(t, cache.Put(key, turn(key, fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second))))
	}

	items, ok := cache.Get(key)
	require.True(t, ok)
	require.Len(t, items, DefaultCacheCapacity)
	assert.Equal(t, "m5", items[0].UserMessage)
	assert.Equal(t, "m14", items[9].UserMessage)
	for _, in := range items {
		assert.NotContains(t, []string{"m0", "m1", "m2", "m3", "m4"}, in.UserMessage)
	}
}

func TestShortTermCache_GetDoesNotReorder(t *testing.T) {
	cache := NewShortTermCache(3)
	a, b := testKey("acme", "c1", "p1"), testKey("acme", "c2", "p1")
	now := time.Now()
	require.NoError(t, cache.Put(a, turn(a, "a1", now)))
	require.NoError(t, cache.Put(b, turn(b, "b1", now)))

	_, _ = cache.Get(a)
	require.NoError(t, cache.Put(a, turn(a, "a2", now)))
	require.NoError(t, cache.Put(a, turn(a, "a3", now)))
	require.NoError(t, cache.Put(a, turn(a, "a4", now)))

	items, ok := cache.Get(a)
	require.True(t, ok)
	assert.Equal(t, []string{"a2", "a3", "a4"}, messages(items))

	other, ok := cache.Get(b)
	require.True(t, ok)
	assert.Equal(t, []string{"b1"}, messages(other))
}

func TestShortTermCache_PutRejectsUnscopedKey(t *testing.T) {
	cache := NewShortTermCache(0)
	err := cache.Put(tenant.Key{ConversationID: "c1", ParticipantID: "p1"}, Interaction{})
	assert.ErrorIs(t, err, ErrMissingTenant)
	assert.Empty(t, cache.RawKeys())
}

func TestShortTermCache_ConcurrentPutsOnOneKey(t *testing.T) {
	cache := NewShortTermCache(1000)
	key := testKey("acme", "c1", "p1")

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = cache.Put(key, turn(key, fmt.Sprintf("w%d-%d", w, i), time.Now()))
				_, _ = cache.Get(key)
			}
		}(w)
	}
	wg.Wait()

	items, ok := cache.Get(key)
	require.True(t, ok)
	assert.Len(t, items, 800)

	// Per-writer order survives interleaving.
	last := map[string]int{}
	for _, in := range items {
		var w, i int
		_, err := fmt.Sscanf(in.UserMessage, "w%d-%d", &w, &i)
		require.NoError(t, err)
		prev, seen := last[fmt.Sprint(w)]
		if seen {
			assert.Greater(t, i, prev)
		}
		last[fmt.Sprint(w)] = i
	}
}

func TestShortTermCache_RecentNeedsEnoughOrComplete(t *testing.T) {
	cache := NewShortTermCache(0)
	key := testKey("acme", "c1", "p1")
	now := time.Now()
	require.NoError(t, cache.Put(key, turn(key, "only", now)))

	_, ok := cache.recent(key, 5)
	assert.False(t, ok, "partial entry must fall through to the store")

	got, ok := cache.recent(key, 1)
	require.True(t, ok)
	assert.Equal(t, []string{"only"}, messages(got))

	cache.Warm(key, []Interaction{{ID: "1", TenantID: "acme", UserMessage: "stored", Timestamp: now.Add(-time.Minute)}}, true)
	got, ok = cache.recent(key, 5)
	require.True(t, ok)
	assert.Equal(t, []string{"stored", "only"}, messages(got))
}

func TestShortTermCache_WarmKeepsRacingPut(t *testing.T) {
	cache := NewShortTermCache(0)
	key := testKey("acme", "c1", "p1")
	now := time.Now()
	racing := turn(key, "racing", now)
	racing.ID = "3"
	require.NoError(t, cache.Put(key, racing))

	stored := []Interaction{
		{ID: "1", TenantID: "acme", UserMessage: "one", Timestamp: now.Add(-2 * time.Minute)},
		{ID: "2", TenantID: "acme", UserMessage: "two", Timestamp: now.Add(-time.Minute)},
	}
	cache.Warm(key, stored, true)

	items, ok := cache.Get(key)
	require.True(t, ok)
	assert.Equal(t, []string{"one", "two", "racing"}, messages(items))

	// A repeated warm does not duplicate items it already holds.
	cache.Warm(key, append(stored, racing), true)
	items, _ = cache.Get(key)
	assert.Len(t, items, 3)
}

func TestShortTermCache_WarmIfCurrentSkipsAfterInvalidation(t *testing.T) {
	cache := NewShortTermCache(0)
	key := testKey("acme", "c1", "p1")
	rows := []Interaction{{ID: "1", TenantID: "acme", UserMessage: "erased", Timestamp: time.Now()}}

	gen := cache.Generation()
	// Nothing is cached for the key, but the invalidation still counts.
	assert.Zero(t, cache.InvalidateWhere(func(k tenant.Key) bool { return k.ParticipantID == "p1" }))
	assert.False(t, cache.WarmIfCurrent(gen, key, rows, true))
	_, ok := cache.Get(key)
	assert.False(t, ok)

	assert.True(t, cache.WarmIfCurrent(cache.Generation(), key, rows, true))
	items, ok := cache.recent(key, DefaultHistoryLimit)
	require.True(t, ok)
	assert.Equal(t, []string{"erased"}, messages(items))
}

func TestShortTermCache_WarmTrimLosesCompleteness(t *testing.T) {
	cache := NewShortTermCache(2)
	key := testKey("acme", "c1", "p1")
	now := time.Now()
	cache.Warm(key, []Interaction{
		{ID: "1", TenantID: "acme", Timestamp: now.Add(-3 * time.Minute)},
		{ID: "2", TenantID: "acme", Timestamp: now.Add(-2 * time.Minute)},
		{ID: "3", TenantID: "acme", Timestamp: now.Add(-time.Minute)},
	}, true)

	_, ok := cache.recent(key, 3)
	assert.False(t, ok)
}

func TestShortTermCache_EvictStaleAndInvalidate(t *testing.T) {
	cache := NewShortTermCache(0)
	now := time.Now()
	staleA := testKey("a", "c1", "p1")
	freshA := testKey("a", "c2", "p1")
	staleB := testKey("b", "c1", "p1")
	require.NoError(t, cache.Put(staleA, turn(staleA, "old", now.Add(-2*time.Hour))))
	require.NoError(t, cache.Put(freshA, turn(freshA, "new", now)))
	require.NoError(t, cache.Put(staleB, turn(staleB, "old", now.Add(-2*time.Hour))))

	scopeA, err := tenant.Only("a")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.EvictStale(now.Add(-time.Hour), scopeA))
	assert.Equal(t, []tenant.Key{freshA, staleB}, cache.Keys())

	assert.Equal(t, 1, cache.EvictStale(now.Add(-time.Hour), tenant.Global()))
	assert.Equal(t, 0, cache.EvictStale(now.Add(-time.Hour), tenant.Global()))

	assert.Equal(t, 1, cache.InvalidateByTenantPrefix("a"))
	assert.Empty(t, cache.Keys())
	assert.False(t, cache.Invalidate(freshA))
}

func TestShortTermCache_KeyIntegrity(t *testing.T) {
	cache := NewShortTermCache(0)
	now := time.Now()
	for i := 0; i < 20; i++ {
		k := testKey(fmt.Sprintf("t%d", i%3), fmt.Sprintf("c%d", i%4), "p")
		require.NoError(t, cache.Put(k, turn(k, "x", now)))
	}
	cache.Warm(testKey("t9", "c1", "p"), []Interaction{{TenantID: "t9", Timestamp: now}}, true)
	_ = cache.Invalidate(testKey("t0", "c0", "p"))

	for _, raw := range cache.RawKeys() {
		assert.GreaterOrEqual(t, tenant.ComponentCount(raw), 3, raw)
	}
}

func TestShortTermCache_ImportLegacy(t *testing.T) {
	cache := NewShortTermCache(0)
	now := time.Now()

	k, ok := cache.ImportLegacy("acme_c1_p1", []Interaction{
		{UserMessage: "mine", Timestamp: now},
		{TenantID: "intruder", UserMessage: "theirs", Timestamp: now},
	})
	require.True(t, ok)
	assert.Equal(t, testKey("acme", "c1", "p1"), k)
	items, _ := cache.Get(k)
	require.Len(t, items, 1)
	assert.Equal(t, "acme", items[0].TenantID)

	_, ok = cache.ImportLegacy("c9_p9", []Interaction{{UserMessage: "orphan", Timestamp: now}})
	assert.False(t, ok)
	assert.Equal(t, []string{"c9_p9"}, cache.LegacyKeys())
	assert.Len(t, cache.Keys(), 1, "legacy entries are not readable")

	moved, err := cache.RescopeLegacy("default-co")
	require.NoError(t, err)
	assert.Equal(t, []string{"c9_p9"}, moved)
	assert.Empty(t, cache.LegacyKeys())

	items, ok = cache.Get(testKey("default-co", "c9", "p9"))
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, "default-co", items[0].TenantID)

	_, err = cache.RescopeLegacy("")
	assert.ErrorIs(t, err, ErrMissingTenant)
}

func TestShortTermCache_StatsAndClear(t *testing.T) {
	cache := NewShortTermCache(0)
	now := time.Now()
	a1, a2, b1 := testKey("a", "c1", "p"), testKey("a", "c2", "p"), testKey("b", "c1", "p")
	require.NoError(t, cache.Put(a1, turn(a1, "1", now)))
	require.NoError(t, cache.Put(a1, turn(a1, "2", now)))
	require.NoError(t, cache.Put(a2, turn(a2, "3", now)))
	require.NoError(t, cache.Put(b1, turn(b1, "4", now)))

	scopeA, err := tenant.Only("a")
	require.NoError(t, err)
	entries, interactions := cache.Stats(scopeA)
	assert.Equal(t, 2, entries)
	assert.Equal(t, 3, interactions)

	cache.Clear()
	entries, _ = cache.Stats(tenant.Global())
	assert.Zero(t, entries)
}
