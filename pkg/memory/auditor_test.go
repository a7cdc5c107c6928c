package memory

import (
	"context"
	"testing"
	"time"

	"github.com/dotsetgreg/supportdesk/pkg/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsolationAuditor_CleanSystem(t *testing.T) {
	store := newTestStore(t)
	cache := NewShortTermCache(0)
	k := testKey("acme", "c1", "p1")
	require.NoError(t, cache.Put(k, turn(k, "hi", time.Now())))
	appendAt(t, store, "acme", "c1", "p1", "hi", time.Now())

	report, err := NewIsolationAuditor(store, cache, time.Second, nil).Audit(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, 1, report.CacheKeys)
	assert.Len(t, report.Recommendations, 1)
}

func TestIsolationAuditor_CacheKeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cache := NewShortTermCache(0)
	auditor := NewIsolationAuditor(store, cache, time.Second, nil)

	_, ok := cache.ImportLegacy("c1_p1", []Interaction{{UserMessage: "before tenants", Timestamp: time.Now()}})
	require.False(t, ok)

	report, err := auditor.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, report.Violations, 1)
	v := report.Violations[0]
	assert.Equal(t, ViolationCacheKeyWithoutTenant, v.Type)
	assert.Equal(t, SeverityHigh, v.Severity)
	assert.Equal(t, ViolationDetected, v.Status)
	assert.EqualValues(t, 1, v.Count)
	assert.Equal(t, []string{"c1_p1"}, v.Keys)
	assert.NotEmpty(t, report.Recommendations)

	repaired, err := auditor.Repair(ctx, "default-co")
	require.NoError(t, err)
	assert.Equal(t, 1, repaired.CacheKeysFixed)
	assert.Zero(t, repaired.PersistentFixed)
	require.Len(t, repaired.Violations, 1)
	assert.Equal(t, ViolationRepaired, repaired.Violations[0].Status)

	report, err = auditor.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())

	items, ok := cache.Get(testKey("default-co", "c1", "p1"))
	require.True(t, ok)
	assert.Equal(t, []string{"before tenants"}, messages(items))
}

func TestIsolationAuditor_UntenantedRecords(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	auditor := NewIsolationAuditor(store, NewShortTermCache(0), time.Second, nil)
	insertUntenanted(t, store, "legacy-1", nil)
	insertUntenanted(t, store, "legacy-2", nil)

	report, err := auditor.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, ViolationRecordsWithoutTenant, report.Violations[0].Type)
	assert.Equal(t, SeverityCritical, report.Violations[0].Severity)
	assert.EqualValues(t, 2, report.Violations[0].Count)

	repaired, err := auditor.Repair(ctx, "default-co")
	require.NoError(t, err)
	assert.EqualValues(t, 2, repaired.PersistentFixed)

	items, err := store.ListByParticipant(ctx, "default-co", "p1", 10)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	report, err = auditor.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestIsolationAuditor_RepairNeedsDefaultTenant(t *testing.T) {
	store := newTestStore(t)
	insertUntenanted(t, store, "legacy-1", nil)
	auditor := NewIsolationAuditor(store, NewShortTermCache(0), time.Second, nil)

	_, err := auditor.Repair(context.Background(), "  ")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRepairPrecondition)
	assert.ErrorIs(t, err, tenant.ErrMissingTenant)

	n, err := store.CountWithoutTenant(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "nothing changes on a rejected repair")
}

func TestIsolationAuditor_IgnoreViolation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	insertUntenanted(t, store, "legacy-1", nil)
	auditor := NewIsolationAuditor(store, NewShortTermCache(0), time.Second, nil)

	assert.Error(t, auditor.IgnoreViolation("SOMETHING_ELSE"))
	require.NoError(t, auditor.IgnoreViolation(ViolationRecordsWithoutTenant))

	report, err := auditor.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, ViolationIgnored, report.Violations[0].Status)
	assert.True(t, report.Clean(), "ignored violations do not fail the audit")
	assert.Contains(t, report.Recommendations[0], "ignored")

	_, err = auditor.Repair(ctx, "default-co")
	require.NoError(t, err)
	insertUntenanted(t, store, "legacy-2", nil)

	report, err = auditor.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, ViolationDetected, report.Violations[0].Status, "repair resets ignored types")
}

func TestIsolationAuditor_StoreFailure(t *testing.T) {
	cache := NewShortTermCache(0)
	_, _ = cache.ImportLegacy("orphan", []Interaction{{Timestamp: time.Now()}})
	auditor := NewIsolationAuditor(&failingStore{Store: newTestStore(t)}, cache, time.Second, nil)

	report, err := auditor.Audit(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, ViolationCacheKeyWithoutTenant, report.Violations[0].Type)
}
