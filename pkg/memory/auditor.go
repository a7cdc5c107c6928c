package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/supportdesk/pkg/logger"
	"github.com/dotsetgreg/supportdesk/pkg/tenant"
)

// IsolationAuditor finds data in either tier that lacks a tenant and, when
// asked explicitly, reassigns it to a default tenant. It never guesses a
// tenant from content.
type IsolationAuditor struct {
	store        Store
	cache        *ShortTermCache
	storeTimeout time.Duration
	now          func() time.Time

	mu      sync.Mutex
	ignored map[string]bool
}

func NewIsolationAuditor(store Store, cache *ShortTermCache, storeTimeout time.Duration, now func() time.Time) *IsolationAuditor {
	if now == nil {
		now = time.Now
	}
	return &IsolationAuditor{
		store:        store,
		cache:        cache,
		storeTimeout: storeTimeout,
		now:          now,
		ignored:      map[string]bool{},
	}
}

// Audit scans both tiers. A store failure is returned together with the
// cache findings gathered so far.
func (a *IsolationAuditor) Audit(ctx context.Context) (AuditReport, error) {
	report := AuditReport{CheckedAt: a.now(), CacheKeys: len(a.cache.RawKeys())}

	if legacy := a.cache.LegacyKeys(); len(legacy) > 0 {
		report.Violations = append(report.Violations, Violation{
			Type:        ViolationCacheKeyWithoutTenant,
			Severity:    SeverityHigh,
			Status:      a.status(ViolationCacheKeyWithoutTenant),
			Description: fmt.Sprintf("%d short-term cache key(s) without a tenant component", len(legacy)),
			Count:       int64(len(legacy)),
			Keys:        legacy,
		})
	}

	storeCtx, cancel := withStoreTimeout(ctx, a.storeTimeout)
	untenanted, err := a.store.CountWithoutTenant(storeCtx)
	cancel()
	if err != nil {
		report.Recommendations = recommendations(report)
		return report, fmt.Errorf("audit: %w", err)
	}
	if untenanted > 0 {
		report.Violations = append(report.Violations, Violation{
			Type:        ViolationRecordsWithoutTenant,
			Severity:    SeverityCritical,
			Status:      a.status(ViolationRecordsWithoutTenant),
			Description: fmt.Sprintf("%d persisted interaction(s) with an empty tenant id", untenanted),
			Count:       untenanted,
		})
	}
	report.Recommendations = recommendations(report)

	logger.InfoCF("auditor", "Isolation audit completed", map[string]interface{}{
		"violations": len(report.Violations),
		"clean":      report.Clean(),
		"cache_keys": report.CacheKeys,
	})
	return report, nil
}

func (a *IsolationAuditor) status(violationType string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ignored[violationType] {
		return ViolationIgnored
	}
	return ViolationDetected
}

// IgnoreViolation records an operator decision to leave a violation type
// unrepaired. Later audits report it as ignored until a repair runs.
func (a *IsolationAuditor) IgnoreViolation(violationType string) error {
	switch violationType {
	case ViolationCacheKeyWithoutTenant, ViolationRecordsWithoutTenant:
	default:
		return fmt.Errorf("unknown violation type %q", violationType)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ignored[violationType] = true
	return nil
}

// Repair moves every untenanted record and cache entry under
// defaultTenantID.
func (a *IsolationAuditor) Repair(ctx context.Context, defaultTenantID string) (RepairReport, error) {
	defaultTenantID = strings.TrimSpace(defaultTenantID)
	if defaultTenantID == "" {
		return RepairReport{}, fmt.Errorf("repair: %w: %w", ErrRepairPrecondition, tenant.ErrMissingTenant)
	}
	report := RepairReport{DefaultTenantID: defaultTenantID}

	storeCtx, cancel := withStoreTimeout(ctx, a.storeTimeout)
	fixed, err := a.store.AssignTenant(storeCtx, defaultTenantID)
	cancel()
	if err != nil {
		return report, fmt.Errorf("repair: %w", err)
	}
	report.PersistentFixed = fixed
	if fixed > 0 {
		report.Violations = append(report.Violations, Violation{
			Type:     ViolationRecordsWithoutTenant,
			Severity: SeverityCritical,
			Status:   ViolationRepaired,
			Count:    fixed,
		})
	}

	moved, err := a.cache.RescopeLegacy(defaultTenantID)
	report.CacheKeysFixed = len(moved)
	if len(moved) > 0 {
		report.Violations = append(report.Violations, Violation{
			Type:     ViolationCacheKeyWithoutTenant,
			Severity: SeverityHigh,
			Status:   ViolationRepaired,
			Count:    int64(len(moved)),
			Keys:     moved,
		})
	}
	if err != nil {
		return report, fmt.Errorf("repair cache: %w", err)
	}

	a.mu.Lock()
	a.ignored = map[string]bool{}
	a.mu.Unlock()

	logger.InfoCF("auditor", "Isolation violations repaired", map[string]interface{}{
		"default_tenant":   defaultTenantID,
		"persistent_fixed": report.PersistentFixed,
		"cache_keys_fixed": report.CacheKeysFixed,
	})
	return report, nil
}

func recommendations(r AuditReport) []string {
	if len(r.Violations) == 0 {
		return []string{"Tenant isolation is intact; no action needed."}
	}
	out := []string{}
	for _, v := range r.Violations {
		if v.Status == ViolationIgnored {
			out = append(out, fmt.Sprintf("%s was ignored by an operator; re-run repair to resolve it.", v.Type))
			continue
		}
		switch v.Type {
		case ViolationRecordsWithoutTenant:
			out = append(out, "Fix immediately: assign a default tenant to untenanted records with repair.")
		case ViolationCacheKeyWithoutTenant:
			out = append(out, "Fix immediately: rescope legacy cache keys with repair, or clear the short-term cache.")
		}
	}
	return out
}
