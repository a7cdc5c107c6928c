package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dotsetgreg/supportdesk/pkg/logger"
	"github.com/dotsetgreg/supportdesk/pkg/tenant"
)

const (
	DefaultRetention    = 30 * 24 * time.Hour
	DefaultCacheHorizon = time.Hour
	janitorTick         = 30 * time.Second
)

// RetentionJanitor deletes interactions older than the retention window from
// the store and drops cache entries idle for longer than the cache horizon.
type RetentionJanitor struct {
	store        Store
	cache        *ShortTermCache
	retention    time.Duration
	cacheHorizon time.Duration
	storeTimeout time.Duration
	now          func() time.Time
	tick         time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	lastDue time.Time
}

func NewRetentionJanitor(store Store, cache *ShortTermCache, retention, cacheHorizon, storeTimeout time.Duration, now func() time.Time) *RetentionJanitor {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if cacheHorizon <= 0 {
		cacheHorizon = DefaultCacheHorizon
	}
	if now == nil {
		now = time.Now
	}
	return &RetentionJanitor{
		store:        store,
		cache:        cache,
		retention:    retention,
		cacheHorizon: cacheHorizon,
		storeTimeout: storeTimeout,
		now:          now,
		tick:         janitorTick,
	}
}

// Run performs one cleanup pass. The cache pass still runs when the store
// pass fails; the store error is returned alongside the partial report.
func (j *RetentionJanitor) Run(ctx context.Context, scope tenant.Scope) (CleanupReport, error) {
	if !scope.Valid() {
		return CleanupReport{}, fmt.Errorf("cleanup: %w", tenant.ErrMissingTenant)
	}
	now := j.now()
	var report CleanupReport

	storeCtx, cancel := withStoreTimeout(ctx, j.storeTimeout)
	deleted, storeErr := j.store.DeleteOlderThan(storeCtx, now.Add(-j.retention), scope)
	cancel()
	if storeErr == nil {
		report.PersistentDeleted = deleted
	}

	report.CacheEvicted = j.cache.EvictStale(now.Add(-j.cacheHorizon), scope)
	report.Total = report.PersistentDeleted + int64(report.CacheEvicted)

	fields := map[string]interface{}{
		"scope":              scope.String(),
		"persistent_deleted": report.PersistentDeleted,
		"cache_evicted":      report.CacheEvicted,
	}
	if storeErr != nil {
		fields["error"] = storeErr.Error()
		logger.WarnCF("janitor", "Retention cleanup could not reach the store", fields)
		return report, fmt.Errorf("cleanup: %w", storeErr)
	}
	logger.InfoCF("janitor", "Retention cleanup completed", fields)
	return report, nil
}

// Start runs cleanup over scope whenever the cron schedule is due.
func (j *RetentionJanitor) Start(schedule string, scope tenant.Scope) error {
	gron := gronx.New()
	if !gron.IsValid(schedule) {
		return fmt.Errorf("invalid janitor schedule %q", schedule)
	}
	if !scope.Valid() {
		return fmt.Errorf("janitor scope: %w", tenant.ErrMissingTenant)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopCh != nil {
		return fmt.Errorf("janitor already running")
	}
	j.stopCh = make(chan struct{})
	j.wg.Add(1)
	go j.loop(gron, schedule, scope, j.stopCh)
	logger.InfoCF("janitor", "Retention janitor started", map[string]interface{}{"schedule": schedule, "scope": scope.String()})
	return nil
}

// Stop halts the scheduled loop and waits for an in-flight pass.
func (j *RetentionJanitor) Stop() {
	j.mu.Lock()
	stopCh := j.stopCh
	j.stopCh = nil
	j.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	j.wg.Wait()
}

func (j *RetentionJanitor) loop(gron *gronx.Gronx, schedule string, scope tenant.Scope, stopCh chan struct{}) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			j.runIfDue(gron, schedule, scope)
		}
	}
}

func (j *RetentionJanitor) runIfDue(gron *gronx.Gronx, schedule string, scope tenant.Scope) bool {
	now := j.now().Truncate(time.Minute)
	if !now.After(j.lastDue) {
		return false
	}
	due, err := gron.IsDue(schedule, now)
	if err != nil || !due {
		return false
	}
	j.lastDue = now
	_, _ = j.Run(context.Background(), scope)
	return true
}

func withStoreTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
