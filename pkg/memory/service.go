package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/dotsetgreg/supportdesk/pkg/logger"
	"github.com/dotsetgreg/supportdesk/pkg/tenant"
	"golang.org/x/sync/errgroup"
)

// Config configures the memory subsystem.
type Config struct {
	Workspace string
	// DBPath overrides the default <workspace>/state/memory.db location.
	DBPath string
	// Store replaces the SQLite store, mostly for tests.
	Store Store
	// Registry, when set, rejects writes for tenants it does not know.
	Registry TenantRegistry

	CacheCapacity     int
	Retention         time.Duration
	CacheHorizon      time.Duration
	HistoryMaxAgeDays int
	AnalysisWindow    int
	StoreTimeout      time.Duration
	SweepEveryWrites  int
	// JanitorSchedule is a cron expression; empty disables the background
	// janitor.
	JanitorSchedule string
	Now             func() time.Time
}

const DefaultHistoryLimit = 10

// Service is the memory store facade used by the chat pipeline. It owns the
// short-term cache exclusively; the store is the system of record.
type Service struct {
	cfg      Config
	store    Store
	cache    *ShortTermCache
	janitor  *RetentionJanitor
	auditor  *IsolationAuditor
	registry TenantRegistry
	now      func() time.Time

	writes    atomic.Int64
	ownsStore bool
	closeOnce sync.Once
	closeErr  error
}

func NewService(cfg Config) (*Service, error) {
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = DefaultCacheCapacity
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.CacheHorizon <= 0 {
		cfg.CacheHorizon = DefaultCacheHorizon
	}
	if cfg.HistoryMaxAgeDays < 0 {
		cfg.HistoryMaxAgeDays = 0
	}
	if cfg.AnalysisWindow <= 0 {
		cfg.AnalysisWindow = DefaultAnalysisWindow
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 3 * time.Second
	}
	if cfg.SweepEveryWrites <= 0 {
		cfg.SweepEveryWrites = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	store := cfg.Store
	ownsStore := false
	if store == nil {
		dbPath := cfg.DBPath
		if strings.TrimSpace(dbPath) == "" {
			if strings.TrimSpace(cfg.Workspace) == "" {
				return nil, fmt.Errorf("memory workspace or db path is required")
			}
			dbPath = filepath.Join(cfg.Workspace, "state", "memory.db")
		}
		sqlStore, err := NewSQLiteStore(dbPath)
		if err != nil {
			return nil, err
		}
		store = sqlStore
		ownsStore = true
	}

	cache := NewShortTermCache(cfg.CacheCapacity)
	svc := &Service{
		cfg:       cfg,
		store:     store,
		cache:     cache,
		janitor:   NewRetentionJanitor(store, cache, cfg.Retention, cfg.CacheHorizon, cfg.StoreTimeout, cfg.Now),
		auditor:   NewIsolationAuditor(store, cache, cfg.StoreTimeout, cfg.Now),
		registry:  cfg.Registry,
		now:       cfg.Now,
		ownsStore: ownsStore,
	}

	if strings.TrimSpace(cfg.JanitorSchedule) != "" {
		if err := svc.janitor.Start(cfg.JanitorSchedule, tenant.Global()); err != nil {
			_ = svc.Close()
			return nil, err
		}
	}
	return svc, nil
}

func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.janitor.Stop()
		if s.ownsStore {
			s.closeErr = s.store.Close()
		}
	})
	return s.closeErr
}

// Cache exposes the short-term tier for maintenance tooling.
func (s *Service) Cache() *ShortTermCache { return s.cache }

func (s *Service) Auditor() *IsolationAuditor { return s.auditor }

func (s *Service) Janitor() *RetentionJanitor { return s.janitor }

// historyFloor is the oldest timestamp history reads return, or zero when
// history is not age-filtered.
func (s *Service) historyFloor() time.Time {
	if s.cfg.HistoryMaxAgeDays <= 0 {
		return time.Time{}
	}
	return s.now().AddDate(0, 0, -s.cfg.HistoryMaxAgeDays)
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return withStoreTimeout(ctx, s.cfg.StoreTimeout)
}

// messageText serializes structured payloads to text.
func messageText(v any) string {
	switch m := v.(type) {
	case nil:
		return ""
	case string:
		return m
	case []byte:
		return string(m)
	case fmt.Stringer:
		return m.String()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

// SaveInteraction records one turn in both tiers. Store failures are
// returned; the turn is still kept in the cache without an id so the live
// conversation keeps its context.
func (s *Service) SaveInteraction(ctx context.Context, req SaveRequest) (Interaction, error) {
	tenantID, err := tenant.Require("save interaction", req.TenantID)
	if err != nil {
		return Interaction{}, err
	}
	if s.registry != nil {
		rctx, cancel := s.storeCtx(ctx)
		ok, err := s.registry.Exists(rctx, tenantID)
		cancel()
		if err != nil {
			return Interaction{}, unavailable("save interaction: tenant lookup", err)
		}
		if !ok {
			return Interaction{}, fmt.Errorf("save interaction: %w: %s", ErrUnknownTenant, tenantID)
		}
	}
	key, err := tenant.NewKey(tenantID, req.ConversationID, req.ParticipantID)
	if err != nil {
		return Interaction{}, err
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	// Both tiers hold the store's millisecond precision.
	ts = time.UnixMilli(ts.UnixMilli())
	userMessage := messageText(req.UserMessage)
	meta := map[string]string{
		"message_length":  strconv.Itoa(utf8.RuneCountInString(userMessage)),
		"response_length": strconv.Itoa(utf8.RuneCountInString(req.AgentResponse)),
	}
	if req.ProcessingTime > 0 {
		meta["processing_time_ms"] = strconv.FormatInt(req.ProcessingTime.Milliseconds(), 10)
	}
	in := Interaction{
		TenantID:       key.TenantID,
		ConversationID: key.ConversationID,
		ParticipantID:  key.ParticipantID,
		UserMessage:    userMessage,
		AgentResponse:  req.AgentResponse,
		Intent:         req.Intent,
		Sentiment:      req.Sentiment,
		Timestamp:      ts,
		Metadata:       meta,
	}

	sctx, cancel := s.storeCtx(ctx)
	stored, storeErr := s.store.Append(sctx, in)
	cancel()
	if storeErr != nil {
		_ = s.cache.Put(key, in)
		logger.ErrorCF("memory", "Failed to persist interaction", map[string]interface{}{
			"tenant_id":       key.TenantID,
			"conversation_id": key.ConversationID,
			"error":           storeErr.Error(),
		})
		return in, fmt.Errorf("save interaction: %w", storeErr)
	}
	if err := s.cache.Put(key, stored); err != nil {
		return stored, err
	}

	if s.writes.Add(1)%int64(s.cfg.SweepEveryWrites) == 0 {
		if n := s.cache.EvictStale(s.now().Add(-s.cfg.CacheHorizon), tenant.Global()); n > 0 {
			logger.DebugCF("memory", "Swept stale cache entries", map[string]interface{}{"evicted": n})
		}
	}
	return stored, nil
}

// onlyTenant drops anything not owned by tenantID.
func onlyTenant(items []Interaction, tenantID string) []Interaction {
	out := make([]Interaction, 0, len(items))
	for _, in := range items {
		if in.TenantID == tenantID {
			out = append(out, in)
		}
	}
	return out
}

// GetConversationMemory returns up to limit interactions of one thread,
// oldest first. When the store fails the cached turns are returned, or an
// empty history when nothing is cached.
func (s *Service) GetConversationMemory(ctx context.Context, tenantID, conversationID, participantID string, limit int) ([]Interaction, error) {
	key, err := tenant.NewKey(tenantID, conversationID, participantID)
	if err != nil {
		return nil, fmt.Errorf("get conversation memory: %w", err)
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if items, ok := s.cache.recent(key, limit); ok {
		return onlyTenant(items, key.TenantID), nil
	}

	fetch := limit
	if fetch < s.cache.Capacity() {
		fetch = s.cache.Capacity()
	}
	gen := s.cache.Generation()
	sctx, cancel := s.storeCtx(ctx)
	items, err := s.store.QueryRecent(sctx, key.TenantID, key.ConversationID, key.ParticipantID, fetch, s.historyFloor())
	cancel()
	if err != nil {
		logger.WarnCF("memory", "Conversation history unavailable", map[string]interface{}{
			"tenant_id":       key.TenantID,
			"conversation_id": key.ConversationID,
			"error":           err.Error(),
		})
		return s.cachedHistory(key, limit), nil
	}
	items = onlyTenant(items, key.TenantID)
	if len(items) > 0 {
		s.cache.WarmIfCurrent(gen, key, items, len(items) < fetch)
	}
	if len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items, nil
}

// cachedHistory serves the newest limit cached turns of a thread while the
// store is unreachable.
func (s *Service) cachedHistory(key tenant.Key, limit int) []Interaction {
	items, ok := s.cache.Get(key)
	if !ok {
		return []Interaction{}
	}
	items = onlyTenant(items, key.TenantID)
	if len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items
}

// SearchMemories finds interactions of one thread whose message or response
// contains substring, case-insensitively, newest first.
func (s *Service) SearchMemories(ctx context.Context, tenantID, conversationID, participantID, substring string, limit int) ([]Interaction, error) {
	key, err := tenant.NewKey(tenantID, conversationID, participantID)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	if limit <= 0 {
		limit = 5
	}
	if substring == "" {
		return []Interaction{}, nil
	}

	if cached, ok := s.cache.recent(key, s.cache.Capacity()+1); ok {
		return searchCached(onlyTenant(cached, key.TenantID), substring, limit), nil
	}

	sctx, cancel := s.storeCtx(ctx)
	items, err := s.store.Search(sctx, key.TenantID, key.ConversationID, key.ParticipantID, substring, limit)
	cancel()
	if err != nil {
		logger.WarnCF("memory", "Memory search unavailable", map[string]interface{}{
			"tenant_id":       key.TenantID,
			"conversation_id": key.ConversationID,
			"error":           err.Error(),
		})
		cached, _ := s.cache.Get(key)
		return searchCached(onlyTenant(cached, key.TenantID), substring, limit), nil
	}
	return onlyTenant(items, key.TenantID), nil
}

func searchCached(items []Interaction, substring string, limit int) []Interaction {
	needle := strings.ToLower(substring)
	out := []Interaction{}
	for i := len(items) - 1; i >= 0 && len(out) < limit; i-- {
		in := items[i]
		if strings.Contains(strings.ToLower(in.UserMessage), needle) || strings.Contains(strings.ToLower(in.AgentResponse), needle) {
			out = append(out, in)
		}
	}
	return out
}

// GetCustomerProfile derives a participant's profile from their most recent
// interactions in the tenant. It returns nil when there is no history.
func (s *Service) GetCustomerProfile(ctx context.Context, tenantID, participantID string) (*CustomerProfile, error) {
	tenantID, err := tenant.Require("get customer profile", tenantID)
	if err != nil {
		return nil, err
	}
	sctx, cancel := s.storeCtx(ctx)
	items, err := s.store.ListByParticipant(sctx, tenantID, participantID, s.cfg.AnalysisWindow)
	cancel()
	if err != nil {
		logger.WarnCF("memory", "Customer profile unavailable", map[string]interface{}{
			"tenant_id": tenantID,
			"error":     err.Error(),
		})
		return nil, nil
	}
	return AnalyzeProfile(tenantID, participantID, onlyTenant(items, tenantID)), nil
}

// GetConversationSummary summarizes one thread. It returns nil when there is
// no history.
func (s *Service) GetConversationSummary(ctx context.Context, tenantID, conversationID, participantID string) (*ConversationSummary, error) {
	key, err := tenant.NewKey(tenantID, conversationID, participantID)
	if err != nil {
		return nil, fmt.Errorf("get conversation summary: %w", err)
	}
	sctx, cancel := s.storeCtx(ctx)
	items, err := s.store.QueryRecent(sctx, key.TenantID, key.ConversationID, key.ParticipantID, s.cfg.AnalysisWindow, time.Time{})
	cancel()
	if err != nil {
		logger.WarnCF("memory", "Conversation summary unavailable", map[string]interface{}{
			"tenant_id":       key.TenantID,
			"conversation_id": key.ConversationID,
			"error":           err.Error(),
		})
		return nil, nil
	}
	return BuildSummary(key, onlyTenant(items, key.TenantID)), nil
}

// ClearCustomerMemory erases a participant's interactions in one tenant and
// returns how many persisted rows were deleted.
func (s *Service) ClearCustomerMemory(ctx context.Context, tenantID, participantID string) (int64, error) {
	tenantID, err := tenant.Require("clear customer memory", tenantID)
	if err != nil {
		return 0, err
	}
	sctx, cancel := s.storeCtx(ctx)
	deleted, storeErr := s.store.DeleteByParticipant(sctx, tenantID, participantID)
	cancel()

	evicted := s.cache.InvalidateWhere(func(k tenant.Key) bool {
		return k.TenantID == tenantID && k.ParticipantID == participantID
	})
	if storeErr != nil {
		return 0, fmt.Errorf("clear customer memory: %w", storeErr)
	}
	logger.InfoCF("memory", "Customer memory cleared", map[string]interface{}{
		"tenant_id":     tenantID,
		"deleted":       deleted,
		"cache_evicted": evicted,
	})
	return deleted, nil
}

// CleanupOldMemories applies the retention window over scope.
func (s *Service) CleanupOldMemories(ctx context.Context, scope tenant.Scope) (CleanupReport, error) {
	return s.janitor.Run(ctx, scope)
}

// GetMemoryStats reports counts for both tiers. Store queries run
// concurrently under one deadline.
func (s *Service) GetMemoryStats(ctx context.Context, scope tenant.Scope) (MemoryStats, error) {
	if !scope.Valid() {
		return MemoryStats{}, fmt.Errorf("get memory stats: %w", tenant.ErrMissingTenant)
	}
	stats := MemoryStats{Scope: scope.String(), Isolated: !scope.IsGlobal()}
	stats.CacheEntries, stats.CachedInteractions = s.cache.Stats(scope)

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error {
		c, err := s.store.Counts(gctx, scope)
		stats.Persistent = c
		return err
	})
	g.Go(func() error {
		d, err := s.store.IntentDistribution(gctx, scope)
		stats.IntentDistribution = d
		return err
	})
	if scope.IsGlobal() {
		g.Go(func() error {
			d, err := s.store.TenantDistribution(gctx)
			stats.TenantDistribution = d
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return stats, fmt.Errorf("get memory stats: %w", err)
	}
	return stats, nil
}

func (s *Service) AuditMemoryIsolation(ctx context.Context) (AuditReport, error) {
	return s.auditor.Audit(ctx)
}

func (s *Service) FixIsolationViolations(ctx context.Context, defaultTenantID string) (RepairReport, error) {
	return s.auditor.Repair(ctx, defaultTenantID)
}
