package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dotsetgreg/supportdesk/pkg/tenant"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical persistent interaction log.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the interaction database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection avoids SQLite writer lock contention between
	// goroutines of the same process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		// tenant_id stays nullable so rows written before tenant scoping can
		// be loaded and then found by the isolation auditor.
		`CREATE TABLE IF NOT EXISTS interactions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT,
			conversation_id TEXT NOT NULL DEFAULT '',
			participant_id TEXT NOT NULL DEFAULT '',
			user_message TEXT NOT NULL DEFAULT '',
			agent_response TEXT NOT NULL DEFAULT '',
			intent TEXT NOT NULL DEFAULT '',
			sentiment TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS interactions_thread_idx ON interactions(tenant_id, conversation_id, participant_id, created_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS interactions_participant_idx ON interactions(tenant_id, participant_id, created_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS interactions_created_idx ON interactions(created_at_ms);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init memory schema (%s): %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	sql = strings.Join(strings.Fields(sql), " ")
	if len(sql) > 60 {
		return sql[:60] + "..."
	}
	return sql
}

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func decodeMap(raw string) map[string]string {
	out := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// scopeFilter renders the WHERE fragment for a scope.
func scopeFilter(scope tenant.Scope) (string, []any, error) {
	if !scope.Valid() {
		return "", nil, fmt.Errorf("invalid scope: %w", tenant.ErrMissingTenant)
	}
	if scope.IsGlobal() {
		return "1 = 1", nil, nil
	}
	return "tenant_id = ?", []any{scope.TenantID()}, nil
}

func likePattern(substring string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(substring) + "%"
}

func (s *SQLiteStore) Append(ctx context.Context, in Interaction) (Interaction, error) {
	if strings.TrimSpace(in.TenantID) == "" {
		return Interaction{}, fmt.Errorf("append interaction: %w", tenant.ErrMissingTenant)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}
	in.Timestamp = time.UnixMilli(in.Timestamp.UnixMilli())
	if in.Metadata == nil {
		in.Metadata = map[string]string{}
	}

	if _, err := s.db.ExecContext(ctx, `
INSERT INTO interactions(id, tenant_id, conversation_id, participant_id, user_message, agent_response, intent, sentiment, metadata_json, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.TenantID, in.ConversationID, in.ParticipantID, in.UserMessage, in.AgentResponse,
		in.Intent, in.Sentiment, encodeMap(in.Metadata), in.Timestamp.UnixMilli()); err != nil {
		return Interaction{}, unavailable("append interaction", err)
	}
	return in, nil
}

const interactionColumns = `id, COALESCE(tenant_id, ''), conversation_id, participant_id, user_message, agent_response, intent, sentiment, metadata_json, created_at_ms`

func scanInteractions(rows *sql.Rows) ([]Interaction, error) {
	defer rows.Close()
	out := []Interaction{}
	for rows.Next() {
		var in Interaction
		var metaRaw string
		var createdMS int64
		if err := rows.Scan(&in.ID, &in.TenantID, &in.ConversationID, &in.ParticipantID, &in.UserMessage, &in.AgentResponse, &in.Intent, &in.Sentiment, &metaRaw, &createdMS); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		in.Metadata = decodeMap(metaRaw)
		in.Timestamp = time.UnixMilli(createdMS)
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interactions: %w", err)
	}
	return out, nil
}

func reverseInteractions(items []Interaction) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

func (s *SQLiteStore) QueryRecent(ctx context.Context, tenantID, conversationID, participantID string, limit int, since time.Time) ([]Interaction, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("query recent: %w", tenant.ErrMissingTenant)
	}
	if limit <= 0 {
		limit = 1
	}
	var floorMS int64
	if !since.IsZero() {
		floorMS = since.UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+interactionColumns+`
FROM interactions
WHERE tenant_id = ?
AND conversation_id = ?
AND participant_id = ?
AND created_at_ms >= ?
ORDER BY created_at_ms DESC, rowid DESC
LIMIT ?`, tenantID, conversationID, participantID, floorMS, limit)
	if err != nil {
		return nil, unavailable("query recent", err)
	}
	out, err := scanInteractions(rows)
	if err != nil {
		return nil, unavailable("query recent", err)
	}
	reverseInteractions(out)
	return out, nil
}

func (s *SQLiteStore) Search(ctx context.Context, tenantID, conversationID, participantID, substring string, limit int) ([]Interaction, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("search: %w", tenant.ErrMissingTenant)
	}
	if limit <= 0 {
		limit = 5
	}
	if substring == "" {
		return nil, nil
	}
	pattern := likePattern(substring)
	rows, err := s.db.QueryContext(ctx, `
SELECT `+interactionColumns+`
FROM interactions
WHERE tenant_id = ?
AND conversation_id = ?
AND participant_id = ?
AND (user_message LIKE ? ESCAPE '\' OR agent_response LIKE ? ESCAPE '\')
ORDER BY created_at_ms DESC, rowid DESC
LIMIT ?`, tenantID, conversationID, participantID, pattern, pattern, limit)
	if err != nil {
		return nil, unavailable("search", err)
	}
	out, err := scanInteractions(rows)
	if err != nil {
		return nil, unavailable("search", err)
	}
	return out, nil
}

// ListByParticipant returns a participant's most recent interactions across
// all of their conversations in one tenant, oldest first.
func (s *SQLiteStore) ListByParticipant(ctx context.Context, tenantID, participantID string, limit int) ([]Interaction, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("list by participant: %w", tenant.ErrMissingTenant)
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+interactionColumns+`
FROM interactions
WHERE tenant_id = ?
AND participant_id = ?
ORDER BY created_at_ms DESC, rowid DESC
LIMIT ?`, tenantID, participantID, limit)
	if err != nil {
		return nil, unavailable("list by participant", err)
	}
	out, err := scanInteractions(rows)
	if err != nil {
		return nil, unavailable("list by participant", err)
	}
	reverseInteractions(out)
	return out, nil
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, scope tenant.Scope) (int64, error) {
	filter, args, err := scopeFilter(scope)
	if err != nil {
		return 0, fmt.Errorf("delete older than: %w", err)
	}
	args = append([]any{cutoff.UnixMilli()}, args...)
	res, err := s.db.ExecContext(ctx, `DELETE FROM interactions WHERE created_at_ms < ? AND `+filter, args...)
	if err != nil {
		return 0, unavailable("delete older than", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) DeleteByParticipant(ctx context.Context, tenantID, participantID string) (int64, error) {
	if strings.TrimSpace(tenantID) == "" {
		return 0, fmt.Errorf("delete by participant: %w", tenant.ErrMissingTenant)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM interactions WHERE tenant_id = ? AND participant_id = ?`, tenantID, participantID)
	if err != nil {
		return 0, unavailable("delete by participant", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const withoutTenant = `(tenant_id IS NULL OR TRIM(tenant_id) = '')`

func (s *SQLiteStore) CountWithoutTenant(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions WHERE `+withoutTenant).Scan(&n); err != nil {
		return 0, unavailable("count without tenant", err)
	}
	return n, nil
}

func (s *SQLiteStore) AssignTenant(ctx context.Context, defaultTenantID string) (int64, error) {
	if strings.TrimSpace(defaultTenantID) == "" {
		return 0, fmt.Errorf("assign tenant: %w", tenant.ErrMissingTenant)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE interactions SET tenant_id = ? WHERE `+withoutTenant, defaultTenantID)
	if err != nil {
		return 0, unavailable("assign tenant", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) Counts(ctx context.Context, scope tenant.Scope) (StoreCounts, error) {
	filter, args, err := scopeFilter(scope)
	if err != nil {
		return StoreCounts{}, fmt.Errorf("counts: %w", err)
	}
	var c StoreCounts
	err = s.db.QueryRowContext(ctx, `
SELECT COUNT(*),
	COUNT(DISTINCT COALESCE(tenant_id, '') || char(31) || conversation_id),
	COUNT(DISTINCT COALESCE(tenant_id, '') || char(31) || participant_id)
FROM interactions
WHERE `+filter, args...).Scan(&c.Interactions, &c.Conversations, &c.Participants)
	if err != nil {
		return StoreCounts{}, unavailable("counts", err)
	}
	return c, nil
}

func (s *SQLiteStore) IntentDistribution(ctx context.Context, scope tenant.Scope) (map[string]int64, error) {
	filter, args, err := scopeFilter(scope)
	if err != nil {
		return nil, fmt.Errorf("intent distribution: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT intent, COUNT(*) FROM interactions WHERE `+filter+` GROUP BY intent`, args...)
	if err != nil {
		return nil, unavailable("intent distribution", err)
	}
	out, err := scanDistribution(rows)
	if err != nil {
		return nil, unavailable("intent distribution", err)
	}
	return out, nil
}

func (s *SQLiteStore) TenantDistribution(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT COALESCE(tenant_id, ''), COUNT(*) FROM interactions GROUP BY COALESCE(tenant_id, '')`)
	if err != nil {
		return nil, unavailable("tenant distribution", err)
	}
	out, err := scanDistribution(rows)
	if err != nil {
		return nil, unavailable("tenant distribution", err)
	}
	return out, nil
}

func scanDistribution(rows *sql.Rows) (map[string]int64, error) {
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var label string
		var n int64
		if err := rows.Scan(&label, &n); err != nil {
			return nil, fmt.Errorf("scan distribution: %w", err)
		}
		out[label] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate distribution: %w", err)
	}
	return out, nil
}
