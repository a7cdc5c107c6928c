package memory

import (
	"context"
	"time"

	"github.com/dotsetgreg/supportdesk/pkg/tenant"
)

// Store is the durable system of record for interactions. Every query is
// tenant-scoped unless it takes an explicit tenant.Scope.
type Store interface {
	Close() error
	Append(ctx context.Context, in Interaction) (Interaction, error)
	// QueryRecent returns up to limit interactions of one thread created at
	// or after since, oldest first. A zero since disables the age filter.
	QueryRecent(ctx context.Context, tenantID, conversationID, participantID string, limit int, since time.Time) ([]Interaction, error)
	Search(ctx context.Context, tenantID, conversationID, participantID, substring string, limit int) ([]Interaction, error)
	ListByParticipant(ctx context.Context, tenantID, participantID string, limit int) ([]Interaction, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time, scope tenant.Scope) (int64, error)
	DeleteByParticipant(ctx context.Context, tenantID, participantID string) (int64, error)

	CountWithoutTenant(ctx context.Context) (int64, error)
	AssignTenant(ctx context.Context, defaultTenantID string) (int64, error)

	Counts(ctx context.Context, scope tenant.Scope) (StoreCounts, error)
	IntentDistribution(ctx context.Context, scope tenant.Scope) (map[string]int64, error)
	TenantDistribution(ctx context.Context) (map[string]int64, error)
}

// TenantRegistry answers whether a tenant exists. It is owned by account
// management; the memory service only reads it.
type TenantRegistry interface {
	Exists(ctx context.Context, tenantID string) (bool, error)
}
