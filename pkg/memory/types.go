package memory

import (
	"time"

	"github.com/dotsetgreg/supportdesk/pkg/tenant"
)

// Interaction is the canonical append-only record of one chat turn: the
// customer's message and the reply sent back.
type Interaction struct {
	ID             string
	TenantID       string
	ConversationID string
	ParticipantID  string
	UserMessage    string
	AgentResponse  string
	Intent         string
	Sentiment      string
	Timestamp      time.Time
	Metadata       map[string]string
}

// Key returns the cache key addressing the interaction's thread.
func (i Interaction) Key() tenant.Key {
	return tenant.Key{TenantID: i.TenantID, ConversationID: i.ConversationID, ParticipantID: i.ParticipantID}
}

// SaveRequest is the input of Service.SaveInteraction. UserMessage may be a
// string or any JSON-serializable value.
type SaveRequest struct {
	TenantID       string
	ConversationID string
	ParticipantID  string
	UserMessage    any
	AgentResponse  string
	Intent         string
	Sentiment      string
	// Timestamp defaults to the service clock when zero.
	Timestamp      time.Time
	ProcessingTime time.Duration
}

// Sentiment labels.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// Customer tiers.
const (
	TierFrequent  = "frequent"
	TierRegular   = "regular"
	TierReturning = "returning"
	TierNew       = "new"
)

// Resolution states.
const (
	ResolutionResolved      = "resolved"
	ResolutionNeedsFollowup = "needs_followup"
)

// Frequency is a count table that remembers first-insertion order.
type Frequency struct {
	Order  []string
	Counts map[string]int
}

// CustomerProfile aggregates a participant's recent interactions inside one
// tenant. It is derived on demand and never stored.
type CustomerProfile struct {
	TenantID             string
	ParticipantID        string
	TotalInteractions    int
	Intents              Frequency
	Sentiments           Frequency
	DominantIntent       string
	DominantSentiment    string
	PreferredHour        int
	InteractionFrequency float64
	FirstSeen            time.Time
	LastSeen             time.Time
	Tier                 string
}

// ConversationSummary describes one conversation thread.
type ConversationSummary struct {
	TenantID       string
	ConversationID string
	ParticipantID  string
	MessageCount   int
	StartTime      time.Time
	EndTime        time.Time
	Duration       string
	Topics         []string
	SentimentScore float64
	Sentiment      string
	Resolution     string
}

// CleanupReport is returned by the retention janitor.
type CleanupReport struct {
	PersistentDeleted int64
	CacheEvicted      int
	Total             int64
}

// StoreCounts are row counts for one scope of the persistent tier.
type StoreCounts struct {
	Interactions  int64
	Conversations int64
	Participants  int64
}

// MemoryStats describes both tiers for a scope.
type MemoryStats struct {
	Scope              string
	Isolated           bool
	Persistent         StoreCounts
	CacheEntries       int
	CachedInteractions int
	IntentDistribution map[string]int64
	// TenantDistribution is only filled for a global scope.
	TenantDistribution map[string]int64
}

// Violation types.
const (
	ViolationCacheKeyWithoutTenant = "SHORT_TERM_KEY_WITHOUT_TENANT"
	ViolationRecordsWithoutTenant  = "PERSISTENT_RECORDS_WITHOUT_TENANT"
)

// Severities.
const (
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// Violation states. A detected violation only moves on through an explicit
// Repair or IgnoreViolation call.
const (
	ViolationDetected = "detected"
	ViolationRepaired = "repaired"
	ViolationIgnored  = "ignored"
)

// Violation is one isolation finding.
type Violation struct {
	Type        string
	Severity    string
	Status      string
	Description string
	Count       int64
	Keys        []string
}

// AuditReport is the outcome of IsolationAuditor.Audit.
type AuditReport struct {
	CheckedAt       time.Time
	CacheKeys       int
	Violations      []Violation
	Recommendations []string
}

// Clean reports whether no open violation was found.
func (r AuditReport) Clean() bool {
	for _, v := range r.Violations {
		if v.Status == ViolationDetected {
			return false
		}
	}
	return true
}

// RepairReport is the outcome of IsolationAuditor.Repair.
type RepairReport struct {
	DefaultTenantID string
	PersistentFixed int64
	CacheKeysFixed  int
	Violations      []Violation
}
