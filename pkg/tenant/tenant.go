// Package tenant holds the tenant isolation primitives shared by every
// memory tier: the scoped cache key, the cleanup/stats scope, and the
// single validation point for tenant identifiers.
package tenant

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingTenant is returned whenever an operation is invoked without a
// tenant identifier. It is a caller bug and is never retried.
var ErrMissingTenant = errors.New("missing tenant id")

// keySeparator joins key components in the legacy string form.
const keySeparator = "_"

// Require validates a tenant identifier and returns it trimmed.
func Require(op, tenantID string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", fmt.Errorf("%s: %w", op, ErrMissingTenant)
	}
	return tenantID, nil
}

// Key addresses one conversation thread of one participant inside a tenant.
// It is comparable and is used directly as a map key.
type Key struct {
	TenantID       string
	ConversationID string
	ParticipantID  string
}

// NewKey builds a Key, failing when the tenant component is empty.
func NewKey(tenantID, conversationID, participantID string) (Key, error) {
	t, err := Require("new key", tenantID)
	if err != nil {
		return Key{}, err
	}
	return Key{
		TenantID:       t,
		ConversationID: strings.TrimSpace(conversationID),
		ParticipantID:  strings.TrimSpace(participantID),
	}, nil
}

// Valid reports whether the key carries a tenant.
func (k Key) Valid() bool {
	return strings.TrimSpace(k.TenantID) != ""
}

// String renders the legacy "tenant_conversation_participant" form.
func (k Key) String() string {
	return k.TenantID + keySeparator + k.ConversationID + keySeparator + k.ParticipantID
}

// BelongsTo reports whether the key is owned by tenantID.
func (k Key) BelongsTo(tenantID string) bool {
	return k.TenantID == tenantID
}

// ComponentCount returns how many separator-delimited components a raw
// legacy key decomposes into.
func ComponentCount(raw string) int {
	if raw == "" {
		return 0
	}
	return len(strings.Split(raw, keySeparator))
}

// ParseLegacyKey converts a pre-scoping string key into a Key. Keys with
// fewer than three components, or an empty tenant component, are rejected.
// Any separators past the second belong to the participant id.
func ParseLegacyKey(raw string) (Key, bool) {
	if ComponentCount(raw) < 3 {
		return Key{}, false
	}
	parts := strings.SplitN(raw, keySeparator, 3)
	k := Key{TenantID: parts[0], ConversationID: parts[1], ParticipantID: parts[2]}
	if !k.Valid() {
		return Key{}, false
	}
	return k, true
}

// RescopeLegacyKey attaches defaultTenantID to a malformed legacy key. An
// empty tenant component is filled in; otherwise the tenant is prepended.
// A single leftover component is treated as the participant id of an
// unnamed conversation.
func RescopeLegacyKey(defaultTenantID, raw string) (Key, error) {
	t, err := Require("rescope key", defaultTenantID)
	if err != nil {
		return Key{}, err
	}
	if parts := strings.SplitN(raw, keySeparator, 3); len(parts) == 3 && strings.TrimSpace(parts[0]) == "" {
		return Key{TenantID: t, ConversationID: parts[1], ParticipantID: parts[2]}, nil
	}
	if k, ok := ParseLegacyKey(t + keySeparator + raw); ok {
		return k, nil
	}
	return Key{TenantID: t, ConversationID: LegacyConversationID, ParticipantID: raw}, nil
}

// LegacyConversationID names the conversation that rescoped single-component
// keys are filed under.
const LegacyConversationID = "legacy"
