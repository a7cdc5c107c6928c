package tenant

import (
	"context"
	"strings"
)

// StaticRegistry is a fixed allow-list of tenant ids, loaded from config
// when no account service is reachable.
type StaticRegistry struct {
	ids map[string]struct{}
}

func NewStaticRegistry(ids []string) *StaticRegistry {
	r := &StaticRegistry{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			r.ids[id] = struct{}{}
		}
	}
	return r
}

func (r *StaticRegistry) Exists(ctx context.Context, tenantID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, ok := r.ids[strings.TrimSpace(tenantID)]
	return ok, nil
}

func (r *StaticRegistry) Len() int { return len(r.ids) }
