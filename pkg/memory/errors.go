package memory

import (
	"errors"
	"fmt"

	"github.com/dotsetgreg/supportdesk/pkg/tenant"
)

var (
	// ErrMissingTenant is re-exported so callers only need this package.
	ErrMissingTenant = tenant.ErrMissingTenant

	// ErrStoreUnavailable marks a transient persistent-tier failure. Safe
	// to retry at the caller's discretion; never retried here.
	ErrStoreUnavailable = errors.New("memory store unavailable")

	// ErrRepairPrecondition is returned when repair is invoked without a
	// default tenant.
	ErrRepairPrecondition = errors.New("repair requires a default tenant id")

	// ErrUnknownTenant is returned when a tenant registry is configured and
	// does not know the tenant.
	ErrUnknownTenant = errors.New("unknown tenant")
)

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
