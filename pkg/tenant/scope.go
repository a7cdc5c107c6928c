package tenant

// Scope selects which tenants a maintenance or stats call covers. The zero
// value is not usable; construct it with Global or Only so that "all
// tenants" is always an explicit choice.
type Scope struct {
	tenantID string
	global   bool
}

// Global covers every tenant.
func Global() Scope {
	return Scope{global: true}
}

// Only restricts the scope to a single tenant.
func Only(tenantID string) (Scope, error) {
	t, err := Require("scope", tenantID)
	if err != nil {
		return Scope{}, err
	}
	return Scope{tenantID: t}, nil
}

// IsGlobal reports whether the scope spans all tenants.
func (s Scope) IsGlobal() bool { return s.global }

// TenantID returns the scoped tenant, or "" for a global scope.
func (s Scope) TenantID() string { return s.tenantID }

// Valid reports whether the scope was built with Global or Only.
func (s Scope) Valid() bool { return s.global || s.tenantID != "" }

// Includes reports whether a key falls inside the scope.
func (s Scope) Includes(k Key) bool {
	if s.global {
		return true
	}
	return s.tenantID != "" && k.TenantID == s.tenantID
}

func (s Scope) String() string {
	if s.global {
		return "global"
	}
	return "tenant:" + s.tenantID
}
