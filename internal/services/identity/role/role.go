// Package role provides the role authority: the process-wide registry of
// known role names and grant operations over identities.
package role

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/resonatefm/resonate/internal/platform/errors"
	"github.com/resonatefm/resonate/internal/services/identity/storage"
)

// Role names known to every deployment. Seeded before any request is served.
const (
	NameUser     = "User"
	NameMusician = "Musician"
	NameAdmin    = "Admin"
)

// DefaultNames is the role set seeded at process start.
func DefaultNames() []string {
	return []string{NameUser, NameMusician, NameAdmin}
}

// ErrRoleNotFound indicates an undefined role name.
var ErrRoleNotFound = apperrors.New(apperrors.CodeRoleNotFound, "role is not defined")

// Registry is the immutable-after-init lookup table of known role names.
// Tests construct isolated instances instead of sharing a mutable singleton.
type Registry struct {
	ordered []string
	names   map[string]struct{}
}

// NewRegistry builds a registry from the given role names.
func NewRegistry(names ...string) *Registry {
	registry := &Registry{names: make(map[string]struct{}, len(names))}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := registry.names[name]; ok {
			continue
		}
		registry.names[name] = struct{}{}
		registry.ordered = append(registry.ordered, name)
	}
	return registry
}

// Exists reports whether the role name is defined.
func (r *Registry) Exists(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.names[name]
	return ok
}

// Names returns the defined role names in seed order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.ordered...)
}

// Authority resolves and grants roles for identities. Roles only grow:
// removal is not exposed, revocation stays an administrative escalation path.
type Authority struct {
	registry *Registry
	store    storage.RoleStore
	clock    func() time.Time
}

// NewAuthority creates a role authority over the given registry and store.
func NewAuthority(registry *Registry, store storage.RoleStore) *Authority {
	return &Authority{
		registry: registry,
		store:    store,
		clock:    time.Now,
	}
}

// WithClock overrides the authority clock for tests.
func (a *Authority) WithClock(clock func() time.Time) *Authority {
	a.clock = clock
	return a
}

// Exists reports whether the role name is defined.
func (a *Authority) Exists(role string) bool {
	return a != nil && a.registry.Exists(role)
}

// RolesOf returns the role set held by the identity.
func (a *Authority) RolesOf(ctx context.Context, userID string) ([]string, error) {
	return a.store.ListRoles(ctx, userID)
}

// HasRole reports whether the identity holds the role. Callers wanting
// idempotent assignment must check this before Assign.
func (a *Authority) HasRole(ctx context.Context, userID string, role string) (bool, error) {
	return a.store.HasRole(ctx, userID, role)
}

// Assign grants a role to an identity.
//
// Unknown role names report ErrRoleNotFound before any storage access;
// re-assignment of a held role reports storage.ErrRoleAlreadyAssigned. State
// is unchanged in both cases.
func (a *Authority) Assign(ctx context.Context, userID string, role string) error {
	role = strings.TrimSpace(role)
	if !a.registry.Exists(role) {
		return ErrRoleNotFound
	}
	return a.store.AssignRole(ctx, userID, role, a.clock().UTC())
}
