// Package storage defines persistence contracts for identity service state.
package storage

import (
	"context"
	"time"

	apperrors "github.com/resonatefm/resonate/internal/platform/errors"
	"github.com/resonatefm/resonate/internal/services/identity/user"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrUsernameTaken indicates the username is already registered.
// Username comparison is case-sensitive.
var ErrUsernameTaken = apperrors.WithMetadata(apperrors.CodeUserUsernameTaken, "username is already taken", map[string]string{"Field": "username"})

// ErrEmailTaken indicates the email address is already registered. Email
// addresses are unique across identities.
var ErrEmailTaken = apperrors.WithMetadata(apperrors.CodeUserEmailTaken, "email is already registered", map[string]string{"Field": "email"})

// ErrRoleAlreadyAssigned indicates the identity already holds the role.
var ErrRoleAlreadyAssigned = apperrors.New(apperrors.CodeRoleAlreadyAssigned, "role is already assigned")

// UserStore persists identity records.
type UserStore interface {
	PutUser(ctx context.Context, u user.User) error
	GetUser(ctx context.Context, userID string) (user.User, error)
	GetUserByUsername(ctx context.Context, username string) (user.User, error)
	// UpdateUser rewrites the mutable profile fields (email, isPrivate,
	// updatedAt) of an existing record. A missing record reports
	// ErrNotFound; an email held by another identity reports ErrEmailTaken.
	UpdateUser(ctx context.Context, u user.User) error
	// SearchUsersByUsername returns up to limit records whose username
	// contains fragment. Matching is case-sensitive, like username equality.
	SearchUsersByUsername(ctx context.Context, fragment string, limit int) ([]user.User, error)
}

// CredentialStore persists delegated password verification material.
// The hash format is owned by the hashing collaborator; this store treats it
// as opaque.
type CredentialStore interface {
	PutPasswordHash(ctx context.Context, userID string, hash string) error
	GetPasswordHash(ctx context.Context, userID string) (string, error)
}

// RoleStore persists role grants per identity.
type RoleStore interface {
	// AssignRole adds a role grant. Re-assigning a held role reports
	// ErrRoleAlreadyAssigned; it is never a silent no-op.
	AssignRole(ctx context.Context, userID string, role string, at time.Time) error
	ListRoles(ctx context.Context, userID string) ([]string, error)
	HasRole(ctx context.Context, userID string, role string) (bool, error)
}
