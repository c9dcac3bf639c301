// Package storage defines persistence contracts for the follow graph.
package storage

import (
	"context"

	apperrors "github.com/resonatefm/resonate/internal/platform/errors"
	"github.com/resonatefm/resonate/internal/services/relationships/follow"
)

// ErrAlreadyFollowing indicates the directed edge already exists.
var ErrAlreadyFollowing = apperrors.New(apperrors.CodeFollowAlreadyExists, "already following")

// ErrNotFollowing indicates the directed edge does not exist.
var ErrNotFollowing = apperrors.New(apperrors.CodeFollowNotFound, "not following")

// Stats carries derived aggregate counts for one identity. Counts are
// computed from the edge set on demand, never stored.
type Stats struct {
	FollowerCount  int64
	FollowingCount int64
}

// FollowStore owns the edge set and its invariants: no duplicate pairs, and
// mutation of one ordered pair is effectively atomic, so concurrent
// duplicate follows resolve to exactly one success.
type FollowStore interface {
	// CreateFollow inserts one edge; an existing pair reports
	// ErrAlreadyFollowing.
	CreateFollow(ctx context.Context, edge follow.Edge) error
	// DeleteFollow removes one edge; an absent pair reports ErrNotFollowing
	// so callers can distinguish removal from a no-op.
	DeleteFollow(ctx context.Context, followerID string, followedID string) error
	// IsFollowing reports edge existence via the pair index.
	IsFollowing(ctx context.Context, followerID string, followedID string) (bool, error)
	// Followers returns all x with an edge (x, userID). Order unspecified.
	Followers(ctx context.Context, userID string) ([]string, error)
	// Following returns all y with an edge (userID, y). Order unspecified.
	Following(ctx context.Context, userID string) ([]string, error)
	// Stats counts both directions against a single snapshot of the edge set.
	Stats(ctx context.Context, userID string) (Stats, error)
}
