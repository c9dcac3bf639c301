// Package follow provides the directed follow edge domain.
//
// An edge is the ordered pair (follower, followed); the pair itself is the
// identity of the record, there is no surrogate key. Endpoints are opaque
// identifiers owned by the identity service: this package never validates
// that they resolve to live identities, and readers must tolerate dangling
// edges to deleted ones.
package follow

import (
	"strings"
	"time"

	apperrors "github.com/resonatefm/resonate/internal/platform/errors"
)

var (
	// ErrSelfFollow indicates an edge whose two endpoints are the same identity.
	ErrSelfFollow = apperrors.New(apperrors.CodeFollowSelf, "an identity cannot follow itself")
	// ErrEmptyFollower indicates a missing follower endpoint.
	ErrEmptyFollower = apperrors.WithMetadata(apperrors.CodeFollowEmptyEndpoint, "follower id is required", map[string]string{"Field": "followerId"})
	// ErrEmptyFollowed indicates a missing followed endpoint.
	ErrEmptyFollowed = apperrors.WithMetadata(apperrors.CodeFollowEmptyEndpoint, "followed id is required", map[string]string{"Field": "followedId"})
)

// Edge is one directed follow relationship. Edges are created and deleted,
// never mutated.
type Edge struct {
	FollowerID string
	FollowedID string
	CreatedAt  time.Time
}

// NewEdge validates endpoints and builds an edge.
//
// The self-loop check runs before any storage access, regardless of prior
// state.
func NewEdge(followerID string, followedID string, now func() time.Time) (Edge, error) {
	if now == nil {
		now = time.Now
	}
	followerID = strings.TrimSpace(followerID)
	followedID = strings.TrimSpace(followedID)
	if followerID == "" {
		return Edge{}, ErrEmptyFollower
	}
	if followedID == "" {
		return Edge{}, ErrEmptyFollowed
	}
	if followerID == followedID {
		return Edge{}, ErrSelfFollow
	}
	return Edge{
		FollowerID: followerID,
		FollowedID: followedID,
		CreatedAt:  now().UTC(),
	}, nil
}
