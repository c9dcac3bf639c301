// Package rest exposes the follow graph over HTTP with JSON payloads.
//
// Reads are public. Mutations require a bearer credential whose subject is
// the follower, or an Admin credential acting on their behalf. Denial
// reasons are recorded to telemetry only.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/resonatefm/resonate/internal/credential"
	"github.com/resonatefm/resonate/internal/credential/authz"
	apperrors "github.com/resonatefm/resonate/internal/platform/errors"
	"github.com/resonatefm/resonate/internal/platform/telemetry"
	"github.com/resonatefm/resonate/internal/services/relationships/follow"
	"github.com/resonatefm/resonate/internal/services/relationships/storage"
)

// AdminRole is the role name that may mutate edges on another identity's
// behalf. It mirrors the role registry owned by the identity service.
const AdminRole = "Admin"

// Server hosts follow graph HTTP endpoints.
type Server struct {
	store     storage.FollowStore
	verifier  *credential.Verifier
	telemetry *telemetry.Emitter
	clock     func() time.Time
}

// NewServer builds a relationships HTTP server bound to its store.
func NewServer(store storage.FollowStore, verifier *credential.Verifier, emitter *telemetry.Emitter) *Server {
	return &Server{
		store:     store,
		verifier:  verifier,
		telemetry: emitter,
		clock:     time.Now,
	}
}

// WithClock overrides the server clock. Intended for tests.
func (s *Server) WithClock(clock func() time.Time) *Server {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// RegisterRoutes wires relationship endpoints into the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("POST /relationships/{targetId}/follow", s.handleFollow)
	mux.HandleFunc("DELETE /relationships/{targetId}/follow", s.handleUnfollow)
	mux.HandleFunc("GET /relationships/{id}/followers", s.handleFollowers)
	mux.HandleFunc("GET /relationships/{id}/following", s.handleFollowing)
	mux.HandleFunc("GET /relationships/{a}/follows/{b}", s.handleIsFollowing)
	mux.HandleFunc("GET /relationships/{id}/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", handleHealth)
}

type mutationRequest struct {
	FollowerID string `json:"followerId"`
}

type edgeResponse struct {
	FollowerID string `json:"followerId"`
	FollowedID string `json:"followedId"`
}

type followersResponse struct {
	FollowerIDs []string `json:"followerIds"`
}

type followingResponse struct {
	FollowingIDs []string `json:"followingIds"`
}

type isFollowingResponse struct {
	Following bool `json:"following"`
}

type statsResponse struct {
	FollowerCount  int64 `json:"followerCount"`
	FollowingCount int64 `json:"followingCount"`
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	followerID, targetID, ok := s.mutationParties(w, r)
	if !ok {
		return
	}

	edge, err := follow.NewEdge(followerID, targetID, s.clock)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	ctx := r.Context()
	if err := s.store.CreateFollow(ctx, edge); err != nil {
		if errors.Is(err, storage.ErrAlreadyFollowing) {
			_ = s.telemetry.Emit(ctx, telemetry.Event{
				Severity: telemetry.SeverityInfo,
				Name:     "follow.conflict",
				Subject:  followerID,
				Reason:   string(apperrors.CodeFollowAlreadyExists),
			})
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, edgeResponse{FollowerID: edge.FollowerID, FollowedID: edge.FollowedID})
}

func (s *Server) handleUnfollow(w http.ResponseWriter, r *http.Request) {
	followerID, targetID, ok := s.mutationParties(w, r)
	if !ok {
		return
	}

	if err := s.store.DeleteFollow(r.Context(), followerID, targetID); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, edgeResponse{FollowerID: followerID, FollowedID: targetID})
}

// mutationParties decodes the follower from the body, the target from the
// path, and enforces the owner-or-admin policy.
func (s *Server) mutationParties(w http.ResponseWriter, r *http.Request) (followerID string, targetID string, ok bool) {
	var req mutationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON")
		return "", "", false
	}
	followerID = strings.TrimSpace(req.FollowerID)
	targetID = strings.TrimSpace(r.PathValue("targetId"))

	// A missing follower is a validation failure, not a policy denial;
	// reporting it before the policy check keeps SubjectIs from matching an
	// empty owner.
	if followerID == "" {
		writeDomainError(w, follow.ErrEmptyFollower)
		return "", "", false
	}

	if !s.require(w, r, authz.AnyOf(authz.SubjectIs(followerID), authz.RoleContains(AdminRole))) {
		return "", "", false
	}
	return followerID, targetID, true
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.Followers(r.Context(), strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, followersResponse{FollowerIDs: ids})
}

func (s *Server) handleFollowing(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.Following(r.Context(), strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, followingResponse{FollowingIDs: ids})
}

func (s *Server) handleIsFollowing(w http.ResponseWriter, r *http.Request) {
	following, err := s.store.IsFollowing(r.Context(), strings.TrimSpace(r.PathValue("a")), strings.TrimSpace(r.PathValue("b")))
	if err != nil {
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, isFollowingResponse{Following: following})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context(), strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		FollowerCount:  stats.FollowerCount,
		FollowingCount: stats.FollowingCount,
	})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// require verifies the bearer credential and evaluates the predicate,
// writing the uniform denial response and telemetry on failure.
func (s *Server) require(w http.ResponseWriter, r *http.Request, predicate authz.Predicate) bool {
	ctx := r.Context()

	token, ok := bearerToken(r)
	if !ok {
		s.deny(ctx, w, http.StatusUnauthorized, "", authz.Deny(authz.ReasonBadSignature))
		return false
	}
	claims, err := s.verifier.Verify(token)
	if err != nil {
		s.deny(ctx, w, http.StatusUnauthorized, "", authz.DenyFromVerification(err))
		return false
	}
	decision := authz.Authorize(claims, predicate)
	if !decision.Allowed {
		s.deny(ctx, w, http.StatusForbidden, claims.Subject, decision)
		return false
	}
	return true
}

func (s *Server) deny(ctx context.Context, w http.ResponseWriter, status int, subject string, decision authz.Decision) {
	_ = s.telemetry.Emit(ctx, telemetry.Event{
		Severity: telemetry.SeverityWarn,
		Name:     "authz.denied",
		Subject:  subject,
		Reason:   string(decision.Reason),
	})
	if status == http.StatusForbidden {
		writeJSON(w, status, map[string]string{"error": "forbidden"})
		return
	}
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// decodeJSON tolerates unknown fields; clients may send payloads with
// extras this service does not consume.
func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

type errorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatusOf(err)
	if status == http.StatusInternalServerError {
		writeInternalError(w)
		return
	}
	resp := errorResponse{Error: string(apperrors.CodeOf(err))}
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		resp.Message = domainErr.Message
		if len(domainErr.Metadata) > 0 {
			resp.Fields = domainErr.Metadata
		}
	}
	writeJSON(w, status, resp)
}

func writeInternalError(w http.ResponseWriter) {
	writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}

func writeJSONError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}
