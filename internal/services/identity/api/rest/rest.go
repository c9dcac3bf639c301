// Package rest exposes the identity service over HTTP with JSON payloads.
//
// Authorization failures share one uniform response body per status; the
// concrete denial reason is recorded to telemetry only, so callers cannot
// tell which check failed.
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
	"github.com/resonatefm/resonate/internal/services/identity/password"
	"github.com/resonatefm/resonate/internal/services/identity/role"
	"github.com/resonatefm/resonate/internal/services/identity/storage"
	"github.com/resonatefm/resonate/internal/services/identity/user"
)

// Server hosts identity HTTP endpoints.
type Server struct {
	users       storage.UserStore
	credentials storage.CredentialStore
	roles       *role.Authority
	hasher      password.Hasher
	issuer      *credential.Issuer
	verifier    *credential.Verifier
	telemetry   *telemetry.Emitter
	clock       func() time.Time
	idGenerator func() (string, error)
}

// Deps bundles the collaborators the server delegates to.
type Deps struct {
	Users       storage.UserStore
	Credentials storage.CredentialStore
	Roles       *role.Authority
	Hasher      password.Hasher
	Issuer      *credential.Issuer
	Verifier    *credential.Verifier
	Telemetry   *telemetry.Emitter
}

// NewServer builds an identity HTTP server bound to its collaborators.
func NewServer(deps Deps) *Server {
	return &Server{
		users:       deps.Users,
		credentials: deps.Credentials,
		roles:       deps.Roles,
		hasher:      deps.Hasher,
		issuer:      deps.Issuer,
		verifier:    deps.Verifier,
		telemetry:   deps.Telemetry,
		clock:       time.Now,
	}
}

// WithClock overrides the server clock. Intended for tests.
func (s *Server) WithClock(clock func() time.Time) *Server {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// RegisterRoutes wires identity endpoints into the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("GET /auth/users/search", s.handleSearchUsers)
	mux.HandleFunc("GET /auth/users/{id}", s.handleGetUser)
	mux.HandleFunc("PUT /auth/users/{id}", s.handleUpdateUser)
	mux.HandleFunc("POST /auth/users/{id}/roles/{role}", s.handleAssignRole)
	mux.HandleFunc("GET /healthz", handleHealth)
}

// searchLimit caps how many identities one search query returns.
const searchLimit = 10

type registerRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	IsPrivate bool   `json:"isPrivate"`
}

type registerResponse struct {
	UserID string `json:"userId"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token    string   `json:"token"`
	UserID   string   `json:"userId"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

type assignRoleResponse struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

type userResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	IsPrivate bool      `json:"isPrivate"`
	CreatedAt time.Time `json:"createdAt"`
	Roles     []string  `json:"roles"`
}

type updateUserRequest struct {
	Email     string `json:"email"`
	IsPrivate *bool  `json:"isPrivate"`
}

type updateUserResponse struct {
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	IsPrivate bool   `json:"isPrivate"`
}

type searchResult struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	IsPrivate bool   `json:"isPrivate"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON")
		return
	}

	registration, err := user.NormalizeRegistration(user.Registration{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		IsPrivate: req.IsPrivate,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	u, err := user.NewUser(registration, s.clock, s.idGenerator)
	if err != nil {
		writeInternalError(w)
		return
	}

	hash, err := s.hasher.Hash(registration.Password)
	if err != nil {
		writeInternalError(w)
		return
	}

	ctx := r.Context()
	if err := s.users.PutUser(ctx, u); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.credentials.PutPasswordHash(ctx, u.ID, hash); err != nil {
		writeInternalError(w)
		return
	}
	if err := s.roles.Assign(ctx, u.ID, role.NameUser); err != nil {
		writeInternalError(w)
		return
	}

	writeJSON(w, http.StatusOK, registerResponse{UserID: u.ID})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON")
		return
	}

	ctx := r.Context()
	username := strings.TrimSpace(req.Username)
	u, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		s.denyLogin(ctx, w, username)
		return
	}
	hash, err := s.credentials.GetPasswordHash(ctx, u.ID)
	if err != nil {
		s.denyLogin(ctx, w, username)
		return
	}
	if err := s.hasher.Compare(hash, req.Password); err != nil {
		s.denyLogin(ctx, w, username)
		return
	}

	roles, err := s.roles.RolesOf(ctx, u.ID)
	if err != nil {
		writeInternalError(w)
		return
	}
	token, err := s.issuer.Issue(credential.Subject{ID: u.ID, Username: u.Username}, roles)
	if err != nil {
		writeInternalError(w)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:    token,
		UserID:   u.ID,
		Username: u.Username,
		Roles:    roles,
	})
}

// denyLogin answers every failed login identically. Which step failed is
// telemetry-only information.
func (s *Server) denyLogin(ctx context.Context, w http.ResponseWriter, username string) {
	_ = s.telemetry.Emit(ctx, telemetry.Event{
		Severity: telemetry.SeverityWarn,
		Name:     "login.denied",
		Subject:  username,
		Reason:   string(apperrors.CodeInvalidCredentials),
	})
	writeDomainError(w, apperrors.New(apperrors.CodeInvalidCredentials, "invalid username or password"))
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.require(w, r, authz.Authenticated()); !ok {
		return
	}

	ctx := r.Context()
	u, err := s.users.GetUser(ctx, strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	roles, err := s.roles.RolesOf(ctx, u.ID)
	if err != nil {
		writeInternalError(w)
		return
	}
	if roles == nil {
		roles = []string{}
	}

	writeJSON(w, http.StatusOK, userResponse{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		IsPrivate: u.IsPrivate,
		CreatedAt: u.CreatedAt,
		Roles:     roles,
	})
}

// handleUpdateUser lets an identity edit its own profile fields; an Admin
// may edit any profile.
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.PathValue("id"))
	if _, ok := s.require(w, r, authz.AnyOf(authz.SubjectIs(userID), authz.RoleContains(role.NameAdmin))); !ok {
		return
	}

	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON")
		return
	}

	ctx := r.Context()
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	updated, err := u.WithProfileUpdate(user.ProfileUpdate{
		Email:     req.Email,
		IsPrivate: req.IsPrivate,
	}, s.clock)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.users.UpdateUser(ctx, updated); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updateUserResponse{
		UserID:    updated.ID,
		Email:     updated.Email,
		IsPrivate: updated.IsPrivate,
	})
}

func (s *Server) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.require(w, r, authz.Authenticated()); !ok {
		return
	}

	fragment := strings.TrimSpace(r.URL.Query().Get("username"))
	if fragment == "" {
		writeDomainError(w, apperrors.WithMetadata(apperrors.CodeUserEmptyUsername, "username parameter is required", map[string]string{"Field": "username"}))
		return
	}

	users, err := s.users.SearchUsersByUsername(r.Context(), fragment, searchLimit)
	if err != nil {
		writeInternalError(w)
		return
	}
	results := make([]searchResult, 0, len(users))
	for _, u := range users {
		results = append(results, searchResult{
			ID:        u.ID,
			Username:  u.Username,
			IsPrivate: u.IsPrivate,
		})
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.require(w, r, authz.RoleContains(role.NameAdmin)); !ok {
		return
	}

	ctx := r.Context()
	userID := strings.TrimSpace(r.PathValue("id"))
	roleName := strings.TrimSpace(r.PathValue("role"))

	if _, err := s.users.GetUser(ctx, userID); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.roles.Assign(ctx, userID, roleName); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, assignRoleResponse{UserID: userID, Role: roleName})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// require verifies the bearer credential and evaluates the predicate. On
// denial it writes the uniform response and records the reason to telemetry.
func (s *Server) require(w http.ResponseWriter, r *http.Request, predicate authz.Predicate) (credential.Claims, bool) {
	ctx := r.Context()

	token, ok := bearerToken(r)
	if !ok {
		s.deny(ctx, w, http.StatusUnauthorized, "", authz.Deny(authz.ReasonBadSignature))
		return credential.Claims{}, false
	}
	claims, err := s.verifier.Verify(token)
	if err != nil {
		s.deny(ctx, w, http.StatusUnauthorized, "", authz.DenyFromVerification(err))
		return credential.Claims{}, false
	}
	decision := authz.Authorize(claims, predicate)
	if !decision.Allowed {
		s.deny(ctx, w, http.StatusForbidden, claims.Subject, decision)
		return credential.Claims{}, false
	}
	return claims, true
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

// decodeJSON tolerates unknown fields so clients may send payloads with
// extras the handler does not consume, such as a rememberMe flag on login.
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
