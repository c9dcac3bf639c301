package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/resonatefm/resonate/internal/credential"
	"github.com/resonatefm/resonate/internal/platform/telemetry"
	"github.com/resonatefm/resonate/internal/services/identity/password"
	"github.com/resonatefm/resonate/internal/services/identity/role"
	"github.com/resonatefm/resonate/internal/services/identity/storage"
	"github.com/resonatefm/resonate/internal/services/identity/user"
)

type memoryStore struct {
	users  map[string]user.User
	hashes map[string]string
	roles  map[string][]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		users:  map[string]user.User{},
		hashes: map[string]string{},
		roles:  map[string][]string{},
	}
}

func (m *memoryStore) PutUser(_ context.Context, u user.User) error {
	for _, existing := range m.users {
		if existing.Username == u.Username {
			return storage.ErrUsernameTaken
		}
		if existing.Email == u.Email {
			return storage.ErrEmailTaken
		}
	}
	m.users[u.ID] = u
	return nil
}

func (m *memoryStore) UpdateUser(_ context.Context, u user.User) error {
	if _, ok := m.users[u.ID]; !ok {
		return storage.ErrNotFound
	}
	for id, existing := range m.users {
		if id != u.ID && existing.Email == u.Email {
			return storage.ErrEmailTaken
		}
	}
	m.users[u.ID] = u
	return nil
}

func (m *memoryStore) SearchUsersByUsername(_ context.Context, fragment string, limit int) ([]user.User, error) {
	var matches []user.User
	for _, u := range m.users {
		if strings.Contains(u.Username, fragment) {
			matches = append(matches, u)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Username < matches[j].Username })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (m *memoryStore) GetUser(_ context.Context, userID string) (user.User, error) {
	u, ok := m.users[userID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (m *memoryStore) GetUserByUsername(_ context.Context, username string) (user.User, error) {
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return user.User{}, storage.ErrNotFound
}

func (m *memoryStore) PutPasswordHash(_ context.Context, userID string, hash string) error {
	m.hashes[userID] = hash
	return nil
}

func (m *memoryStore) GetPasswordHash(_ context.Context, userID string) (string, error) {
	hash, ok := m.hashes[userID]
	if !ok {
		return "", storage.ErrNotFound
	}
	return hash, nil
}

func (m *memoryStore) AssignRole(_ context.Context, userID string, roleName string, _ time.Time) error {
	for _, held := range m.roles[userID] {
		if held == roleName {
			return storage.ErrRoleAlreadyAssigned
		}
	}
	m.roles[userID] = append(m.roles[userID], roleName)
	return nil
}

func (m *memoryStore) ListRoles(_ context.Context, userID string) ([]string, error) {
	return append([]string(nil), m.roles[userID]...), nil
}

func (m *memoryStore) HasRole(_ context.Context, userID string, roleName string) (bool, error) {
	for _, held := range m.roles[userID] {
		if held == roleName {
			return true, nil
		}
	}
	return false, nil
}

var (
	_ storage.UserStore       = (*memoryStore)(nil)
	_ storage.CredentialStore = (*memoryStore)(nil)
	_ storage.RoleStore       = (*memoryStore)(nil)
)

type fixture struct {
	server *Server
	store  *memoryStore
	issuer *credential.Issuer
	mux    *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := credential.Config{Secret: []byte("test-secret"), TTL: time.Hour}
	issuer, err := credential.NewIssuer(cfg)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	verifier, err := credential.NewVerifier(cfg)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	store := newMemoryStore()
	server := NewServer(Deps{
		Users:       store,
		Credentials: store,
		Roles:       role.NewAuthority(role.NewRegistry(role.DefaultNames()...), store),
		Hasher:      password.Bcrypt{Cost: bcrypt.MinCost},
		Issuer:      issuer,
		Verifier:    verifier,
		Telemetry:   telemetry.NewEmitter(nil),
	})
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	return &fixture{server: server, store: store, issuer: issuer, mux: mux}
}

func (f *fixture) do(t *testing.T, method string, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.mux.ServeHTTP(recorder, req)
	return recorder
}

func (f *fixture) register(t *testing.T, username string) string {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/auth/register", map[string]any{
		"username": username,
		"email":    username + "@example.com",
		"password": "Passw0rd",
	}, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("register %s: status = %d, body %s", username, resp.Code, resp.Body.String())
	}
	var body registerResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	if body.UserID == "" {
		t.Fatal("register returned empty user id")
	}
	return body.UserID
}

func TestRegisterGrantsDefaultRoleAndNoToken(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/auth/register", map[string]any{
		"username": "ada",
		"email":    "ada@example.com",
		"password": "Passw0rd",
	}, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.Code, resp.Body.String())
	}
	if bytes.Contains(resp.Body.Bytes(), []byte("token")) {
		t.Fatalf("register must not issue a credential, got %s", resp.Body.String())
	}

	var body registerResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	roles := f.store.roles[body.UserID]
	if len(roles) != 1 || roles[0] != role.NameUser {
		t.Fatalf("roles = %v, want [%s]", roles, role.NameUser)
	}
}

func TestRegisterValidationFailures(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		username string
		email    string
		pass     string
		field    string
	}{
		{"missing username", "", "a@example.com", "Passw0rd", "username"},
		{"missing email", "ada", "", "Passw0rd", "email"},
		{"password too short", "ada", "a@example.com", "P0d", "password"},
		{"password missing digit", "ada", "a@example.com", "Password", "password"},
		{"password missing uppercase", "ada", "a@example.com", "passw0rd", "password"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/auth/register", map[string]any{
				"username": tc.username,
				"email":    tc.email,
				"password": tc.pass,
			}, "")
			if resp.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body %s", resp.Code, resp.Body.String())
			}
			var body errorResponse
			if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if body.Fields["Field"] != tc.field {
				t.Fatalf("field = %q, want %q (body %s)", body.Fields["Field"], tc.field, resp.Body.String())
			}
		})
	}
}

func TestRegisterDuplicateUsernameRejected(t *testing.T) {
	f := newFixture(t)

	f.register(t, "ada")
	resp := f.do(t, http.MethodPost, "/auth/register", map[string]any{
		"username": "ada",
		"email":    "other@example.com",
		"password": "Passw0rd",
	}, "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body %s", resp.Code, resp.Body.String())
	}
	var body errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Error != "USER_USERNAME_TAKEN" {
		t.Fatalf("error code = %q, want USER_USERNAME_TAKEN", body.Error)
	}
}

func TestRegisterDuplicateEmailRejected(t *testing.T) {
	f := newFixture(t)

	f.register(t, "ada")
	resp := f.do(t, http.MethodPost, "/auth/register", map[string]any{
		"username": "ada2",
		"email":    "ada@example.com",
		"password": "Passw0rd",
	}, "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body %s", resp.Code, resp.Body.String())
	}
	var body errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Error != "USER_EMAIL_TAKEN" || body.Fields["Field"] != "email" {
		t.Fatalf("body = %s, want USER_EMAIL_TAKEN on field email", resp.Body.String())
	}
}

func TestLoginIssuesCredential(t *testing.T) {
	f := newFixture(t)

	userID := f.register(t, "ada")
	resp := f.do(t, http.MethodPost, "/auth/login", map[string]any{
		"username": "ada",
		"password": "Passw0rd",
	}, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.Code, resp.Body.String())
	}
	var body loginResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.UserID != userID {
		t.Fatalf("user id = %q, want %q", body.UserID, userID)
	}
	if body.Token == "" {
		t.Fatal("expected a signed token")
	}
	if len(body.Roles) != 1 || body.Roles[0] != role.NameUser {
		t.Fatalf("roles = %v, want [%s]", body.Roles, role.NameUser)
	}
}

func TestLoginFailuresAreUniform(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ada")

	unknown := f.do(t, http.MethodPost, "/auth/login", map[string]any{
		"username": "nobody",
		"password": "Passw0rd",
	}, "")
	wrongPass := f.do(t, http.MethodPost, "/auth/login", map[string]any{
		"username": "ada",
		"password": "Wrong0pass",
	}, "")

	if unknown.Code != http.StatusBadRequest || wrongPass.Code != http.StatusBadRequest {
		t.Fatalf("statuses = %d, %d, want 400 for both", unknown.Code, wrongPass.Code)
	}
	if unknown.Body.String() != wrongPass.Body.String() {
		t.Fatalf("denial bodies differ:\n%s\n%s", unknown.Body.String(), wrongPass.Body.String())
	}
}

func TestLoginToleratesExtraFields(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ada")

	resp := f.do(t, http.MethodPost, "/auth/login", map[string]any{
		"username":   "ada",
		"password":   "Passw0rd",
		"rememberMe": true,
	}, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.Code, resp.Body.String())
	}
}

func TestGetUserReturnsProfileAndRoles(t *testing.T) {
	f := newFixture(t)

	userID := f.register(t, "ada")
	viewerID := f.register(t, "grace")
	viewerToken, err := f.issuer.Issue(credential.Subject{ID: viewerID, Username: "grace"}, []string{role.NameUser})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	noToken := f.do(t, http.MethodGet, "/auth/users/"+userID, nil, "")
	if noToken.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", noToken.Code)
	}

	resp := f.do(t, http.MethodGet, "/auth/users/"+userID, nil, viewerToken)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.Code, resp.Body.String())
	}
	var body userResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.ID != userID || body.Username != "ada" || body.Email != "ada@example.com" {
		t.Fatalf("profile = %+v", body)
	}
	if len(body.Roles) != 1 || body.Roles[0] != role.NameUser {
		t.Fatalf("roles = %v, want [%s]", body.Roles, role.NameUser)
	}

	missing := f.do(t, http.MethodGet, "/auth/users/ghost", nil, viewerToken)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("unknown user status = %d, want 404", missing.Code)
	}
}

func TestUpdateUserRequiresOwnerOrAdmin(t *testing.T) {
	f := newFixture(t)

	userID := f.register(t, "ada")
	otherID := f.register(t, "grace")
	ownerToken, err := f.issuer.Issue(credential.Subject{ID: userID, Username: "ada"}, []string{role.NameUser})
	if err != nil {
		t.Fatalf("issue owner token: %v", err)
	}
	otherToken, err := f.issuer.Issue(credential.Subject{ID: otherID, Username: "grace"}, []string{role.NameUser})
	if err != nil {
		t.Fatalf("issue other token: %v", err)
	}
	adminToken, err := f.issuer.Issue(credential.Subject{ID: "root-1", Username: "root"}, []string{role.NameAdmin})
	if err != nil {
		t.Fatalf("issue admin token: %v", err)
	}

	body := map[string]any{"isPrivate": true}
	foreign := f.do(t, http.MethodPut, "/auth/users/"+userID, body, otherToken)
	if foreign.Code != http.StatusForbidden {
		t.Fatalf("foreign subject status = %d, want 403", foreign.Code)
	}

	asOwner := f.do(t, http.MethodPut, "/auth/users/"+userID, map[string]any{
		"email":     "ada@resonate.fm",
		"isPrivate": true,
	}, ownerToken)
	if asOwner.Code != http.StatusOK {
		t.Fatalf("owner status = %d, body %s", asOwner.Code, asOwner.Body.String())
	}
	updated := f.store.users[userID]
	if updated.Email != "ada@resonate.fm" || !updated.IsPrivate {
		t.Fatalf("stored user = %+v, want new email and private flag", updated)
	}

	asAdmin := f.do(t, http.MethodPut, "/auth/users/"+userID, map[string]any{"isPrivate": false}, adminToken)
	if asAdmin.Code != http.StatusOK {
		t.Fatalf("admin status = %d, body %s", asAdmin.Code, asAdmin.Body.String())
	}
	if f.store.users[userID].IsPrivate {
		t.Fatal("admin update did not clear private flag")
	}
	// Email untouched when omitted from the body.
	if got := f.store.users[userID].Email; got != "ada@resonate.fm" {
		t.Fatalf("email = %q, want unchanged", got)
	}
}

func TestUpdateUserRejections(t *testing.T) {
	f := newFixture(t)

	userID := f.register(t, "ada")
	f.register(t, "grace")
	ownerToken, err := f.issuer.Issue(credential.Subject{ID: userID, Username: "ada"}, []string{role.NameUser})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	adminToken, err := f.issuer.Issue(credential.Subject{ID: "root-1", Username: "root"}, []string{role.NameAdmin})
	if err != nil {
		t.Fatalf("issue admin token: %v", err)
	}

	badEmail := f.do(t, http.MethodPut, "/auth/users/"+userID, map[string]any{"email": "not-an-address"}, ownerToken)
	if badEmail.Code != http.StatusBadRequest {
		t.Fatalf("invalid email status = %d, want 400", badEmail.Code)
	}

	taken := f.do(t, http.MethodPut, "/auth/users/"+userID, map[string]any{"email": "grace@example.com"}, ownerToken)
	if taken.Code != http.StatusBadRequest {
		t.Fatalf("taken email status = %d, want 400; body %s", taken.Code, taken.Body.String())
	}

	missing := f.do(t, http.MethodPut, "/auth/users/ghost", map[string]any{"isPrivate": true}, adminToken)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("unknown user status = %d, want 404", missing.Code)
	}
}

func TestSearchUsers(t *testing.T) {
	f := newFixture(t)

	f.register(t, "ada")
	f.register(t, "adalovelace")
	f.register(t, "grace")
	token, err := f.issuer.Issue(credential.Subject{ID: "viewer-1", Username: "viewer"}, []string{role.NameUser})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	noToken := f.do(t, http.MethodGet, "/auth/users/search?username=ada", nil, "")
	if noToken.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", noToken.Code)
	}

	missingParam := f.do(t, http.MethodGet, "/auth/users/search", nil, token)
	if missingParam.Code != http.StatusBadRequest {
		t.Fatalf("missing param status = %d, want 400", missingParam.Code)
	}

	resp := f.do(t, http.MethodGet, "/auth/users/search?username=ada", nil, token)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.Code, resp.Body.String())
	}
	var results []searchResult
	if err := json.Unmarshal(resp.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v, want the two ada* identities", results)
	}
	for _, res := range results {
		if !strings.Contains(res.Username, "ada") {
			t.Fatalf("unexpected match %q", res.Username)
		}
	}

	none := f.do(t, http.MethodGet, "/auth/users/search?username=zz", nil, token)
	if got := none.Body.String(); got != "[]\n" {
		t.Fatalf("no-match body = %q, want empty list, not null", got)
	}
}

func TestAssignRoleRequiresAdmin(t *testing.T) {
	f := newFixture(t)

	adminID := f.register(t, "root")
	f.store.roles[adminID] = append(f.store.roles[adminID], role.NameAdmin)
	targetID := f.register(t, "ada")

	adminToken, err := f.issuer.Issue(credential.Subject{ID: adminID, Username: "root"}, []string{role.NameUser, role.NameAdmin})
	if err != nil {
		t.Fatalf("issue admin token: %v", err)
	}
	userToken, err := f.issuer.Issue(credential.Subject{ID: targetID, Username: "ada"}, []string{role.NameUser})
	if err != nil {
		t.Fatalf("issue user token: %v", err)
	}

	noToken := f.do(t, http.MethodPost, "/auth/users/"+targetID+"/roles/Musician", nil, "")
	if noToken.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", noToken.Code)
	}
	if got := noToken.Body.String(); got != "{\"error\":\"unauthorized\"}\n" {
		t.Fatalf("unauthorized body = %q", got)
	}

	forbidden := f.do(t, http.MethodPost, "/auth/users/"+targetID+"/roles/Musician", nil, userToken)
	if forbidden.Code != http.StatusForbidden {
		t.Fatalf("non-admin status = %d, want 403", forbidden.Code)
	}
	if got := forbidden.Body.String(); got != "{\"error\":\"forbidden\"}\n" {
		t.Fatalf("forbidden body = %q", got)
	}

	granted := f.do(t, http.MethodPost, "/auth/users/"+targetID+"/roles/Musician", nil, adminToken)
	if granted.Code != http.StatusOK {
		t.Fatalf("admin status = %d, body %s", granted.Code, granted.Body.String())
	}
	has, err := f.store.HasRole(context.Background(), targetID, role.NameMusician)
	if err != nil || !has {
		t.Fatalf("has role = %v, %v, want true", has, err)
	}
}

func TestAssignRoleRejections(t *testing.T) {
	f := newFixture(t)

	adminID := f.register(t, "root")
	adminToken, err := f.issuer.Issue(credential.Subject{ID: adminID, Username: "root"}, []string{role.NameAdmin})
	if err != nil {
		t.Fatalf("issue admin token: %v", err)
	}
	targetID := f.register(t, "ada")

	unknownUser := f.do(t, http.MethodPost, "/auth/users/ghost/roles/Musician", nil, adminToken)
	if unknownUser.Code != http.StatusNotFound {
		t.Fatalf("unknown user status = %d, want 404", unknownUser.Code)
	}

	unknownRole := f.do(t, http.MethodPost, "/auth/users/"+targetID+"/roles/Overlord", nil, adminToken)
	if unknownRole.Code != http.StatusBadRequest {
		t.Fatalf("unknown role status = %d, want 400", unknownRole.Code)
	}

	duplicate := f.do(t, http.MethodPost, "/auth/users/"+targetID+"/roles/User", nil, adminToken)
	if duplicate.Code != http.StatusBadRequest {
		t.Fatalf("duplicate assignment status = %d, want 400", duplicate.Code)
	}
	var dupBody errorResponse
	if err := json.Unmarshal(duplicate.Body.Bytes(), &dupBody); err != nil {
		t.Fatalf("decode duplicate response: %v", err)
	}
	if dupBody.Error != "ROLE_ALREADY_ASSIGNED" {
		t.Fatalf("duplicate error code = %q, want ROLE_ALREADY_ASSIGNED", dupBody.Error)
	}
}

func TestExpiredTokenIsUnauthorized(t *testing.T) {
	f := newFixture(t)

	past := time.Now().Add(-2 * time.Hour)
	staleIssuer, err := credential.NewIssuer(credential.Config{
		Secret: []byte("test-secret"),
		TTL:    time.Hour,
		Now:    func() time.Time { return past },
	})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	token, err := staleIssuer.Issue(credential.Subject{ID: "user-1", Username: "ada"}, []string{role.NameAdmin})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	resp := f.do(t, http.MethodPost, "/auth/users/user-1/roles/Musician", nil, token)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/healthz", nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}
}
