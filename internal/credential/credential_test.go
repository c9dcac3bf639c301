package credential

import (
	"errors"
	"strings"
	"testing"
	"time"

	apperrors "github.com/resonatefm/resonate/internal/platform/errors"
)

func testConfig(now func() time.Time) Config {
	return Config{
		Secret: []byte("test-signing-secret"),
		TTL:    time.Hour,
		Now:    now,
	}
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	issued := time.Date(2026, time.March, 3, 9, 0, 0, 0, time.UTC)
	issuer, err := NewIssuer(testConfig(func() time.Time { return issued }))
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	token, err := issuer.Issue(Subject{ID: "user-1", Username: "alice"}, []string{"User", "Musician"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Fatalf("expected three-part token, got %d parts", len(parts))
	}

	verifier, err := NewVerifier(testConfig(func() time.Time { return issued.Add(time.Minute) }))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("subject = %q, want user-1", claims.Subject)
	}
	if claims.Username != "alice" {
		t.Fatalf("username = %q, want alice", claims.Username)
	}
	if len(claims.Roles) != 2 || claims.Roles[0] != "User" || claims.Roles[1] != "Musician" {
		t.Fatalf("roles = %v, want [User Musician]", claims.Roles)
	}
	if claims.TokenID == "" {
		t.Fatal("expected non-empty token id")
	}
	if !claims.ExpiresAt.Equal(issued.Add(time.Hour)) {
		t.Fatalf("expires at = %v, want %v", claims.ExpiresAt, issued.Add(time.Hour))
	}
	if !claims.IssuedAt.Equal(issued) {
		t.Fatalf("issued at = %v, want %v", claims.IssuedAt, issued)
	}
}

func TestIssueGeneratesFreshTokenIDs(t *testing.T) {
	issuer, err := NewIssuer(testConfig(nil))
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	verifier, err := NewVerifier(testConfig(nil))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	seen := map[string]bool{}
	for range 5 {
		token, err := issuer.Issue(Subject{ID: "user-1"}, nil)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		claims, err := verifier.Verify(token)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if seen[claims.TokenID] {
			t.Fatalf("token id %q repeated", claims.TokenID)
		}
		seen[claims.TokenID] = true
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issued := time.Date(2026, time.March, 3, 9, 0, 0, 0, time.UTC)
	issuer, err := NewIssuer(testConfig(func() time.Time { return issued }))
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	token, err := issuer.Issue(Subject{ID: "user-1"}, []string{"User"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	verifier, err := NewVerifier(testConfig(func() time.Time { return issued.Add(time.Hour + time.Second) }))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	_, err = verifier.Verify(token)
	if apperrors.CodeOf(err) != apperrors.CodeTokenExpired {
		t.Fatalf("expected %s, got %v", apperrors.CodeTokenExpired, err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer, err := NewIssuer(testConfig(nil))
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	token, err := issuer.Issue(Subject{ID: "user-1"}, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	verifier, err := NewVerifier(Config{Secret: []byte("another-secret")})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	_, err = verifier.Verify(token)
	if apperrors.CodeOf(err) != apperrors.CodeTokenInvalid {
		t.Fatalf("expected %s, got %v", apperrors.CodeTokenInvalid, err)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	issuer, err := NewIssuer(testConfig(nil))
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	token, err := issuer.Issue(Subject{ID: "user-1"}, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	verifier, err := NewVerifier(testConfig(nil))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if _, err := verifier.Verify(tampered); err == nil {
		t.Fatal("expected tampered token to fail verification")
	}
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	if _, err := NewIssuer(Config{}); err == nil {
		t.Fatal("expected missing secret to be rejected")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("RESONATE_AUTH_TOKEN_SECRET", "  env-secret  ")
	t.Setenv("RESONATE_AUTH_TOKEN_TTL", "0s")

	cfg, err := LoadConfigFromEnv(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if string(cfg.Secret) != "env-secret" {
		t.Fatalf("secret = %q, want env-secret", cfg.Secret)
	}
	if cfg.TTL != DefaultTTL {
		t.Fatalf("ttl = %v, want %v", cfg.TTL, DefaultTTL)
	}
}

func TestLoadConfigFromEnvRequiresSecret(t *testing.T) {
	t.Setenv("RESONATE_AUTH_TOKEN_SECRET", "   ")

	_, err := LoadConfigFromEnv(nil)
	if err == nil || !strings.Contains(err.Error(), "RESONATE_AUTH_TOKEN_SECRET") {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestVerifyRejectsEmptyToken(t *testing.T) {
	verifier, err := NewVerifier(testConfig(nil))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	_, err = verifier.Verify("   ")
	if !errors.Is(err, apperrors.New(apperrors.CodeTokenInvalid, "")) {
		t.Fatalf("expected token invalid error, got %v", err)
	}
}
