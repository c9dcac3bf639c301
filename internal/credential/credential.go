// Package credential issues and verifies signed, time-bounded identity
// credentials.
//
// A credential carries the subject identifier, display name, granted roles,
// and a unique token id, signed with a process-wide symmetric secret. Any
// service holding the secret can verify a credential offline; there is no
// callback to the issuer and no server-side session state. Revocation is not
// supported: a credential stays valid until its natural expiry, so logout is
// a client-side discard.
package credential

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "github.com/resonatefm/resonate/internal/platform/errors"
)

// DefaultTTL bounds credential lifetime when the environment does not
// override it.
const DefaultTTL = time.Hour

const signingMethod = "HS256"

// credentialEnv holds raw env values before post-parse validation.
type credentialEnv struct {
	Secret string        `env:"RESONATE_AUTH_TOKEN_SECRET"`
	TTL    time.Duration `env:"RESONATE_AUTH_TOKEN_TTL"`
}

// Config defines how credentials are signed and verified.
type Config struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

// Subject identifies the authenticated identity a credential is issued for.
type Subject struct {
	ID       string
	Username string
}

// Claims captures validated credential claims.
type Claims struct {
	Subject   string
	Username  string
	Roles     []string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// tokenClaims is the internal claims type used for JWT signing and parsing.
type tokenClaims struct {
	jwt.RegisteredClaims
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

// LoadConfigFromEnv reads credential signing configuration.
//
// A missing or empty secret is a configuration error: the caller is expected
// to treat it as fatal at startup, never as a per-request failure.
func LoadConfigFromEnv(now func() time.Time) (Config, error) {
	var raw credentialEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse credential env: %w", err)
	}
	secret := strings.TrimSpace(raw.Secret)
	if secret == "" {
		return Config{}, fmt.Errorf("RESONATE_AUTH_TOKEN_SECRET is required")
	}
	ttl := raw.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return Config{
		Secret: []byte(secret),
		TTL:    ttl,
		Now:    now,
	}, nil
}

// Issuer mints signed credentials. It holds no mutable state and is safe for
// concurrent use.
type Issuer struct {
	cfg Config
}

// NewIssuer validates the signing configuration and returns an issuer.
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("credential signing secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{cfg: cfg}, nil
}

// Issue builds and signs a credential for the subject and its role set.
func (i *Issuer) Issue(subject Subject, roles []string) (string, error) {
	if i == nil {
		return "", errors.New("issuer is not configured")
	}
	subjectID := strings.TrimSpace(subject.ID)
	if subjectID == "" {
		return "", errors.New("subject id is required")
	}

	now := i.cfg.Now().UTC()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.TTL)),
		},
		Username: strings.TrimSpace(subject.Username),
		Roles:    append([]string(nil), roles...),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}
	return signed, nil
}

// Verifier validates credentials offline with the shared secret.
type Verifier struct {
	cfg Config
}

// NewVerifier validates the verification configuration and returns a verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("credential verification secret is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{cfg: cfg}, nil
}

// Verify recomputes the signature over the claim set and checks expiry.
//
// Failures surface as domain errors that map to authorization denials, never
// as panics or internal faults.
func (v *Verifier) Verify(token string) (Claims, error) {
	if v == nil {
		return Claims{}, errors.New("verifier is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, apperrors.New(apperrors.CodeTokenInvalid, "credential is required")
	}

	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(token *jwt.Token) (any, error) {
		return v.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{signingMethod}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if strings.TrimSpace(parsed.Subject) == "" {
		return Claims{}, apperrors.New(apperrors.CodeTokenInvalid, "credential subject is required")
	}
	if parsed.ID == "" {
		return Claims{}, apperrors.New(apperrors.CodeTokenInvalid, "credential jti is required")
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, apperrors.New(apperrors.CodeTokenInvalid, "credential exp is required")
	}

	now := v.cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return Claims{}, apperrors.New(apperrors.CodeTokenExpired, "credential is expired")
	}

	claims := Claims{
		Subject:   parsed.Subject,
		Username:  parsed.Username,
		Roles:     parsed.Roles,
		TokenID:   parsed.ID,
		ExpiresAt: exp,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// mapJWTError translates jwt library errors to domain errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return apperrors.New(apperrors.CodeTokenInvalid, "credential signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeTokenInvalid, "credential alg is invalid")
	}
	return apperrors.New(apperrors.CodeTokenInvalid, "credential is invalid")
}
