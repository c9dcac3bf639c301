// Package user provides identity records and registration validation.
package user

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	apperrors "github.com/resonatefm/resonate/internal/platform/errors"
	"github.com/resonatefm/resonate/internal/platform/id"
)

var (
	// ErrEmptyUsername indicates a missing username.
	ErrEmptyUsername = apperrors.WithMetadata(apperrors.CodeUserEmptyUsername, "username is required", map[string]string{"Field": "username"})
	// ErrInvalidUsername indicates a username that does not match the required format.
	ErrInvalidUsername = apperrors.WithMetadata(apperrors.CodeUserInvalidUsername, "username must be 3-32 alphanumeric, dot, dash, or underscore characters", map[string]string{"Field": "username"})
	// ErrEmptyEmail indicates a missing email address.
	ErrEmptyEmail = apperrors.WithMetadata(apperrors.CodeUserEmptyEmail, "email is required", map[string]string{"Field": "email"})
	// ErrInvalidEmail indicates an email address without a plausible shape.
	ErrInvalidEmail = apperrors.WithMetadata(apperrors.CodeUserInvalidEmail, "email must look like an address", map[string]string{"Field": "email"})

	// Username comparison stays case-sensitive end to end, so the pattern
	// admits both cases instead of canonicalizing to one.
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-]{3,32}$`)
	emailPattern    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// MinPasswordLength is the minimum accepted password length.
const MinPasswordLength = 6

// User represents an identity record.
//
// Other services reference a user only by ID; the record itself is owned and
// mutated exclusively here.
type User struct {
	ID        string
	Username  string
	Email     string
	IsPrivate bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Registration describes the input needed to create a user.
type Registration struct {
	Username  string
	Email     string
	Password  string
	IsPrivate bool
}

// ValidateUsername enforces username format constraints.
func ValidateUsername(s string) error {
	if !usernamePattern.MatchString(s) {
		return ErrInvalidUsername
	}
	return nil
}

// ValidateEmail enforces a basic address shape.
func ValidateEmail(s string) error {
	if !emailPattern.MatchString(s) {
		return ErrInvalidEmail
	}
	return nil
}

// ValidatePassword enforces the registration password policy: minimum
// length, at least one digit, at least one uppercase letter.
func ValidatePassword(s string) error {
	if len(s) < MinPasswordLength {
		return apperrors.WithMetadata(
			apperrors.CodeUserInvalidPassword,
			fmt.Sprintf("password must be at least %d characters", MinPasswordLength),
			map[string]string{"Field": "password"},
		)
	}
	var hasDigit, hasUpper bool
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsUpper(r):
			hasUpper = true
		}
	}
	if !hasDigit {
		return apperrors.WithMetadata(
			apperrors.CodeUserInvalidPassword,
			"password must contain at least one digit",
			map[string]string{"Field": "password"},
		)
	}
	if !hasUpper {
		return apperrors.WithMetadata(
			apperrors.CodeUserInvalidPassword,
			"password must contain at least one uppercase letter",
			map[string]string{"Field": "password"},
		)
	}
	return nil
}

// NormalizeRegistration trims and validates input before a user is created.
func NormalizeRegistration(input Registration) (Registration, error) {
	input.Username = strings.TrimSpace(input.Username)
	if input.Username == "" {
		return Registration{}, ErrEmptyUsername
	}
	if err := ValidateUsername(input.Username); err != nil {
		return Registration{}, err
	}
	input.Email = strings.TrimSpace(input.Email)
	if input.Email == "" {
		return Registration{}, ErrEmptyEmail
	}
	if err := ValidateEmail(input.Email); err != nil {
		return Registration{}, err
	}
	if err := ValidatePassword(input.Password); err != nil {
		return Registration{}, err
	}
	return input, nil
}

// ProfileUpdate describes a partial mutation of the mutable profile fields.
// An empty Email leaves the address unchanged; a nil IsPrivate leaves the
// visibility flag unchanged.
type ProfileUpdate struct {
	Email     string
	IsPrivate *bool
}

// WithProfileUpdate applies a partial update to a copy of the record,
// validating any new email and refreshing UpdatedAt.
func (u User) WithProfileUpdate(update ProfileUpdate, now func() time.Time) (User, error) {
	if now == nil {
		now = time.Now
	}
	email := strings.TrimSpace(update.Email)
	if email != "" {
		if err := ValidateEmail(email); err != nil {
			return User{}, err
		}
		u.Email = email
	}
	if update.IsPrivate != nil {
		u.IsPrivate = *update.IsPrivate
	}
	u.UpdatedAt = now().UTC()
	return u, nil
}

// NewUser creates a durable identity record from validated input.
//
// This is the canonical point where untrusted registration data becomes a
// stable identity referenced by credentials and the follow graph.
func NewUser(input Registration, now func() time.Time, idGenerator func() (string, error)) (User, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeRegistration(input)
	if err != nil {
		return User{}, err
	}

	userID, err := idGenerator()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	createdAt := now().UTC()
	return User{
		ID:        userID,
		Username:  normalized.Username,
		Email:     normalized.Email,
		IsPrivate: normalized.IsPrivate,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}
