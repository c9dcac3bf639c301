// Package password delegates password hashing to an external collaborator
// behind a small interface, with a bcrypt default.
package password

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrMismatch indicates the password does not match the stored hash.
var ErrMismatch = errors.New("password does not match")

// Hasher hashes and verifies passwords. Implementations own the hash format.
type Hasher interface {
	Hash(plain string) (string, error)
	Compare(hash string, plain string) error
}

// Bcrypt hashes passwords with golang.org/x/crypto/bcrypt.
type Bcrypt struct {
	Cost int
}

// Hash derives a bcrypt hash for the plaintext password.
func (b Bcrypt) Hash(plain string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Compare checks the plaintext password against a stored bcrypt hash.
func (b Bcrypt) Compare(hash string, plain string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrMismatch
		}
		return fmt.Errorf("compare password: %w", err)
	}
	return nil
}

var _ Hasher = Bcrypt{}
