// Package id generates opaque 128-bit identifiers.
//
// Identifiers are UUIDv4 random bytes rendered as 26 lowercase unpadded
// base32 characters, so they stay URL- and filename-safe while remaining
// decodable back to the underlying 16 bytes.
package id

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a new opaque identifier.
func NewID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	// UUIDv4 version and variant bits.
	buf[6] = (buf[6] & 0x0f) | 0x40
	buf[8] = (buf[8] & 0x3f) | 0x80
	return strings.ToLower(encoding.EncodeToString(buf[:])), nil
}
