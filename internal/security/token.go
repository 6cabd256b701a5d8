package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// NewToken mints an opaque session token with length random bytes
// (at least 16, so tokens carry no fewer than 128 bits of entropy).
func NewToken(length int) (string, error) {
	if length < 16 {
		length = 16
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
