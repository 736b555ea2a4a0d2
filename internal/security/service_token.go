package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
)

// serviceTokenPrefix is the prefix used for generated service tokens.
const serviceTokenPrefix = "fps_"

// GenerateServiceToken creates a new random service-to-service token.
func GenerateServiceToken() (string, error) {
	secret := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return "", fmt.Errorf("generate service token: %w", err)
	}
	return serviceTokenPrefix + hex.EncodeToString(secret), nil
}

// TokenEqual compares two tokens in constant time.
func TokenEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
