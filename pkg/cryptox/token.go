package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// SecretBytes is the entropy of a refresh secret.
const SecretBytes = 32

// NewSecret returns a fresh refresh secret: SecretBytes from crypto/rand as
// unpadded base64url, 43 characters.
func NewSecret() (string, error) {
	return RandomString(SecretBytes)
}

// RandomString returns n random bytes as unpadded base64url.
func RandomString(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("cryptox: random length must be positive, got %d", n)
	}

	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("cryptox: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// FingerprintToken is the lookup key stored in place of a secret:
// base64url(SHA-256(secret)). The secret itself is never persisted.
func FingerprintToken(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
