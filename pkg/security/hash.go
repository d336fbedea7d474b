package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

// Opaque secret sizes in bytes.
const (
	RefreshSecretLength = 64
	ResetSecretLength   = 32
)

// HashPassword derives a salted bcrypt hash from a plaintext password.
// Cost values outside bcrypt's range fall back to the library default.
func HashPassword(plaintext string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword reports whether the plaintext matches the stored hash.
// bcrypt's comparison is constant time with respect to the password.
func VerifyPassword(plaintext, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// HashToken returns the deterministic SHA-256 hex digest of an opaque
// secret. Only the digest is ever stored; the raw secret must not outlive
// the caller.
func HashToken(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// DigestEqual compares two digests in constant time.
func DigestEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// GenerateSecret produces n cryptographically random bytes encoded as
// URL-safe base64 without padding.
func GenerateSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
