package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashSecret returns the hex-encoded SHA-256 of a high-entropy secret (link token, short code).
// Only the hash is persisted; the raw value travels to the recipient once.
func HashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// SecretHashEqual hashes provided and compares it with storedHash in constant time.
func SecretHashEqual(provided, storedHash string) bool {
	providedHash := HashSecret(provided)
	return subtle.ConstantTimeCompare([]byte(providedHash), []byte(storedHash)) == 1
}
