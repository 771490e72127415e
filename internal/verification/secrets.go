// Package verification generates and compares the two secrets of a verification challenge:
// a long URL-safe link token and a short human-typed code.
package verification

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"

	"identity-onboarding/backend/internal/security"
)

// CodeAlphabet omits characters that are easy to confuse when read from an email (0/O, I).
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ123456789"

// tokenBytes is the entropy of a link token (256 bits).
const tokenBytes = 32

// ErrInvalidCodeLength is returned for a non-positive code length.
var ErrInvalidCodeLength = errors.New("verification: code length must be positive")

// GenerateToken returns a base64url (unpadded) token from 32 random bytes.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateCode returns a code of length characters drawn uniformly from CodeAlphabet.
// Bytes at or above the largest multiple of the alphabet size are rejected to avoid modulo bias.
func GenerateCode(length int) (string, error) {
	if length <= 0 {
		return "", ErrInvalidCodeLength
	}
	const n = len(CodeAlphabet)
	limit := 256 - 256%n
	out := make([]byte, 0, length)
	buf := make([]byte, length*2)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, CodeAlphabet[int(b)%n])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// NormalizeTarget trims and lower-cases an email address.
func NormalizeTarget(target string) string {
	return strings.ToLower(strings.TrimSpace(target))
}

// NormalizeCode trims, drops inner spaces and dashes, and upper-cases a typed code.
func NormalizeCode(code string) string {
	code = strings.TrimSpace(code)
	code = strings.NewReplacer(" ", "", "-", "").Replace(code)
	return strings.ToUpper(code)
}

// HashToken returns the stored form of a link token.
func HashToken(token string) string {
	return security.HashSecret(token)
}

// HashCode returns the stored form of a code. The code is normalised first.
func HashCode(code string) string {
	return security.HashSecret(NormalizeCode(code))
}

// CodeMatches compares a typed code against the stored hash in constant time.
func CodeMatches(code, storedHash string) bool {
	return security.SecretHashEqual(NormalizeCode(code), storedHash)
}
