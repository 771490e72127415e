package domain

import "time"

// Purpose scopes a challenge. Purposes are independent: consuming one never touches another.
type Purpose string

const (
	PurposeEmailVerification Purpose = "email-verification"
	PurposeOnboarding        Purpose = "onboarding"
	PurposePasswordReset     Purpose = "password-reset"
)

// ParsePurpose returns the Purpose named by s and whether it is known.
func ParsePurpose(s string) (Purpose, bool) {
	switch p := Purpose(s); p {
	case PurposeEmailVerification, PurposeOnboarding, PurposePasswordReset:
		return p, true
	}
	return "", false
}

// Challenge is one outstanding proof-of-control request. TokenHash (link) and CodeHash (short code)
// are two lookup keys for the same row; consuming via either kills both.
type Challenge struct {
	ID           string
	Purpose      Purpose
	Target       string // normalised email
	TokenHash    string
	CodeHash     string
	AttemptCount int
	ExpiresAt    time.Time
	ConsumedAt   *time.Time // set exactly once by a successful redemption
	RevokedAt    *time.Time // set when superseded or when the attempt cap is hit
	FulfilledAt  *time.Time // set when a consumed password-reset challenge has been used to change the password
	CreatedAt    time.Time
}

// Consumed reports whether the challenge was successfully redeemed.
func (c *Challenge) Consumed() bool { return c.ConsumedAt != nil }

// Revoked reports whether the challenge was superseded or locked.
func (c *Challenge) Revoked() bool { return c.RevokedAt != nil }

// Expired reports whether now is at or past ExpiresAt.
func (c *Challenge) Expired(now time.Time) bool { return !now.Before(c.ExpiresAt) }

// Issued is what the issuer hands back to the caller: the raw secrets, which are never stored.
type Issued struct {
	ChallengeID string
	Purpose     Purpose
	Target      string
	Token       string
	Code        string
	ExpiresAt   time.Time
}
