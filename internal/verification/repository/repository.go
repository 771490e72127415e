package repository

import (
	"context"
	"errors"
	"time"

	"identity-onboarding/backend/internal/verification/domain"
)

// ErrNotLive is returned by RecordFailedAttempt when the row was consumed or revoked concurrently.
var ErrNotLive = errors.New("challenge is not live")

// Repository is the challenge store. Every state change is a single conditional UPDATE;
// callers never read-then-write.
type Repository interface {
	// Replace revokes every live challenge for c's (purpose, target) at "at" and inserts c, in one transaction.
	// A concurrent Replace for the same pair surfaces as a unique violation.
	Replace(ctx context.Context, c *domain.Challenge, at time.Time) error
	GetByID(ctx context.Context, id string) (*domain.Challenge, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Challenge, error)
	// GetLatest returns the most recently created challenge for (purpose, target) in any state.
	GetLatest(ctx context.Context, purpose domain.Purpose, target string) (*domain.Challenge, error)
	// MarkConsumed sets consumed_at iff the row is unconsumed, unrevoked and unexpired at "at".
	MarkConsumed(ctx context.Context, id string, at time.Time) (bool, error)
	// RecordFailedAttempt increments attempt_count on a live row and revokes it once the count reaches maxAttempts.
	RecordFailedAttempt(ctx context.Context, id string, maxAttempts int, at time.Time) (attempts int, locked bool, err error)
	// MarkFulfilled sets fulfilled_at on a consumed password-reset challenge that has not been fulfilled yet.
	MarkFulfilled(ctx context.Context, id string, at time.Time) (bool, error)
	// DeleteExpired removes challenges that expired before the cutoff.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
