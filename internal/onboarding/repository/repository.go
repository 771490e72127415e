package repository

import (
	"context"
	"errors"
	"time"

	"identity-onboarding/backend/internal/onboarding/domain"
)

var (
	// ErrStale is returned by Finalize when the workflow session is gone or no longer at profile-submitted.
	ErrStale = errors.New("onboarding session changed concurrently")
	// ErrEmailTaken is returned by Finalize when a user with the email already exists.
	ErrEmailTaken = errors.New("email already registered")
)

// Repository persists onboarding workflow sessions and finalises them.
type Repository interface {
	// Replace deletes every workflow session for s.Email and inserts s.
	Replace(ctx context.Context, s *domain.Session) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Session, error)
	// SaveProfile stores the profile and moves verified -> profile-submitted. It reports false when the
	// session is missing, expired or not at verified.
	SaveProfile(ctx context.Context, s *domain.Session, at time.Time) (bool, error)
	// Finalize writes the completion and deletes the workflow session in one transaction.
	Finalize(ctx context.Context, c *domain.Completion) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
