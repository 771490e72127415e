package repository

import (
	"context"
	"time"

	"identity-onboarding/backend/internal/identity/domain"
)

// Repository defines persistence for identities.
type Repository interface {
	GetByUserAndProvider(ctx context.Context, userID string, provider domain.IdentityProvider) (*domain.Identity, error)
	Create(ctx context.Context, i *domain.Identity) error
	UpdatePasswordHash(ctx context.Context, userID string, provider domain.IdentityProvider, passwordHash string, at time.Time) error
	// ResetPassword applies a password reset atomically; see PasswordReset.
	ResetPassword(ctx context.Context, r *PasswordReset) (revoked int64, err error)
}
