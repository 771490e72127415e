package repository

import (
	"context"
	"time"

	"identity-onboarding/backend/internal/user/domain"
)

// Repository defines persistence for users.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	// GetByEmail matches case-insensitively.
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	Create(ctx context.Context, u *domain.User) error
	// MarkEmailVerified sets email_verified_at once; later calls keep the first timestamp.
	MarkEmailVerified(ctx context.Context, id string, at time.Time) error
}
