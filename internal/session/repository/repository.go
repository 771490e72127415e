package repository

import (
	"context"
	"time"

	"identity-onboarding/backend/internal/session/domain"
)

// Repository defines persistence for sessions.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	Create(ctx context.Context, s *domain.Session) error
	Revoke(ctx context.Context, id string, at time.Time) error
	// RevokeAllByUser revokes every live session of the user and returns how many were revoked.
	RevokeAllByUser(ctx context.Context, userID string, at time.Time) (int64, error)
	UpdateLastSeen(ctx context.Context, id string, at time.Time) error
}
