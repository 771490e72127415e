package repository

import (
	"context"

	"identity-onboarding/backend/internal/membership/domain"
)

// Repository defines persistence for memberships.
type Repository interface {
	Create(ctx context.Context, m *domain.Membership) error
	ListByUser(ctx context.Context, userID string) ([]*domain.Membership, error)
}
