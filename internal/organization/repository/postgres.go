package repository

import (
	"context"
	"database/sql"
	"errors"

	"identity-onboarding/backend/internal/db"
	"identity-onboarding/backend/internal/organization/domain"
)

type PostgresRepository struct {
	db db.DBTX
}

// NewPostgresRepository returns an organization repository that uses the given db for persistence.
func NewPostgresRepository(conn db.DBTX) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// GetByID returns the organization for id, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Org, error) {
	var (
		o      domain.Org
		status string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, address_line1, address_line2, city, state, zip_code, status, created_at
		FROM organizations WHERE id = $1`, id).
		Scan(&o.ID, &o.Name, &o.Address.Line1, &o.Address.Line2, &o.Address.City, &o.Address.State, &o.Address.ZipCode, &status, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	o.Status = domain.OrgStatus(status)
	return &o, nil
}

// Create persists the organization. The org must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, o *domain.Org) error {
	if err := o.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, address_line1, address_line2, city, state, zip_code, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		o.ID, o.Name, o.Address.Line1, o.Address.Line2, o.Address.City, o.Address.State, o.Address.ZipCode, string(o.Status), o.CreatedAt)
	return err
}
