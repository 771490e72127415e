package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"identity-onboarding/backend/internal/db"
	"identity-onboarding/backend/internal/user/domain"
)

const userColumns = `id, email, name, first_name, last_name, status, email_verified_at, created_at, updated_at`

type PostgresRepository struct {
	db db.DBTX
}

// NewPostgresRepository returns a user repository that uses the given db (pool or transaction) for persistence.
func NewPostgresRepository(conn db.DBTX) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetByEmail returns the user with the given email, or nil if not found.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email)
	return scanUser(row)
}

// Create persists the user. The user must have ID set; it is not assigned by this method.
// A duplicate email surfaces as a unique violation (see db.IsUniqueViolation).
func (r *PostgresRepository) Create(ctx context.Context, u *domain.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, u.Email, u.Name, u.FirstName, u.LastName, string(u.Status), db.NullTime(u.EmailVerifiedAt), u.CreatedAt, u.UpdatedAt)
	return err
}

// MarkEmailVerified stamps email_verified_at when it is still null.
func (r *PostgresRepository) MarkEmailVerified(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET email_verified_at = $2, updated_at = $2 WHERE id = $1 AND email_verified_at IS NULL`, id, at)
	return err
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var (
		u        domain.User
		status   string
		verified sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.FirstName, &u.LastName, &status, &verified, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.Status = domain.UserStatus(status)
	u.EmailVerifiedAt = db.TimePtr(verified)
	return &u, nil
}
