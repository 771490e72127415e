package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"identity-onboarding/backend/internal/db"
	identityrepo "identity-onboarding/backend/internal/identity/repository"
	membershiprepo "identity-onboarding/backend/internal/membership/repository"
	"identity-onboarding/backend/internal/onboarding/domain"
	orgrepo "identity-onboarding/backend/internal/organization/repository"
	sessionrepo "identity-onboarding/backend/internal/session/repository"
	userrepo "identity-onboarding/backend/internal/user/repository"
)

const sessionColumns = `id, token_hash, email, step, first_name, last_name, password_hash, remember, expires_at, created_at, updated_at`

type PostgresRepository struct {
	db db.DBTX
}

// NewPostgresRepository returns an onboarding repository. conn must be a *sql.DB or *sql.Tx so
// Finalize can run transactionally.
func NewPostgresRepository(conn db.DBTX) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// Replace restarts the workflow for an email.
func (r *PostgresRepository) Replace(ctx context.Context, s *domain.Session) error {
	return db.RunInTx(ctx, r.db, func(tx db.DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM onboarding_sessions WHERE lower(email) = lower($1)`, s.Email); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO onboarding_sessions (`+sessionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			s.ID, s.TokenHash, s.Email, string(s.Step), s.FirstName, s.LastName, s.PasswordHash, s.Remember,
			s.ExpiresAt, s.CreatedAt, s.UpdatedAt)
		return err
	})
}

// GetByTokenHash returns the workflow session, or nil if not found.
func (r *PostgresRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Session, error) {
	var (
		s    domain.Session
		step string
	)
	err := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM onboarding_sessions WHERE token_hash = $1`, tokenHash).
		Scan(&s.ID, &s.TokenHash, &s.Email, &step, &s.FirstName, &s.LastName, &s.PasswordHash, &s.Remember,
			&s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.Step = domain.Step(step)
	return &s, nil
}

// SaveProfile is a compare-and-set on step.
func (r *PostgresRepository) SaveProfile(ctx context.Context, s *domain.Session, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE onboarding_sessions
		SET step = $2, first_name = $3, last_name = $4, password_hash = $5, remember = $6, updated_at = $7
		WHERE id = $1 AND step = $8 AND expires_at > $7`,
		s.ID, string(domain.StepProfileSubmitted), s.FirstName, s.LastName, s.PasswordHash, s.Remember, at,
		string(domain.StepVerified))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Finalize creates the user, credential, organization, owner membership and first session, then deletes
// the workflow session only if it is still at profile-submitted. Any failure rolls everything back.
func (r *PostgresRepository) Finalize(ctx context.Context, c *domain.Completion) error {
	return db.RunInTx(ctx, r.db, func(tx db.DBTX) error {
		if err := userrepo.NewPostgresRepository(tx).Create(ctx, c.User); err != nil {
			if db.IsUniqueViolation(err) {
				return ErrEmailTaken
			}
			return fmt.Errorf("create user: %w", err)
		}
		if err := identityrepo.NewPostgresRepository(tx).Create(ctx, c.Identity); err != nil {
			if db.IsUniqueViolation(err) {
				return ErrEmailTaken
			}
			return fmt.Errorf("create identity: %w", err)
		}
		if err := orgrepo.NewPostgresRepository(tx).Create(ctx, c.Org); err != nil {
			return fmt.Errorf("create organization: %w", err)
		}
		if err := membershiprepo.NewPostgresRepository(tx).Create(ctx, c.Membership); err != nil {
			return fmt.Errorf("create membership: %w", err)
		}
		if err := sessionrepo.NewPostgresRepository(tx).Create(ctx, c.Session); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM onboarding_sessions WHERE id = $1 AND step = $2`,
			c.OnboardingID, string(domain.StepProfileSubmitted))
		if err != nil {
			return fmt.Errorf("delete onboarding session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return ErrStale
		}
		return nil
	})
}

// DeleteExpired removes workflow sessions that lapsed before the cutoff.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM onboarding_sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
