package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"identity-onboarding/backend/internal/db"
	"identity-onboarding/backend/internal/verification/domain"
)

const challengeColumns = `id, purpose, target, token_hash, code_hash, attempt_count, expires_at, consumed_at, revoked_at, fulfilled_at, created_at`

type PostgresRepository struct {
	db db.DBTX
}

// NewPostgresRepository returns a challenge store over a pool or a transaction.
func NewPostgresRepository(conn db.DBTX) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// Replace supersedes live challenges for the pair and inserts c.
func (r *PostgresRepository) Replace(ctx context.Context, c *domain.Challenge, at time.Time) error {
	return db.RunInTx(ctx, r.db, func(tx db.DBTX) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE verification_challenges SET revoked_at = $3
			WHERE purpose = $1 AND target = $2 AND consumed_at IS NULL AND revoked_at IS NULL`,
			string(c.Purpose), c.Target, at); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO verification_challenges (id, purpose, target, token_hash, code_hash, attempt_count, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $7)`,
			c.ID, string(c.Purpose), c.Target, c.TokenHash, c.CodeHash, c.ExpiresAt, c.CreatedAt)
		return err
	})
}

// GetByID returns the challenge for id, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Challenge, error) {
	return scanChallenge(r.db.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM verification_challenges WHERE id = $1`, id))
}

// GetByTokenHash returns the challenge whose link token hashes to tokenHash, or nil if not found.
func (r *PostgresRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Challenge, error) {
	return scanChallenge(r.db.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM verification_challenges WHERE token_hash = $1`, tokenHash))
}

// GetLatest returns the newest challenge for (purpose, target), or nil if none exists.
func (r *PostgresRepository) GetLatest(ctx context.Context, purpose domain.Purpose, target string) (*domain.Challenge, error) {
	return scanChallenge(r.db.QueryRowContext(ctx, `
		SELECT `+challengeColumns+` FROM verification_challenges
		WHERE purpose = $1 AND target = $2
		ORDER BY created_at DESC, id DESC LIMIT 1`, string(purpose), target))
}

// MarkConsumed is the single-use compare-and-set.
func (r *PostgresRepository) MarkConsumed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE verification_challenges SET consumed_at = $2
		WHERE id = $1 AND consumed_at IS NULL AND revoked_at IS NULL AND expires_at > $2`, id, at)
	return affectedOne(res, err)
}

// RecordFailedAttempt counts a wrong code atomically and locks the row at the cap.
func (r *PostgresRepository) RecordFailedAttempt(ctx context.Context, id string, maxAttempts int, at time.Time) (int, bool, error) {
	var (
		attempts int
		locked   bool
	)
	err := r.db.QueryRowContext(ctx, `
		UPDATE verification_challenges
		SET attempt_count = attempt_count + 1,
		    revoked_at = CASE WHEN attempt_count + 1 >= $2 THEN $3 ELSE revoked_at END
		WHERE id = $1 AND consumed_at IS NULL AND revoked_at IS NULL
		RETURNING attempt_count, revoked_at IS NOT NULL`, id, maxAttempts, at).Scan(&attempts, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrNotLive
	}
	if err != nil {
		return 0, false, err
	}
	return attempts, locked, nil
}

// MarkFulfilled marks a redeemed password-reset challenge as used for a credential change.
func (r *PostgresRepository) MarkFulfilled(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE verification_challenges SET fulfilled_at = $2
		WHERE id = $1 AND purpose = $3 AND consumed_at IS NOT NULL AND fulfilled_at IS NULL`,
		id, at, string(domain.PurposePasswordReset))
	return affectedOne(res, err)
}

// DeleteExpired removes challenges whose expiry is before the cutoff.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM verification_challenges WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanChallenge(row *sql.Row) (*domain.Challenge, error) {
	var (
		c                            domain.Challenge
		purpose                      string
		consumed, revoked, fulfilled sql.NullTime
	)
	err := row.Scan(&c.ID, &purpose, &c.Target, &c.TokenHash, &c.CodeHash, &c.AttemptCount,
		&c.ExpiresAt, &consumed, &revoked, &fulfilled, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.Purpose = domain.Purpose(purpose)
	c.ConsumedAt = db.TimePtr(consumed)
	c.RevokedAt = db.TimePtr(revoked)
	c.FulfilledAt = db.TimePtr(fulfilled)
	return &c, nil
}
