package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"identity-onboarding/backend/internal/db"
	"identity-onboarding/backend/internal/identity/domain"
	sessiondomain "identity-onboarding/backend/internal/session/domain"
	sessionrepo "identity-onboarding/backend/internal/session/repository"
	verificationrepo "identity-onboarding/backend/internal/verification/repository"
)

// ErrResetStale is returned when the reset challenge was already fulfilled by another request.
var ErrResetStale = errors.New("password reset challenge already fulfilled")

// PasswordReset is one credential change authorised by a redeemed password-reset challenge.
// Fulfilling the challenge, replacing the hash, revoking every session of the user and
// creating NewSession (optional) happen in one transaction.
type PasswordReset struct {
	ChallengeID  string
	UserID       string
	PasswordHash string
	NewSession   *sessiondomain.Session
	At           time.Time
}

// ResetPassword runs the reset transaction and returns how many sessions were revoked.
func (r *PostgresRepository) ResetPassword(ctx context.Context, reset *PasswordReset) (int64, error) {
	var revoked int64
	err := db.RunInTx(ctx, r.db, func(tx db.DBTX) error {
		ok, err := verificationrepo.NewPostgresRepository(tx).MarkFulfilled(ctx, reset.ChallengeID, reset.At)
		if err != nil {
			return fmt.Errorf("fulfil challenge: %w", err)
		}
		if !ok {
			return ErrResetStale
		}
		if err := NewPostgresRepository(tx).UpdatePasswordHash(ctx, reset.UserID, domain.IdentityProviderLocal, reset.PasswordHash, reset.At); err != nil {
			return fmt.Errorf("update password hash: %w", err)
		}
		sessions := sessionrepo.NewPostgresRepository(tx)
		if revoked, err = sessions.RevokeAllByUser(ctx, reset.UserID, reset.At); err != nil {
			return fmt.Errorf("revoke sessions: %w", err)
		}
		if reset.NewSession != nil {
			if err := sessions.Create(ctx, reset.NewSession); err != nil {
				return fmt.Errorf("create session: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return revoked, nil
}
