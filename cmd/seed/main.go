// seed inserts development sample data for local testing. Run with go run ./cmd/seed.
// Idempotent: skips inserts if the dev user (dev@example.com) already exists.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"identity-onboarding/backend/internal/config"
	"identity-onboarding/backend/internal/db"
	identitydomain "identity-onboarding/backend/internal/identity/domain"
	identityrepo "identity-onboarding/backend/internal/identity/repository"
	"identity-onboarding/backend/internal/logging"
	membershipdomain "identity-onboarding/backend/internal/membership/domain"
	membershiprepo "identity-onboarding/backend/internal/membership/repository"
	orgdomain "identity-onboarding/backend/internal/organization/domain"
	orgrepo "identity-onboarding/backend/internal/organization/repository"
	"identity-onboarding/backend/internal/security"
	userdomain "identity-onboarding/backend/internal/user/domain"
	userrepo "identity-onboarding/backend/internal/user/repository"
)

const (
	devUserEmail     = "dev@example.com"
	devPassword      = "password123"
	devUserID        = "dev-user-001"
	devUser2ID       = "dev-user-002"
	devIdentityID    = "dev-identity-001"
	devIdentity2ID   = "dev-identity-002"
	devOrgID         = "dev-org-001"
	devMembershipID  = "dev-membership-001"
	devMembership2ID = "dev-membership-002"
	memberEmail      = "member@example.com"
)

type seedUser struct {
	userID, identityID, membershipID string
	email, first, last               string
	role                             membershipdomain.Role
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("seed")

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db", zap.Error(err))
	}
	defer conn.Close()

	ctx := context.Background()
	existing, err := userrepo.NewPostgresRepository(conn).GetByEmail(ctx, devUserEmail)
	if err != nil {
		logger.Fatal("seed check", zap.Error(err))
	}
	if existing != nil {
		logger.Info("seed already applied, skipping", zap.String("email", devUserEmail))
		return
	}

	passwordHash, err := security.NewHasher(cfg.BcryptCost).Hash([]byte(devPassword))
	if err != nil {
		logger.Fatal("hash password", zap.Error(err))
	}
	now := time.Now().UTC()

	users := []seedUser{
		{devUserID, devIdentityID, devMembershipID, devUserEmail, "Dev", "User", membershipdomain.RoleOwner},
		{devUser2ID, devIdentity2ID, devMembership2ID, memberEmail, "Member", "User", membershipdomain.RoleMember},
	}

	err = db.RunInTx(ctx, conn, func(tx db.DBTX) error {
		org := &orgdomain.Org{
			ID:   devOrgID,
			Name: "Acme Dev",
			Address: orgdomain.Address{
				Line1:   "1 Main St",
				City:    "Springfield",
				State:   "IL",
				ZipCode: "62701",
			},
			Status:    orgdomain.OrgStatusActive,
			CreatedAt: now,
		}
		if err := orgrepo.NewPostgresRepository(tx).Create(ctx, org); err != nil {
			return fmt.Errorf("create org: %w", err)
		}
		for _, su := range users {
			verified := now
			u := &userdomain.User{
				ID:              su.userID,
				Email:           su.email,
				Name:            userdomain.FullName(su.first, su.last),
				FirstName:       su.first,
				LastName:        su.last,
				Status:          userdomain.UserStatusActive,
				EmailVerifiedAt: &verified,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := userrepo.NewPostgresRepository(tx).Create(ctx, u); err != nil {
				return fmt.Errorf("create user %s: %w", su.email, err)
			}
			if err := identityrepo.NewPostgresRepository(tx).Create(ctx, &identitydomain.Identity{
				ID:           su.identityID,
				UserID:       su.userID,
				Provider:     identitydomain.IdentityProviderLocal,
				ProviderID:   su.email,
				PasswordHash: passwordHash,
				CreatedAt:    now,
				UpdatedAt:    now,
			}); err != nil {
				return fmt.Errorf("create identity %s: %w", su.email, err)
			}
			if err := membershiprepo.NewPostgresRepository(tx).Create(ctx, &membershipdomain.Membership{
				ID:        su.membershipID,
				UserID:    su.userID,
				OrgID:     devOrgID,
				Role:      su.role,
				CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("create membership %s: %w", su.email, err)
			}
		}
		return nil
	})
	if err != nil {
		logger.Fatal("seed", zap.Error(err))
	}

	logger.Info("seed completed")
	fmt.Printf("Dev login: %s / %s\n", devUserEmail, devPassword)
	fmt.Printf("Member login: %s / %s\n", memberEmail, devPassword)
}
