// Janitor periodically deletes expired or finished verification challenges and abandoned onboarding sessions.
// Set DATABASE_URL and optionally JANITOR_INTERVAL. Pass -once to run a single sweep and exit.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"identity-onboarding/backend/internal/config"
	"identity-onboarding/backend/internal/db"
	"identity-onboarding/backend/internal/logging"
	onboardingrepo "identity-onboarding/backend/internal/onboarding/repository"
	onboardingservice "identity-onboarding/backend/internal/onboarding/service"
	verificationrepo "identity-onboarding/backend/internal/verification/repository"
	vservice "identity-onboarding/backend/internal/verification/service"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("janitor")

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}
	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db", zap.Error(err))
	}
	defer conn.Close()

	challenges := vservice.NewService(verificationrepo.NewPostgresRepository(conn), vservice.Options{
		TTL:         cfg.ChallengeTTL(),
		MaxAttempts: cfg.ChallengeMaxAttempts,
		CodeLength:  cfg.CodeLength,
	}, nil, logger)
	onboarding := onboardingservice.NewService(onboardingservice.Deps{
		Store:  onboardingrepo.NewPostgresRepository(conn),
		Logger: logger,
	}, onboardingservice.Options{OnboardingTTL: cfg.OnboardingTTL()})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Consumed password-reset challenges stay redeemable for one TTL, so they are kept that long.
	grace := cfg.ChallengeTTL()
	sweep := func() {
		sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		nc, err := challenges.Purge(sweepCtx, grace)
		if err != nil {
			logger.Error("purge challenges", zap.Error(err))
		}
		ns, err := onboarding.Purge(sweepCtx)
		if err != nil {
			logger.Error("purge onboarding sessions", zap.Error(err))
		}
		logger.Info("sweep done", zap.Int64("challenges", nc), zap.Int64("onboarding_sessions", ns))
	}

	sweep()
	if *once {
		return
	}

	interval := cfg.JanitorInterval()
	logger.Info("janitor running", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("janitor stopped")
			return
		case <-ticker.C:
			sweep()
		}
	}
}
