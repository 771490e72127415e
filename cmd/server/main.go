package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"identity-onboarding/backend/internal/api"
	"identity-onboarding/backend/internal/audit"
	auditrepo "identity-onboarding/backend/internal/audit/repository"
	"identity-onboarding/backend/internal/config"
	"identity-onboarding/backend/internal/db"
	"identity-onboarding/backend/internal/delivery"
	healthhandler "identity-onboarding/backend/internal/health/handler"
	identityrepo "identity-onboarding/backend/internal/identity/repository"
	identityservice "identity-onboarding/backend/internal/identity/service"
	"identity-onboarding/backend/internal/logging"
	membershiprepo "identity-onboarding/backend/internal/membership/repository"
	onboardingrepo "identity-onboarding/backend/internal/onboarding/repository"
	onboardingservice "identity-onboarding/backend/internal/onboarding/service"
	orgrepo "identity-onboarding/backend/internal/organization/repository"
	"identity-onboarding/backend/internal/policy/engine"
	"identity-onboarding/backend/internal/ratelimit"
	"identity-onboarding/backend/internal/security"
	"identity-onboarding/backend/internal/server"
	sessionrepo "identity-onboarding/backend/internal/session/repository"
	"identity-onboarding/backend/internal/telemetry"
	telemetryotel "identity-onboarding/backend/internal/telemetry/otel"
	"identity-onboarding/backend/internal/telemetry/producer"
	userrepo "identity-onboarding/backend/internal/user/repository"
	verificationrepo "identity-onboarding/backend/internal/verification/repository"
	vservice "identity-onboarding/backend/internal/verification/service"
)

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

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Options{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "identity-onboarding",
		Environment: cfg.Env,
		Insecure:    cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	providers.SetGlobal()

	kafkaProducer, err := producer.NewKafkaProducer(cfg.TelemetryKafkaBrokersList(), cfg.TelemetryKafkaTopic)
	if err != nil {
		return fmt.Errorf("kafka producer: %w", err)
	}
	counter, err := telemetryotel.NewEventCounter(providers.MeterProvider)
	if err != nil {
		return fmt.Errorf("event counter: %w", err)
	}
	emitter := telemetry.Multi{telemetryotel.NewEventEmitter(providers.LoggerProvider), counter}
	if kafkaProducer != nil {
		emitter = append(emitter, kafkaProducer)
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer conn.Close()

	signer, pub, ephemeral, err := security.LoadSigningKeys(cfg.JWTPrivateKey, cfg.JWTPublicKey, !cfg.IsProduction())
	if err != nil {
		return fmt.Errorf("signing keys: %w", err)
	}
	if ephemeral {
		logger.Warn("using an ephemeral signing key; sessions will not survive a restart")
	}
	tokens := security.NewTokenProvider(signer, pub, cfg.JWTIssuer, cfg.JWTAudience)
	hasher := security.NewHasher(cfg.BcryptCost)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	} else {
		logger.Info("REDIS_URL not set; throttling in process")
	}
	limiter := ratelimit.New(redisClient, cfg.RateLimitWindow(), cfg.RateLimitMax)

	policySrc, err := engine.LoadPolicy(cfg.SignupPolicyFile)
	if err != nil {
		return fmt.Errorf("signup policy: %w", err)
	}
	policy, err := engine.NewOPAEvaluator(ctx, policySrc, cfg.SignupBlockedDomainsList(), logger)
	if err != nil {
		return fmt.Errorf("signup policy: %w", err)
	}

	var senders delivery.Multi
	if cfg.ResendAPIKey != "" {
		senders = append(senders, delivery.NewResendClient(cfg.ResendAPIKey, cfg.ResendBaseURL))
	}
	mailSender := delivery.NewKafkaSender(cfg.TelemetryKafkaBrokersList(), cfg.MailKafkaTopic)
	if mailSender != nil {
		senders = append(senders, mailSender)
		defer mailSender.Close()
	}
	var mailbox *delivery.Mailbox
	if cfg.DevMailbox {
		mailbox = delivery.NewMailbox()
		senders = append(senders, mailbox)
	}
	if len(senders) == 0 {
		logger.Warn("no mail transport configured; verification emails will fail")
	}
	dispatcher := delivery.NewDispatcher(delivery.NewComposer(cfg.MailFrom, cfg.BaseURL), senders, logger)

	users := userrepo.NewPostgresRepository(conn)
	sessions := sessionrepo.NewPostgresRepository(conn)
	auditLogger := audit.NewLogger(auditrepo.NewPostgresRepository(conn), logger)

	challenges := vservice.NewService(verificationrepo.NewPostgresRepository(conn), vservice.Options{
		TTL:         cfg.ChallengeTTL(),
		MaxAttempts: cfg.ChallengeMaxAttempts,
		CodeLength:  cfg.CodeLength,
	}, emitter, logger)
	onboarding := onboardingservice.NewService(onboardingservice.Deps{
		Store:      onboardingrepo.NewPostgresRepository(conn),
		Users:      users,
		Challenges: challenges,
		Delivery:   dispatcher,
		Policy:     policy,
		Limiter:    limiter,
		Hasher:     hasher,
		Tokens:     tokens,
		Audit:      auditLogger,
		Emitter:    emitter,
		Logger:     logger,
	}, onboardingservice.Options{
		SessionTTL:    cfg.SessionTTL(),
		RememberTTL:   cfg.SessionRememberTTL(),
		OnboardingTTL: cfg.OnboardingTTL(),
	})
	auth := identityservice.NewAuthService(identityservice.Deps{
		Users:       users,
		Identities:  identityrepo.NewPostgresRepository(conn),
		Sessions:    sessions,
		Memberships: membershiprepo.NewPostgresRepository(conn),
		Orgs:        orgrepo.NewPostgresRepository(conn),
		Challenges:  challenges,
		Delivery:    dispatcher,
		Limiter:     limiter,
		Hasher:      hasher,
		Tokens:      tokens,
		Audit:       auditLogger,
		Emitter:     emitter,
		Logger:      logger,
	}, cfg.SessionTTL(), cfg.SessionRememberTTL())

	health := healthhandler.NewServer(conn, policy)
	handlers := api.NewHandlers(api.Services{
		Verification: challenges,
		Onboarding:   onboarding,
		Auth:         auth,
		Health:       health,
		Limiter:      limiter,
		Mailbox:      mailbox,
	}, logger)
	router := api.NewRouter(handlers, api.RouterOptions{
		CORSOrigins: cfg.CORSAllowedOriginsList(),
		Debug:       cfg.Env == "development",
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcServer := server.NewGRPCServer(server.Deps{Health: health, Logger: logger})
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		logger.Info("gRPC health server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	auth.Wait()

	// Let in-flight async emits finish before the exporters go away.
	time.Sleep(telemetry.ShutdownDrainDuration)
	if err := kafkaProducer.Close(); err != nil {
		logger.Warn("kafka producer close", zap.Error(err))
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Warn("otel shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
	return serveErr
}
