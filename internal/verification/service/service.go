// Package service issues and redeems verification challenges.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"identity-onboarding/backend/internal/db"
	"identity-onboarding/backend/internal/telemetry"
	telemetrydomain "identity-onboarding/backend/internal/telemetry/domain"
	"identity-onboarding/backend/internal/verification"
	"identity-onboarding/backend/internal/verification/domain"
	"identity-onboarding/backend/internal/verification/repository"
)

// Sentinel errors for the challenge service; the HTTP layer maps them to status codes.
var (
	ErrNotFound        = errors.New("verification challenge not found")
	ErrExpired         = errors.New("verification challenge expired")
	ErrAlreadyUsed     = errors.New("verification challenge already used")
	ErrInvalidCode     = errors.New("invalid verification code")
	ErrTooManyAttempts = errors.New("too many failed verification attempts")
	ErrConflict        = errors.New("verification challenge changed concurrently")
	ErrInvalidPurpose  = errors.New("unknown verification purpose")
)

// issueAttempts bounds retries when a concurrent issue for the same pair wins the partial unique index.
const issueAttempts = 3

const (
	defaultTTL         = 10 * time.Minute
	defaultMaxAttempts = 5
	defaultCodeLength  = 6
)

// Options configures issuance and redemption.
type Options struct {
	TTL         time.Duration
	MaxAttempts int
	CodeLength  int
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// Service is the challenge issuer and redeemer.
type Service struct {
	repo    repository.Repository
	opts    Options
	clock   clockwork.Clock
	emitter telemetry.EventEmitter
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewService returns a Service. emitter and logger may be nil.
func NewService(repo repository.Repository, opts Options, emitter telemetry.EventEmitter, logger *zap.Logger) *Service {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.CodeLength <= 0 {
		opts.CodeLength = defaultCodeLength
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:    repo,
		opts:    opts,
		clock:   clock,
		emitter: emitter,
		logger:  logger.Named("verification"),
		tracer:  otel.Tracer("identity-onboarding/verification"),
	}
}

// TTL is the lifetime of an issued challenge.
func (s *Service) TTL() time.Duration { return s.opts.TTL }

// Issue creates a challenge for (purpose, target), superseding any live one for the pair.
// The raw token and code are returned once and never stored.
func (s *Service) Issue(ctx context.Context, purpose domain.Purpose, target string) (*domain.Issued, error) {
	ctx, span := s.tracer.Start(ctx, "verification.Issue", trace.WithAttributes(attribute.String("purpose", string(purpose))))
	defer span.End()

	if _, ok := domain.ParsePurpose(string(purpose)); !ok {
		return nil, ErrInvalidPurpose
	}
	target = verification.NormalizeTarget(target)
	if err := verification.ValidateEmail(target); err != nil {
		return nil, err
	}

	var lastErr error
	for i := 0; i < issueAttempts; i++ {
		issued, c, err := s.newChallenge(purpose, target)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "generate secrets")
			return nil, err
		}
		err = s.repo.Replace(ctx, c, c.CreatedAt)
		if err == nil {
			s.logger.Info("challenge issued",
				zap.String("challenge_id", c.ID),
				zap.String("purpose", string(purpose)),
				zap.Time("expires_at", c.ExpiresAt))
			s.emit(telemetrydomain.EventChallengeIssued, c)
			return issued, nil
		}
		if !db.IsUniqueViolation(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "replace challenge")
			return nil, fmt.Errorf("store challenge: %w", err)
		}
		lastErr = err
	}
	s.logger.Warn("challenge issue kept losing to concurrent issues", zap.String("purpose", string(purpose)), zap.Error(lastErr))
	return nil, ErrConflict
}

func (s *Service) newChallenge(purpose domain.Purpose, target string) (*domain.Issued, *domain.Challenge, error) {
	token, err := verification.GenerateToken()
	if err != nil {
		return nil, nil, fmt.Errorf("generate token: %w", err)
	}
	code, err := verification.GenerateCode(s.opts.CodeLength)
	if err != nil {
		return nil, nil, fmt.Errorf("generate code: %w", err)
	}
	now := s.clock.Now().UTC()
	c := &domain.Challenge{
		ID:        uuid.New().String(),
		Purpose:   purpose,
		Target:    target,
		TokenHash: verification.HashToken(token),
		CodeHash:  verification.HashCode(code),
		ExpiresAt: now.Add(s.opts.TTL),
		CreatedAt: now,
	}
	issued := &domain.Issued{
		ChallengeID: c.ID,
		Purpose:     purpose,
		Target:      target,
		Token:       token,
		Code:        code,
		ExpiresAt:   c.ExpiresAt,
	}
	return issued, c, nil
}

// RedeemByToken consumes the challenge whose link token is token.
func (s *Service) RedeemByToken(ctx context.Context, token string) (*domain.Challenge, error) {
	return s.RedeemLink(ctx, "", token)
}

// RedeemLink consumes the challenge behind a clicked link. When target is non-empty it must match
// the challenge target; a mismatch is reported as ErrNotFound and leaves the challenge untouched.
func (s *Service) RedeemLink(ctx context.Context, target, token string) (*domain.Challenge, error) {
	ctx, span := s.tracer.Start(ctx, "verification.RedeemByToken")
	defer span.End()

	if token == "" {
		return nil, ErrNotFound
	}
	c, err := s.repo.GetByTokenHash(ctx, verification.HashToken(token))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	if c == nil {
		return nil, ErrNotFound
	}
	if target != "" && verification.NormalizeTarget(target) != c.Target {
		return nil, ErrNotFound
	}
	span.SetAttributes(attribute.String("purpose", string(c.Purpose)))
	if err := s.checkLive(c); err != nil {
		s.emitFailure(c, "link", err)
		return nil, err
	}
	return s.consume(ctx, c, "link")
}

// RedeemByCode consumes the latest challenge for (purpose, target) when code matches.
// An unknown pair and a wrong code both return ErrInvalidCode.
func (s *Service) RedeemByCode(ctx context.Context, purpose domain.Purpose, target, code string) (*domain.Challenge, error) {
	ctx, span := s.tracer.Start(ctx, "verification.RedeemByCode", trace.WithAttributes(attribute.String("purpose", string(purpose))))
	defer span.End()

	if _, ok := domain.ParsePurpose(string(purpose)); !ok {
		return nil, ErrInvalidPurpose
	}
	target = verification.NormalizeTarget(target)
	c, err := s.repo.GetLatest(ctx, purpose, target)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	if c == nil {
		// Same hashing work as a real comparison.
		_ = verification.CodeMatches(code, verification.HashCode(""))
		return nil, ErrInvalidCode
	}
	if err := s.checkLive(c); err != nil {
		s.emitFailure(c, "code", err)
		return nil, err
	}
	if verification.NormalizeCode(code) == "" || !verification.CodeMatches(code, c.CodeHash) {
		return nil, s.recordMismatch(ctx, c)
	}
	return s.consume(ctx, c, "code")
}

func (s *Service) recordMismatch(ctx context.Context, c *domain.Challenge) error {
	attempts, locked, err := s.repo.RecordFailedAttempt(ctx, c.ID, s.opts.MaxAttempts, s.clock.Now().UTC())
	if errors.Is(err, repository.ErrNotLive) {
		return s.classify(ctx, c.ID)
	}
	if err != nil {
		return fmt.Errorf("record failed attempt: %w", err)
	}
	if locked {
		s.logger.Warn("challenge locked after failed attempts",
			zap.String("challenge_id", c.ID), zap.Int("attempts", attempts))
		s.emitFailure(c, "code", ErrTooManyAttempts)
		return ErrTooManyAttempts
	}
	s.emitFailure(c, "code", ErrInvalidCode)
	return ErrInvalidCode
}

// checkLive applies the state checks shared by both redemption paths, in order:
// consumed, revoked, expired.
func (s *Service) checkLive(c *domain.Challenge) error {
	switch {
	case c.Consumed():
		return ErrAlreadyUsed
	case c.Revoked():
		if c.AttemptCount >= s.opts.MaxAttempts {
			return ErrTooManyAttempts
		}
		return ErrAlreadyUsed
	case c.Expired(s.clock.Now()):
		return ErrExpired
	}
	return nil
}

func (s *Service) consume(ctx context.Context, c *domain.Challenge, channel string) (*domain.Challenge, error) {
	now := s.clock.Now().UTC()
	ok, err := s.repo.MarkConsumed(ctx, c.ID, now)
	if err != nil {
		return nil, fmt.Errorf("consume challenge: %w", err)
	}
	if !ok {
		err := s.classify(ctx, c.ID)
		s.emitFailure(c, channel, err)
		return nil, err
	}
	c.ConsumedAt = &now
	s.logger.Info("challenge redeemed",
		zap.String("challenge_id", c.ID),
		zap.String("purpose", string(c.Purpose)),
		zap.String("channel", channel))
	s.emit(telemetrydomain.EventChallengeRedeemed, c, "channel", channel)
	return c, nil
}

// classify re-reads a row after a lost compare-and-set and names what happened to it.
func (s *Service) classify(ctx context.Context, id string) error {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("reload challenge: %w", err)
	}
	if c == nil {
		return ErrNotFound
	}
	if err := s.checkLive(c); err != nil {
		return err
	}
	return ErrConflict
}

// Get returns a challenge by ID or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*domain.Challenge, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	if c == nil {
		return nil, ErrNotFound
	}
	return c, nil
}

// Purge deletes challenges that expired more than grace ago.
func (s *Service) Purge(ctx context.Context, grace time.Duration) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.clock.Now().UTC().Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("purge challenges: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired challenges purged", zap.Int64("count", n))
	}
	return n, nil
}

func (s *Service) emit(eventType string, c *domain.Challenge, kv ...string) {
	if s.emitter == nil {
		return
	}
	ev := telemetrydomain.NewEvent(eventType, "verification")
	ev.Purpose = string(c.Purpose)
	ev.Target = c.Target
	ev.With("challenge_id", c.ID)
	for i := 0; i+1 < len(kv); i += 2 {
		ev.With(kv[i], kv[i+1])
	}
	telemetry.EmitAsync(s.emitter, s.logger, ev)
}

func (s *Service) emitFailure(c *domain.Challenge, channel string, cause error) {
	s.emit(telemetrydomain.EventChallengeRedeemFailed, c, "channel", channel, "reason", cause.Error())
}
