// Package service drives signup: request a challenge, start from a redeemed challenge, then
// profile and organization steps ending in one transactional completion.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"identity-onboarding/backend/internal/audit"
	auditdomain "identity-onboarding/backend/internal/audit/domain"
	identitydomain "identity-onboarding/backend/internal/identity/domain"
	membershipdomain "identity-onboarding/backend/internal/membership/domain"
	"identity-onboarding/backend/internal/onboarding/domain"
	"identity-onboarding/backend/internal/onboarding/repository"
	orgdomain "identity-onboarding/backend/internal/organization/domain"
	"identity-onboarding/backend/internal/policy/engine"
	"identity-onboarding/backend/internal/ratelimit"
	"identity-onboarding/backend/internal/requestctx"
	"identity-onboarding/backend/internal/security"
	sessiondomain "identity-onboarding/backend/internal/session/domain"
	"identity-onboarding/backend/internal/telemetry"
	telemetrydomain "identity-onboarding/backend/internal/telemetry/domain"
	userdomain "identity-onboarding/backend/internal/user/domain"
	"identity-onboarding/backend/internal/verification"
	vdomain "identity-onboarding/backend/internal/verification/domain"
)

// Sentinel errors for the onboarding workflow; the HTTP layer maps them to status codes.
var (
	ErrInvalidSession         = errors.New("onboarding session is invalid or expired")
	ErrOutOfOrder             = errors.New("onboarding step submitted out of order")
	ErrValidation             = errors.New("validation failed")
	ErrEmailAlreadyRegistered = errors.New("email already registered")
	ErrSignupNotAllowed       = errors.New("signup is not allowed for this email")
	ErrRateLimited            = errors.New("too many requests")
)

// ChallengeIssuer is the part of the verification service onboarding needs.
type ChallengeIssuer interface {
	Issue(ctx context.Context, purpose vdomain.Purpose, target string) (*vdomain.Issued, error)
}

// Deliverer sends the email for an issued challenge.
type Deliverer interface {
	Deliver(ctx context.Context, issued *vdomain.Issued) error
}

// UserReader is the minimal user repository needed by onboarding.
type UserReader interface {
	GetByEmail(ctx context.Context, email string) (*userdomain.User, error)
}

// Deps are the collaborators of the workflow. Policy, Limiter, Audit, Emitter, Logger and Clock may be nil.
type Deps struct {
	Store      repository.Repository
	Users      UserReader
	Challenges ChallengeIssuer
	Delivery   Deliverer
	Policy     engine.Evaluator
	Limiter    ratelimit.Limiter
	Hasher     *security.Hasher
	Tokens     *security.TokenProvider
	Audit      audit.AuditLogger
	Emitter    telemetry.EventEmitter
	Logger     *zap.Logger
	Clock      clockwork.Clock
}

// Options are the lifetimes used by the workflow.
type Options struct {
	SessionTTL    time.Duration
	RememberTTL   time.Duration
	OnboardingTTL time.Duration
}

// ProfileInput is the profile step.
type ProfileInput struct {
	FirstName       string
	LastName        string
	Password        string
	ConfirmPassword string
	Remember        bool
}

// OrganizationInput is the organization step. AddressLine2 is optional.
type OrganizationInput struct {
	Name         string
	AddressLine1 string
	AddressLine2 string
	City         string
	State        string
	ZipCode      string
}

// Started is returned when a redeemed challenge opens a workflow. Token is shown once.
type Started struct {
	Token     string
	Email     string
	ExpiresAt time.Time
}

// Completed is the result of the last step.
type Completed struct {
	User        *userdomain.User
	Org         *orgdomain.Org
	Session     *sessiondomain.Session
	AccessToken string
}

// Service implements the onboarding workflow.
type Service struct {
	d      Deps
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer
}

// NewService returns a Service.
func NewService(d Deps, opts Options) *Service {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}
	if opts.RememberTTL <= 0 {
		opts.RememberTTL = 720 * time.Hour
	}
	if opts.OnboardingTTL <= 0 {
		opts.OnboardingTTL = time.Hour
	}
	return &Service{d: d, opts: opts, logger: logger.Named("onboarding"), tracer: otel.Tracer("identity-onboarding/onboarding")}
}

func validationErr(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}

// RequestSignup issues an onboarding challenge for email and delivers it. Re-requesting supersedes the
// previous challenge. A delivery failure is returned but the challenge stays valid.
func (s *Service) RequestSignup(ctx context.Context, email string) error {
	ctx, span := s.tracer.Start(ctx, "onboarding.RequestSignup")
	defer span.End()

	email = verification.NormalizeTarget(email)
	if err := verification.ValidateEmail(email); err != nil {
		return validationErr("a valid email is required")
	}
	if err := s.throttle(ctx, ratelimit.Key("issue", email), ratelimit.Key("issue-ip", clientIP(ctx))); err != nil {
		return err
	}
	existing, err := s.d.Users.GetByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}
	if existing != nil {
		return ErrEmailAlreadyRegistered
	}
	if err := s.checkPolicy(ctx, email); err != nil {
		return err
	}
	issued, err := s.d.Challenges.Issue(ctx, vdomain.PurposeOnboarding, email)
	if err != nil {
		return err
	}
	return s.d.Delivery.Deliver(ctx, issued)
}

func (s *Service) checkPolicy(ctx context.Context, email string) error {
	if s.d.Policy == nil {
		return nil
	}
	decision, err := s.d.Policy.EvaluateSignup(ctx, engine.SignupRequest{Email: email, ClientIP: clientIP(ctx)})
	if err != nil {
		return fmt.Errorf("signup policy: %w", err)
	}
	if !decision.Allowed {
		s.logger.Info("signup refused by policy", zap.String("reason", decision.Reason))
		if decision.Reason != "" {
			return fmt.Errorf("%w: %s", ErrSignupNotAllowed, decision.Reason)
		}
		return ErrSignupNotAllowed
	}
	return nil
}

func (s *Service) throttle(ctx context.Context, keys ...string) error {
	err := ratelimit.Check(ctx, s.d.Limiter, keys...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ratelimit.ErrLimited):
		return ErrRateLimited
	}
	s.logger.Warn("rate limiter unavailable, allowing request", zap.Error(err))
	return nil
}

// Start opens a workflow for the target of a redeemed onboarding or email-verification challenge.
// Any earlier workflow for the same email is discarded.
func (s *Service) Start(ctx context.Context, c *vdomain.Challenge) (*Started, error) {
	if c == nil || !c.Consumed() {
		return nil, ErrInvalidSession
	}
	if c.Purpose != vdomain.PurposeOnboarding && c.Purpose != vdomain.PurposeEmailVerification {
		return nil, ErrInvalidSession
	}
	existing, err := s.d.Users.GetByEmail(ctx, c.Target)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if existing != nil {
		return nil, ErrEmailAlreadyRegistered
	}
	// Email-verification challenges for unknown addresses also land here.
	if err := s.checkPolicy(ctx, c.Target); err != nil {
		return nil, err
	}
	token, err := verification.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("generate onboarding token: %w", err)
	}
	now := s.d.Clock.Now().UTC()
	sess := &domain.Session{
		ID:        uuid.New().String(),
		TokenHash: security.HashSecret(token),
		Email:     c.Target,
		Step:      domain.StepVerified,
		ExpiresAt: now.Add(s.opts.OnboardingTTL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.d.Store.Replace(ctx, sess); err != nil {
		return nil, fmt.Errorf("store onboarding session: %w", err)
	}
	s.logger.Info("onboarding started", zap.String("onboarding_id", sess.ID), zap.String("challenge_id", c.ID))
	return &Started{Token: token, Email: sess.Email, ExpiresAt: sess.ExpiresAt}, nil
}

// load resolves a bearer token to a live workflow session.
func (s *Service) load(ctx context.Context, token string) (*domain.Session, error) {
	if token == "" {
		return nil, ErrInvalidSession
	}
	sess, err := s.d.Store.GetByTokenHash(ctx, security.HashSecret(token))
	if err != nil {
		return nil, fmt.Errorf("load onboarding session: %w", err)
	}
	if sess == nil || sess.Expired(s.d.Clock.Now()) {
		return nil, ErrInvalidSession
	}
	return sess, nil
}

// Get returns the live workflow session behind token.
func (s *Service) Get(ctx context.Context, token string) (*domain.Session, error) {
	return s.load(ctx, token)
}

// SubmitProfile stores name and credential and moves verified -> profile-submitted.
func (s *Service) SubmitProfile(ctx context.Context, token string, in ProfileInput) error {
	ctx, span := s.tracer.Start(ctx, "onboarding.SubmitProfile")
	defer span.End()

	sess, err := s.load(ctx, token)
	if err != nil {
		return err
	}
	if !sess.Step.CanAdvanceTo(domain.StepProfileSubmitted) {
		return ErrOutOfOrder
	}
	first, last := strings.TrimSpace(in.FirstName), strings.TrimSpace(in.LastName)
	if first == "" {
		return validationErr("first name is required")
	}
	if last == "" {
		return validationErr("last name is required")
	}
	if err := security.CheckNewPassword(in.Password, in.ConfirmPassword); err != nil {
		return validationErr(err.Error())
	}
	hash, err := s.d.Hasher.Hash([]byte(in.Password))
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	sess.FirstName, sess.LastName, sess.PasswordHash, sess.Remember = first, last, hash, in.Remember
	ok, err := s.d.Store.SaveProfile(ctx, sess, s.d.Clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	if !ok {
		return s.reclassify(ctx, token)
	}
	s.logger.Info("onboarding profile submitted", zap.String("onboarding_id", sess.ID))
	return nil
}

// SubmitOrganization takes the organization step and completes the workflow: user, credential,
// organization, owner membership and first session are created in one transaction and the
// workflow session is discarded.
func (s *Service) SubmitOrganization(ctx context.Context, token string, in OrganizationInput) (*Completed, error) {
	ctx, span := s.tracer.Start(ctx, "onboarding.SubmitOrganization")
	defer span.End()

	sess, err := s.load(ctx, token)
	if err != nil {
		return nil, err
	}
	if !sess.Step.CanAdvanceTo(domain.StepOrganizationSubmitted) {
		return nil, ErrOutOfOrder
	}
	now := s.d.Clock.Now().UTC()
	org := &orgdomain.Org{
		ID:   uuid.New().String(),
		Name: strings.TrimSpace(in.Name),
		Address: orgdomain.Address{
			Line1:   strings.TrimSpace(in.AddressLine1),
			Line2:   strings.TrimSpace(in.AddressLine2),
			City:    strings.TrimSpace(in.City),
			State:   strings.TrimSpace(in.State),
			ZipCode: strings.TrimSpace(in.ZipCode),
		},
		Status:    orgdomain.OrgStatusActive,
		CreatedAt: now,
	}
	if err := org.Validate(); err != nil {
		return nil, validationErr(err.Error())
	}

	completion := s.buildCompletion(ctx, sess, org, now)
	if err := s.d.Store.Finalize(ctx, completion); err != nil {
		switch {
		case errors.Is(err, repository.ErrEmailTaken):
			return nil, ErrEmailAlreadyRegistered
		case errors.Is(err, repository.ErrStale):
			return nil, s.reclassify(ctx, token)
		}
		return nil, fmt.Errorf("finalize onboarding: %w", err)
	}

	u, session := completion.User, completion.Session
	access, err := s.d.Tokens.IssueSession(session.ID, u.ID, session.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("issue session token: %w", err)
	}
	s.logger.Info("onboarding completed",
		zap.String("onboarding_id", sess.ID),
		zap.String("user_id", u.ID),
		zap.String("org_id", org.ID))
	if s.d.Audit != nil {
		s.d.Audit.LogEvent(ctx, u.ID, auditdomain.ActionOnboardingCompleted, "organization:"+org.ID, "")
	}
	if s.d.Emitter != nil {
		ev := telemetrydomain.NewEvent(telemetrydomain.EventOnboardingCompleted, "onboarding")
		ev.UserID, ev.SessionID = u.ID, session.ID
		ev.With("org_id", org.ID)
		telemetry.EmitAsync(s.d.Emitter, s.logger, ev)
	}
	return &Completed{User: u, Org: org, Session: session, AccessToken: access}, nil
}

func (s *Service) buildCompletion(ctx context.Context, sess *domain.Session, org *orgdomain.Org, now time.Time) *domain.Completion {
	verifiedAt := now
	u := &userdomain.User{
		ID:              uuid.New().String(),
		Email:           sess.Email,
		Name:            userdomain.FullName(sess.FirstName, sess.LastName),
		FirstName:       sess.FirstName,
		LastName:        sess.LastName,
		Status:          userdomain.UserStatusActive,
		EmailVerifiedAt: &verifiedAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	ttl := s.opts.SessionTTL
	if sess.Remember {
		ttl = s.opts.RememberTTL
	}
	return &domain.Completion{
		OnboardingID: sess.ID,
		User:         u,
		Identity: &identitydomain.Identity{
			ID:           uuid.New().String(),
			UserID:       u.ID,
			Provider:     identitydomain.IdentityProviderLocal,
			ProviderID:   u.Email,
			PasswordHash: sess.PasswordHash,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		Org: org,
		Membership: &membershipdomain.Membership{
			ID:        uuid.New().String(),
			UserID:    u.ID,
			OrgID:     org.ID,
			Role:      membershipdomain.RoleOwner,
			CreatedAt: now,
		},
		Session: sessiondomain.New(uuid.New().String(), u.ID, sess.Remember, clientIP(ctx), now, ttl),
	}
}

// reclassify names the outcome of a lost compare-and-set on the workflow session.
func (s *Service) reclassify(ctx context.Context, token string) error {
	if _, err := s.load(ctx, token); err != nil {
		return err
	}
	return ErrOutOfOrder
}

// Purge deletes workflow sessions that expired before now.
func (s *Service) Purge(ctx context.Context) (int64, error) {
	n, err := s.d.Store.DeleteExpired(ctx, s.d.Clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge onboarding sessions: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired onboarding sessions purged", zap.Int64("count", n))
	}
	return n, nil
}

func clientIP(ctx context.Context) string {
	ip := requestctx.ClientIP(ctx)
	if ip == "unknown" {
		return ""
	}
	return ip
}
