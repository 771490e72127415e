// Package service is the credential and session manager: password login, session authentication,
// logout, password reset and email verification for existing accounts.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"identity-onboarding/backend/internal/audit"
	auditdomain "identity-onboarding/backend/internal/audit/domain"
	identitydomain "identity-onboarding/backend/internal/identity/domain"
	"identity-onboarding/backend/internal/identity/repository"
	membershipdomain "identity-onboarding/backend/internal/membership/domain"
	orgdomain "identity-onboarding/backend/internal/organization/domain"
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

// Sentinel errors for the auth service; the HTTP layer maps them to status codes.
var (
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrUnauthenticated     = errors.New("session is invalid or expired")
	ErrInvalidReset        = errors.New("password reset is invalid or expired")
	ErrInvalidVerification = errors.New("email verification is invalid or expired")
	ErrValidation          = errors.New("validation failed")
	ErrRateLimited         = errors.New("too many requests")
)

// deliveryTimeout bounds one background issue and delivery started by a success-shaped request.
const deliveryTimeout = 30 * time.Second

// UserRepo is the minimal user repository needed by the auth service.
type UserRepo interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
	GetByEmail(ctx context.Context, email string) (*userdomain.User, error)
	MarkEmailVerified(ctx context.Context, id string, at time.Time) error
}

// SessionRepo is the minimal session repository needed by the auth service.
type SessionRepo interface {
	GetByID(ctx context.Context, id string) (*sessiondomain.Session, error)
	Create(ctx context.Context, s *sessiondomain.Session) error
	Revoke(ctx context.Context, id string, at time.Time) error
	UpdateLastSeen(ctx context.Context, id string, at time.Time) error
}

// MembershipRepo lists the organizations a user belongs to.
type MembershipRepo interface {
	ListByUser(ctx context.Context, userID string) ([]*membershipdomain.Membership, error)
}

// OrgRepo loads organizations.
type OrgRepo interface {
	GetByID(ctx context.Context, id string) (*orgdomain.Org, error)
}

// Challenges is the part of the verification service the auth service needs.
type Challenges interface {
	Issue(ctx context.Context, purpose vdomain.Purpose, target string) (*vdomain.Issued, error)
	Get(ctx context.Context, id string) (*vdomain.Challenge, error)
	TTL() time.Duration
}

// Deliverer sends the email for an issued challenge.
type Deliverer interface {
	Deliver(ctx context.Context, issued *vdomain.Issued) error
}

// Deps are the collaborators of AuthService. Limiter, Audit, Emitter, Logger and Clock may be nil.
type Deps struct {
	Users       UserRepo
	Identities  repository.Repository
	Sessions    SessionRepo
	Memberships MembershipRepo
	Orgs        OrgRepo
	Challenges  Challenges
	Delivery    Deliverer
	Limiter     ratelimit.Limiter
	Hasher      *security.Hasher
	Tokens      *security.TokenProvider
	Audit       audit.AuditLogger
	Emitter     telemetry.EventEmitter
	Logger      *zap.Logger
	Clock       clockwork.Clock
}

// AuthResult is a freshly created session and its bearer token.
type AuthResult struct {
	User        *userdomain.User
	Session     *sessiondomain.Session
	AccessToken string
}

// Principal is the caller behind a valid bearer token.
type Principal struct {
	UserID    string
	SessionID string
}

// Profile is the current user with the organizations they belong to.
type Profile struct {
	User        *userdomain.User
	Memberships []*membershipdomain.Membership
	Orgs        []*orgdomain.Org
}

// AuthService implements login, logout, authentication and password reset.
type AuthService struct {
	d           Deps
	sessionTTL  time.Duration
	rememberTTL time.Duration
	logger      *zap.Logger
	tracer      trace.Tracer
	pending     sync.WaitGroup
}

// NewAuthService returns an AuthService. sessionTTL applies by default, rememberTTL when the caller asks to be remembered.
func NewAuthService(d Deps, sessionTTL, rememberTTL time.Duration) *AuthService {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		d:           d,
		sessionTTL:  sessionTTL,
		rememberTTL: rememberTTL,
		logger:      logger.Named("auth"),
		tracer:      otel.Tracer("identity-onboarding/identity"),
	}
}

// Login authenticates email/password and creates a session. Unknown email, missing credential and
// wrong password all return ErrInvalidCredentials after one bcrypt comparison.
func (s *AuthService) Login(ctx context.Context, email, password string, remember bool) (*AuthResult, error) {
	ctx, span := s.tracer.Start(ctx, "auth.Login")
	defer span.End()

	email = verification.NormalizeTarget(email)
	if err := s.throttle(ctx, ratelimit.Key("login", email), ratelimit.Key("login-ip", clientIP(ctx))); err != nil {
		return nil, err
	}
	user, ident, err := s.lookupCredential(ctx, email)
	if err != nil {
		return nil, err
	}
	if ident == nil {
		s.d.Hasher.CompareDummy([]byte(password))
		s.loginFailed(ctx, "")
		return nil, ErrInvalidCredentials
	}
	if err := s.d.Hasher.Compare(ident.PasswordHash, []byte(password)); err != nil {
		s.loginFailed(ctx, user.ID)
		return nil, ErrInvalidCredentials
	}
	res, err := s.newSession(ctx, user, remember)
	if err != nil {
		return nil, err
	}
	if err := s.d.Sessions.Create(ctx, res.Session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.logger.Info("login succeeded", zap.String("user_id", user.ID), zap.String("session_id", res.Session.ID))
	s.auditEvent(ctx, user.ID, auditdomain.ActionLogin, "session:"+res.Session.ID)
	s.emit(telemetrydomain.EventLogin, user.ID, res.Session.ID)
	return res, nil
}

// lookupCredential returns the active user and local identity for email, or nil identity.
func (s *AuthService) lookupCredential(ctx context.Context, email string) (*userdomain.User, *identitydomain.Identity, error) {
	if email == "" {
		return nil, nil, nil
	}
	user, err := s.d.Users.GetByEmail(ctx, email)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil || user.Status != userdomain.UserStatusActive {
		return nil, nil, nil
	}
	ident, err := s.d.Identities.GetByUserAndProvider(ctx, user.ID, identitydomain.IdentityProviderLocal)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup identity: %w", err)
	}
	if ident == nil || ident.PasswordHash == "" {
		return user, nil, nil
	}
	return user, ident, nil
}

func (s *AuthService) loginFailed(ctx context.Context, userID string) {
	s.logger.Warn("login failed", zap.Bool("known_user", userID != ""), zap.String("client_ip", clientIP(ctx)))
	s.auditEvent(ctx, userID, auditdomain.ActionLoginFailure, "session", "")
	s.emit(telemetrydomain.EventLoginFailed, userID, "")
}

// newSession builds (but does not persist) a session for user and signs its access token.
func (s *AuthService) newSession(ctx context.Context, user *userdomain.User, remember bool) (*AuthResult, error) {
	ttl := s.sessionTTL
	if remember {
		ttl = s.rememberTTL
	}
	sess := sessiondomain.New(uuid.New().String(), user.ID, remember, clientIP(ctx), s.d.Clock.Now().UTC(), ttl)
	access, err := s.d.Tokens.IssueSession(sess.ID, user.ID, sess.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("issue session token: %w", err)
	}
	return &AuthResult{User: user, Session: sess, AccessToken: access}, nil
}

// Authenticate resolves a bearer token to a live session. The token must verify and its session row
// must be neither revoked nor expired.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*Principal, error) {
	sessionID, userID, err := s.d.Tokens.ValidateSession(token)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	sess, err := s.d.Sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	now := s.d.Clock.Now().UTC()
	if sess == nil || sess.UserID != userID || !sess.Active(now) {
		return nil, ErrUnauthenticated
	}
	if err := s.d.Sessions.UpdateLastSeen(ctx, sess.ID, now); err != nil {
		s.logger.Warn("update last seen failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
	return &Principal{UserID: userID, SessionID: sessionID}, nil
}

// Logout revokes the session. Revoking an already revoked session is not an error.
func (s *AuthService) Logout(ctx context.Context, p *Principal) error {
	if p == nil || p.SessionID == "" {
		return ErrUnauthenticated
	}
	if err := s.d.Sessions.Revoke(ctx, p.SessionID, s.d.Clock.Now().UTC()); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	s.logger.Info("logout", zap.String("user_id", p.UserID), zap.String("session_id", p.SessionID))
	s.auditEvent(ctx, p.UserID, auditdomain.ActionLogout, "session:"+p.SessionID)
	return nil
}

// Me returns the user with their memberships and organizations.
func (s *AuthService) Me(ctx context.Context, userID string) (*Profile, error) {
	user, err := s.d.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return nil, ErrUnauthenticated
	}
	memberships, err := s.d.Memberships.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	p := &Profile{User: user, Memberships: memberships}
	for _, m := range memberships {
		org, err := s.d.Orgs.GetByID(ctx, m.OrgID)
		if err != nil {
			return nil, fmt.Errorf("load organization: %w", err)
		}
		if org != nil {
			p.Orgs = append(p.Orgs, org)
		}
	}
	return p, nil
}

// RequestPasswordReset answers identically for every well-formed email. A password-reset challenge
// is issued and delivered in the background only when an active user with a password exists.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string) error {
	ctx, span := s.tracer.Start(ctx, "auth.RequestPasswordReset")
	defer span.End()

	email = verification.NormalizeTarget(email)
	if err := verification.ValidateEmail(email); err != nil {
		return fmt.Errorf("%w: a valid email is required", ErrValidation)
	}
	if err := s.throttle(ctx, ratelimit.Key("issue", email), ratelimit.Key("issue-ip", clientIP(ctx))); err != nil {
		return err
	}
	_, ident, err := s.lookupCredential(ctx, email)
	if err != nil {
		s.logger.Error("password reset lookup failed", zap.Error(err))
		return nil
	}
	if ident == nil {
		s.logger.Info("password reset requested for unknown account")
		return nil
	}
	s.issueAndDeliver(ctx, vdomain.PurposePasswordReset, email)
	return nil
}

// RequestEmailVerification answers identically for every well-formed email. Unverified users and
// emails without an account receive an email-verification challenge; the latter start onboarding on
// redemption. Already verified users receive nothing.
func (s *AuthService) RequestEmailVerification(ctx context.Context, email string) error {
	email = verification.NormalizeTarget(email)
	if err := verification.ValidateEmail(email); err != nil {
		return fmt.Errorf("%w: a valid email is required", ErrValidation)
	}
	if err := s.throttle(ctx, ratelimit.Key("issue", email), ratelimit.Key("issue-ip", clientIP(ctx))); err != nil {
		return err
	}
	user, err := s.d.Users.GetByEmail(ctx, email)
	if err != nil {
		s.logger.Error("email verification lookup failed", zap.Error(err))
		return nil
	}
	if user != nil && user.EmailVerifiedAt != nil {
		return nil
	}
	s.issueAndDeliver(ctx, vdomain.PurposeEmailVerification, email)
	return nil
}

// issueAndDeliver issues and delivers in the background. The caller's response time then covers only
// the account lookup, which every request pays, so it does not reveal whether the account exists.
func (s *AuthService) issueAndDeliver(ctx context.Context, purpose vdomain.Purpose, email string) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
		defer cancel()
		issued, err := s.d.Challenges.Issue(bctx, purpose, email)
		if err != nil {
			s.logger.Error("issue challenge failed", zap.String("purpose", string(purpose)), zap.Error(err))
			return
		}
		if s.d.Delivery == nil {
			return
		}
		if err := s.d.Delivery.Deliver(bctx, issued); err != nil {
			s.logger.Error("challenge delivery failed",
				zap.String("purpose", string(purpose)),
				zap.String("challenge_id", issued.ChallengeID),
				zap.Error(err))
		}
	}()
}

// Wait blocks until background deliveries finish.
func (s *AuthService) Wait() { s.pending.Wait() }

// ConfirmEmail marks the target of a redeemed email-verification challenge as verified.
// It returns false when no user owns the email.
func (s *AuthService) ConfirmEmail(ctx context.Context, c *vdomain.Challenge) (bool, error) {
	if c == nil || !c.Consumed() || c.Purpose != vdomain.PurposeEmailVerification {
		return false, ErrInvalidVerification
	}
	user, err := s.d.Users.GetByEmail(ctx, c.Target)
	if err != nil {
		return false, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		return false, nil
	}
	if err := s.d.Users.MarkEmailVerified(ctx, user.ID, *c.ConsumedAt); err != nil {
		return false, fmt.Errorf("mark email verified: %w", err)
	}
	s.logger.Info("email verified", zap.String("user_id", user.ID))
	s.auditEvent(ctx, user.ID, auditdomain.ActionEmailVerified, "user:"+user.ID)
	return true, nil
}

// CompletePasswordReset sets a new password using the ID of a redeemed password-reset challenge.
// The challenge must be consumed, unfulfilled and redeemed less than one challenge TTL ago.
// Every existing session of the user is revoked and a fresh session is returned.
func (s *AuthService) CompletePasswordReset(ctx context.Context, challengeID, password, confirm string) (*AuthResult, error) {
	ctx, span := s.tracer.Start(ctx, "auth.CompletePasswordReset")
	defer span.End()

	c, err := s.d.Challenges.Get(ctx, challengeID)
	if err != nil || c == nil {
		return nil, ErrInvalidReset
	}
	now := s.d.Clock.Now().UTC()
	if c.Purpose != vdomain.PurposePasswordReset || !c.Consumed() || c.FulfilledAt != nil ||
		!now.Before(c.ConsumedAt.Add(s.d.Challenges.TTL())) {
		return nil, ErrInvalidReset
	}
	if err := security.CheckNewPassword(password, confirm); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	user, ident, err := s.lookupCredential(ctx, c.Target)
	if err != nil {
		return nil, err
	}
	if ident == nil {
		return nil, ErrInvalidReset
	}
	hash, err := s.d.Hasher.Hash([]byte(password))
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	res, err := s.newSession(ctx, user, false)
	if err != nil {
		return nil, err
	}
	revoked, err := s.d.Identities.ResetPassword(ctx, &repository.PasswordReset{
		ChallengeID:  c.ID,
		UserID:       user.ID,
		PasswordHash: hash,
		NewSession:   res.Session,
		At:           now,
	})
	if err != nil {
		if errors.Is(err, repository.ErrResetStale) {
			return nil, ErrInvalidReset
		}
		return nil, fmt.Errorf("reset password: %w", err)
	}
	s.logger.Info("password reset", zap.String("user_id", user.ID), zap.Int64("sessions_revoked", revoked))
	s.auditEvent(ctx, user.ID, auditdomain.ActionPasswordReset, "user:"+user.ID)
	s.emit(telemetrydomain.EventPasswordReset, user.ID, res.Session.ID)
	return res, nil
}

func (s *AuthService) throttle(ctx context.Context, keys ...string) error {
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

func (s *AuthService) auditEvent(ctx context.Context, userID, action, resource string, metadata ...string) {
	if s.d.Audit == nil {
		return
	}
	s.d.Audit.LogEvent(ctx, userID, action, resource, strings.Join(metadata, ","))
}

func (s *AuthService) emit(eventType, userID, sessionID string) {
	if s.d.Emitter == nil {
		return
	}
	ev := telemetrydomain.NewEvent(eventType, "auth")
	ev.UserID, ev.SessionID = userID, sessionID
	telemetry.EmitAsync(s.d.Emitter, s.logger, ev)
}

func clientIP(ctx context.Context) string {
	ip := requestctx.ClientIP(ctx)
	if ip == "unknown" {
		return ""
	}
	return ip
}
