// Package api is the HTTP surface: signup, verification, onboarding steps, login and password reset.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"identity-onboarding/backend/internal/delivery"
	identityservice "identity-onboarding/backend/internal/identity/service"
	membershipdomain "identity-onboarding/backend/internal/membership/domain"
	onboardingservice "identity-onboarding/backend/internal/onboarding/service"
	orgdomain "identity-onboarding/backend/internal/organization/domain"
	"identity-onboarding/backend/internal/ratelimit"
	"identity-onboarding/backend/internal/requestctx"
	sessiondomain "identity-onboarding/backend/internal/session/domain"
	userdomain "identity-onboarding/backend/internal/user/domain"
	"identity-onboarding/backend/internal/verification"
	vdomain "identity-onboarding/backend/internal/verification/domain"
	vservice "identity-onboarding/backend/internal/verification/service"
)

// Readiness reports whether the service can take traffic.
type Readiness interface {
	Ready(ctx context.Context) error
}

// Services are the collaborators behind the HTTP handlers. Health, Limiter and Mailbox may be nil.
type Services struct {
	Verification *vservice.Service
	Onboarding   *onboardingservice.Service
	Auth         *identityservice.AuthService
	Health       Readiness
	// Limiter throttles code redemption per target and per client IP.
	Limiter ratelimit.Limiter
	// Mailbox backs GET /dev/mailbox; set only outside production.
	Mailbox *delivery.Mailbox
}

// Handlers aggregates all HTTP handlers.
type Handlers struct {
	svc    Services
	logger *zap.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(svc Services, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{svc: svc, logger: logger.Named("handlers")}
}

type emailRequest struct {
	Email string `json:"email"`
}

type codeRequest struct {
	Target string `json:"target"`
	Type   string `json:"type"`
	Code   string `json:"code"`
}

type profileRequest struct {
	OnboardingToken string `json:"onboarding_token"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	Remember        bool   `json:"remember"`
}

type organizationRequest struct {
	OnboardingToken string `json:"onboarding_token"`
	Name            string `json:"name"`
	AddressLine1    string `json:"address_line1"`
	AddressLine2    string `json:"address_line2"`
	City            string `json:"city"`
	State           string `json:"state"`
	Zip             string `json:"zip"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

type resetRequest struct {
	ResetToken      string `json:"reset_token"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

func badBody(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
}

// Healthz reports readiness: 200 when every dependency answers, 503 otherwise.
func (h *Handlers) Healthz(c *gin.Context) {
	if h.svc.Health != nil {
		if err := h.svc.Health.Ready(c.Request.Context()); err != nil {
			h.logger.Warn("not ready", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Signup issues an onboarding challenge and emails it.
func (h *Handlers) Signup(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	if err := h.svc.Onboarding.RequestSignup(c.Request.Context(), req.Email); err != nil {
		h.writeError(c, "signup", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent", "email": verification.NormalizeTarget(req.Email)})
}

// RequestEmailVerification emails an email-verification challenge. The answer does not depend on
// whether the account exists.
func (h *Handlers) RequestEmailVerification(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	if err := h.svc.Auth.RequestEmailVerification(c.Request.Context(), req.Email); err != nil {
		h.writeError(c, "request email verification", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "ok"})
}

// VerifyLink redeems the link from the email (GET /verify?target=&code=<token>).
func (h *Handlers) VerifyLink(c *gin.Context) {
	ch, err := h.svc.Verification.RedeemLink(c.Request.Context(), c.Query("target"), c.Query("code"))
	if err != nil {
		h.writeError(c, "verify link", err)
		return
	}
	h.routeRedeemed(c, ch)
}

// VerifyCode redeems the short code typed by the user.
func (h *Handlers) VerifyCode(c *gin.Context) {
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	purpose, ok := vdomain.ParsePurpose(req.Type)
	if !ok {
		h.writeError(c, "verify code", vservice.ErrInvalidPurpose)
		return
	}
	ctx := c.Request.Context()
	target := verification.NormalizeTarget(req.Target)
	if err := ratelimit.Check(ctx, h.svc.Limiter, ratelimit.Key("redeem", target), ratelimit.Key("redeem-ip", clientIP(ctx))); err != nil {
		if errors.Is(err, ratelimit.ErrLimited) {
			h.writeError(c, "verify code", onboardingservice.ErrRateLimited)
			return
		}
		h.logger.Warn("rate limiter unavailable, allowing request", zap.Error(err))
	}
	ch, err := h.svc.Verification.RedeemByCode(ctx, purpose, target, req.Code)
	if err != nil {
		h.writeError(c, "verify code", err)
		return
	}
	h.routeRedeemed(c, ch)
}

// routeRedeemed sends the caller to the next step for the purpose of a consumed challenge.
func (h *Handlers) routeRedeemed(c *gin.Context, ch *vdomain.Challenge) {
	ctx := c.Request.Context()
	switch ch.Purpose {
	case vdomain.PurposePasswordReset:
		c.JSON(http.StatusOK, gin.H{"next": "reset-password", "reset_token": ch.ID, "email": ch.Target})
		return
	case vdomain.PurposeEmailVerification:
		found, err := h.svc.Auth.ConfirmEmail(ctx, ch)
		if err != nil {
			h.writeError(c, "confirm email", err)
			return
		}
		if found {
			c.JSON(http.StatusOK, gin.H{"next": "verified", "email": ch.Target})
			return
		}
	}
	started, err := h.svc.Onboarding.Start(ctx, ch)
	if err != nil {
		h.writeError(c, "start onboarding", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"next":             "onboarding",
		"onboarding_token": started.Token,
		"email":            started.Email,
		"expires_at":       started.ExpiresAt,
	})
}

// SubmitProfile takes the onboarding profile step.
func (h *Handlers) SubmitProfile(c *gin.Context) {
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	err := h.svc.Onboarding.SubmitProfile(c.Request.Context(), req.OnboardingToken, onboardingservice.ProfileInput{
		FirstName:       req.FirstName,
		LastName:        req.LastName,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
		Remember:        req.Remember,
	})
	if err != nil {
		h.writeError(c, "submit profile", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"next": "organization"})
}

// SubmitOrganization takes the organization step and completes onboarding with a logged-in session.
func (h *Handlers) SubmitOrganization(c *gin.Context) {
	var req organizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	done, err := h.svc.Onboarding.SubmitOrganization(c.Request.Context(), req.OnboardingToken, onboardingservice.OrganizationInput{
		Name:         req.Name,
		AddressLine1: req.AddressLine1,
		AddressLine2: req.AddressLine2,
		City:         req.City,
		State:        req.State,
		ZipCode:      req.Zip,
	})
	if err != nil {
		h.writeError(c, "submit organization", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"access_token": done.AccessToken,
		"token_type":   "Bearer",
		"expires_at":   done.Session.ExpiresAt,
		"user":         userJSON(done.User),
		"organization": orgJSON(done.Org, membershipdomain.RoleOwner),
	})
}

// Login authenticates with email and password.
func (h *Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	res, err := h.svc.Auth.Login(c.Request.Context(), req.Email, req.Password, req.Remember)
	if err != nil {
		h.writeError(c, "login", err)
		return
	}
	c.JSON(http.StatusOK, sessionJSON(res.AccessToken, res.Session, res.User))
}

// Logout revokes the caller's session.
func (h *Handlers) Logout(c *gin.Context) {
	if err := h.svc.Auth.Logout(c.Request.Context(), principal(c)); err != nil {
		h.writeError(c, "logout", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Me returns the caller with their organizations.
func (h *Handlers) Me(c *gin.Context) {
	p := principal(c)
	if p == nil {
		h.writeError(c, "me", identityservice.ErrUnauthenticated)
		return
	}
	prof, err := h.svc.Auth.Me(c.Request.Context(), p.UserID)
	if err != nil {
		h.writeError(c, "me", err)
		return
	}
	roles := make(map[string]membershipdomain.Role, len(prof.Memberships))
	for _, m := range prof.Memberships {
		roles[m.OrgID] = m.Role
	}
	orgs := make([]gin.H, 0, len(prof.Orgs))
	for _, o := range prof.Orgs {
		orgs = append(orgs, orgJSON(o, roles[o.ID]))
	}
	c.JSON(http.StatusOK, gin.H{"user": userJSON(prof.User), "organizations": orgs})
}

// ForgotPassword starts a password reset. The answer does not depend on whether the account exists.
func (h *Handlers) ForgotPassword(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	if err := h.svc.Auth.RequestPasswordReset(c.Request.Context(), req.Email); err != nil {
		h.writeError(c, "forgot password", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":  "ok",
		"message": "If an account exists for that email, a reset link has been sent.",
	})
}

// ResetPassword sets a new password with the reset token returned by verification.
func (h *Handlers) ResetPassword(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	res, err := h.svc.Auth.CompletePasswordReset(c.Request.Context(), req.ResetToken, req.Password, req.ConfirmPassword)
	if err != nil {
		h.writeError(c, "reset password", err)
		return
	}
	c.JSON(http.StatusOK, sessionJSON(res.AccessToken, res.Session, res.User))
}

// DevMailbox returns the latest message sent to ?email=. Registered only outside production.
func (h *Handlers) DevMailbox(c *gin.Context) {
	if h.svc.Mailbox == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "mailbox disabled"})
		return
	}
	msg, ok := h.svc.Mailbox.Latest(c.Query("email"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no message"})
		return
	}
	c.JSON(http.StatusOK, msg)
}

func sessionJSON(token string, s *sessiondomain.Session, u *userdomain.User) gin.H {
	return gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_at":   s.ExpiresAt,
		"user":         userJSON(u),
	}
}

func userJSON(u *userdomain.User) gin.H {
	out := gin.H{
		"id":             u.ID,
		"email":          u.Email,
		"name":           u.Name,
		"first_name":     u.FirstName,
		"last_name":      u.LastName,
		"email_verified": u.EmailVerifiedAt != nil,
	}
	if u.EmailVerifiedAt != nil {
		out["email_verified_at"] = u.EmailVerifiedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func orgJSON(o *orgdomain.Org, role membershipdomain.Role) gin.H {
	return gin.H{
		"id":   o.ID,
		"name": o.Name,
		"role": role,
		"address": gin.H{
			"line1": o.Address.Line1,
			"line2": o.Address.Line2,
			"city":  o.Address.City,
			"state": o.Address.State,
			"zip":   o.Address.ZipCode,
		},
	}
}

func clientIP(ctx context.Context) string {
	ip := requestctx.ClientIP(ctx)
	if ip == "unknown" {
		return ""
	}
	return ip
}
