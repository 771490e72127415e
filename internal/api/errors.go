package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"identity-onboarding/backend/internal/delivery"
	identityservice "identity-onboarding/backend/internal/identity/service"
	onboardingservice "identity-onboarding/backend/internal/onboarding/service"
	vservice "identity-onboarding/backend/internal/verification/service"
)

// statusFor maps a service error to an HTTP status and a client-safe message.
// The second return is false for unexpected errors, which are logged and reported as 500.
func statusFor(err error) (int, string, bool) {
	switch {
	case errors.Is(err, vservice.ErrNotFound):
		return http.StatusNotFound, "verification link is invalid", true
	case errors.Is(err, vservice.ErrExpired):
		return http.StatusGone, "verification has expired, request a new one", true
	case errors.Is(err, vservice.ErrAlreadyUsed):
		return http.StatusConflict, "verification was already used", true
	case errors.Is(err, vservice.ErrInvalidCode):
		return http.StatusBadRequest, "invalid verification code", true
	case errors.Is(err, vservice.ErrTooManyAttempts):
		return http.StatusTooManyRequests, "too many failed attempts, request a new code", true
	case errors.Is(err, vservice.ErrConflict):
		return http.StatusConflict, "verification changed concurrently, try again", true
	case errors.Is(err, vservice.ErrInvalidPurpose):
		return http.StatusBadRequest, "unknown verification type", true

	case errors.Is(err, onboardingservice.ErrValidation),
		errors.Is(err, identityservice.ErrValidation):
		return http.StatusBadRequest, err.Error(), true
	case errors.Is(err, onboardingservice.ErrOutOfOrder):
		return http.StatusConflict, "onboarding step submitted out of order", true
	case errors.Is(err, onboardingservice.ErrInvalidSession):
		return http.StatusUnauthorized, "onboarding session is invalid or expired", true
	case errors.Is(err, onboardingservice.ErrEmailAlreadyRegistered):
		return http.StatusConflict, "email already registered", true
	case errors.Is(err, onboardingservice.ErrSignupNotAllowed):
		return http.StatusForbidden, "signup is not allowed for this email", true
	case errors.Is(err, onboardingservice.ErrRateLimited),
		errors.Is(err, identityservice.ErrRateLimited):
		return http.StatusTooManyRequests, "too many requests, try again later", true

	case errors.Is(err, identityservice.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid email or password", true
	case errors.Is(err, identityservice.ErrUnauthenticated):
		return http.StatusUnauthorized, "authentication required", true
	case errors.Is(err, identityservice.ErrInvalidReset):
		return http.StatusBadRequest, "password reset is invalid or expired", true
	case errors.Is(err, identityservice.ErrInvalidVerification):
		return http.StatusBadRequest, "email verification is invalid or expired", true

	case errors.Is(err, delivery.ErrDeliveryFailed), errors.Is(err, delivery.ErrNoTransport):
		return http.StatusBadGateway, "could not send email, try again", true
	}
	return http.StatusInternalServerError, "internal error", false
}

// writeError writes the mapped error response and logs unexpected errors.
func (h *Handlers) writeError(c *gin.Context, op string, err error) {
	code, msg, known := statusFor(err)
	if !known {
		h.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	} else if code == http.StatusBadGateway {
		h.logger.Warn("request failed", zap.String("op", op), zap.Error(err))
	}
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}
