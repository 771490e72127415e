package domain

import "time"

// Actions recorded in the audit log.
const (
	ActionLogin               = "login"
	ActionLoginFailure        = "login_failure"
	ActionLogout              = "logout"
	ActionOnboardingCompleted = "onboarding_completed"
	ActionPasswordReset       = "password_reset"
	ActionEmailVerified       = "email_verified"
)

// AuditLog represents an audit event. UserID is empty when the actor is unknown (e.g. failed login).
type AuditLog struct {
	ID        string
	UserID    string
	Action    string
	Resource  string
	IP        string
	Metadata  string
	CreatedAt time.Time
}
