package domain

import (
	"time"

	identitydomain "identity-onboarding/backend/internal/identity/domain"
	membershipdomain "identity-onboarding/backend/internal/membership/domain"
	orgdomain "identity-onboarding/backend/internal/organization/domain"
	sessiondomain "identity-onboarding/backend/internal/session/domain"
	userdomain "identity-onboarding/backend/internal/user/domain"
)

// Step is a state of the onboarding workflow. Steps only move forward.
type Step string

const (
	StepVerified              Step = "verified"
	StepProfileSubmitted      Step = "profile-submitted"
	StepOrganizationSubmitted Step = "organization-submitted"
	StepComplete              Step = "complete"
)

// transitions is the whole state machine: each step has exactly one successor.
var transitions = map[Step]Step{
	StepVerified:              StepProfileSubmitted,
	StepProfileSubmitted:      StepOrganizationSubmitted,
	StepOrganizationSubmitted: StepComplete,
}

var order = map[Step]int{
	StepVerified:              0,
	StepProfileSubmitted:      1,
	StepOrganizationSubmitted: 2,
	StepComplete:              3,
}

// Next returns the successor of s and false when s is terminal or unknown.
func (s Step) Next() (Step, bool) {
	next, ok := transitions[s]
	return next, ok
}

// CanAdvanceTo reports whether next is the immediate successor of s.
func (s Step) CanAdvanceTo(next Step) bool {
	n, ok := s.Next()
	return ok && n == next
}

// Before reports whether s comes strictly before other.
func (s Step) Before(other Step) bool {
	a, okA := order[s]
	b, okB := order[other]
	return okA && okB && a < b
}

// Session is a signup in progress, bound to an email proven by a redeemed challenge.
// The bearer token is returned once; only its hash is stored.
type Session struct {
	ID           string
	TokenHash    string
	Email        string
	Step         Step
	FirstName    string
	LastName     string
	PasswordHash string
	Remember     bool
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Expired reports whether the workflow session has lapsed at now.
func (s *Session) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

// Completion is everything materialised when a workflow reaches StepComplete.
// It is written in one transaction together with the removal of the workflow session.
type Completion struct {
	OnboardingID string
	User         *userdomain.User
	Identity     *identitydomain.Identity
	Org          *orgdomain.Org
	Membership   *membershipdomain.Membership
	Session      *sessiondomain.Session
}
