package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the verification, onboarding and credential services.
const (
	EventChallengeIssued       = "challenge.issued"
	EventChallengeRedeemed     = "challenge.redeemed"
	EventChallengeRedeemFailed = "challenge.redeem_failed"
	EventOnboardingCompleted   = "onboarding.completed"
	EventLogin                 = "auth.login"
	EventLoginFailed           = "auth.login_failed"
	EventPasswordReset         = "auth.password_reset"
)

// Event is a domain event. It is serialised as JSON on Kafka and as attributes on OTel log records.
// Secrets (tokens, codes, passwords) are never placed on an event.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"event_type"`
	Source    string            `json:"source"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Purpose   string            `json:"purpose,omitempty"`
	Target    string            `json:"target,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewEvent returns an event of the given type stamped with a fresh ID and the current UTC time.
func NewEvent(eventType, source string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
}

// With sets a metadata key and returns the event for chaining.
func (e *Event) With(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}
