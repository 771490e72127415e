// Package delivery turns an issued challenge into an email and hands it to a transport.
package delivery

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"identity-onboarding/backend/internal/verification/domain"
)

// Message is one outgoing email. It carries the raw code and link, so it is never logged.
type Message struct {
	From        string         `json:"from"`
	To          string         `json:"to"`
	Subject     string         `json:"subject"`
	Text        string         `json:"text"`
	Purpose     domain.Purpose `json:"purpose"`
	ChallengeID string         `json:"challenge_id"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

var subjects = map[domain.Purpose]string{
	domain.PurposeOnboarding:        "Welcome!",
	domain.PurposePasswordReset:     "Password Reset",
	domain.PurposeEmailVerification: "Verify your email",
}

// Composer builds messages for issued challenges.
type Composer struct {
	From    string
	BaseURL string
}

// NewComposer returns a Composer. baseURL is the public origin links point at.
func NewComposer(from, baseURL string) *Composer {
	return &Composer{From: from, BaseURL: strings.TrimRight(baseURL, "/")}
}

// Link is the clickable redemption URL for a challenge.
func (c *Composer) Link(target, token string) string {
	q := url.Values{}
	q.Set("target", target)
	q.Set("code", token)
	return c.BaseURL + "/verify?" + q.Encode()
}

// Compose renders the message for an issued challenge.
func (c *Composer) Compose(issued *domain.Issued) *Message {
	subject, ok := subjects[issued.Purpose]
	if !ok {
		subject = "Your verification code"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Click this link to continue: %s\n\n", c.Link(issued.Target, issued.Token))
	fmt.Fprintf(&b, "Here's your verification code: %s\n\n", issued.Code)
	fmt.Fprintf(&b, "This code expires at %s.\n", issued.ExpiresAt.UTC().Format(time.RFC1123))
	return &Message{
		From:        c.From,
		To:          issued.Target,
		Subject:     subject,
		Text:        b.String(),
		Purpose:     issued.Purpose,
		ChallengeID: issued.ChallengeID,
		ExpiresAt:   issued.ExpiresAt,
	}
}
