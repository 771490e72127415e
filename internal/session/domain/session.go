package domain

import "time"

// Session is an authenticated login. The bearer token only carries the ID; the row decides validity.
type Session struct {
	ID         string
	UserID     string
	Remember   bool
	ExpiresAt  time.Time
	RevokedAt  *time.Time // nil when not revoked
	LastSeenAt *time.Time
	IPAddress  string
	CreatedAt  time.Time
}

// Active reports whether the session is neither revoked nor expired at now.
func (s *Session) Active(now time.Time) bool {
	return s != nil && s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// New returns a fresh session for userID starting at now and lasting ttl.
func New(id, userID string, remember bool, ip string, now time.Time, ttl time.Duration) *Session {
	return &Session{
		ID:        id,
		UserID:    userID,
		Remember:  remember,
		ExpiresAt: now.Add(ttl),
		IPAddress: ip,
		CreatedAt: now,
	}
}
