package delivery

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Mailbox keeps the latest message per recipient in memory for local development
// (GET /dev/mailbox). Never enabled in production.
type Mailbox struct {
	mu   sync.RWMutex
	m    map[string]*Message
	nowF func() time.Time
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		m:    make(map[string]*Message),
		nowF: time.Now,
	}
}

// Send stores msg as the latest for its recipient.
func (b *Mailbox) Send(_ context.Context, msg *Message) error {
	cp := *msg
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[strings.ToLower(msg.To)] = &cp
	return nil
}

// Latest returns the newest unexpired message for email.
func (b *Mailbox) Latest(email string) (*Message, bool) {
	key := strings.ToLower(strings.TrimSpace(email))
	b.mu.RLock()
	msg, ok := b.m[key]
	b.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !msg.ExpiresAt.After(b.nowF()) {
		b.mu.Lock()
		if b.m[key] == msg {
			delete(b.m, key)
		}
		b.mu.Unlock()
		return nil, false
	}
	cp := *msg
	return &cp, true
}
