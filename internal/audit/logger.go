// Package audit records security-relevant account events (logins, onboarding, resets).
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-onboarding/backend/internal/audit/domain"
	auditrepo "identity-onboarding/backend/internal/audit/repository"
	"identity-onboarding/backend/internal/requestctx"
)

// AuditLogger writes a single audit event with explicit action/resource.
// LogEvent is best-effort: failures are logged and do not affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, userID, action, resource, metadata string)
}

// Logger implements AuditLogger using the audit repository. The client IP comes from requestctx.
type Logger struct {
	repo   auditrepo.Repository
	logger *zap.Logger
}

// NewLogger returns an AuditLogger that persists to repo. logger may be nil.
func NewLogger(repo auditrepo.Repository, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{repo: repo, logger: logger.Named("audit")}
}

// LogEvent writes one audit log entry.
func (l *Logger) LogEvent(ctx context.Context, userID, action, resource, metadata string) {
	if l == nil || l.repo == nil {
		return
	}
	entry := &domain.AuditLog{
		ID:        uuid.New().String(),
		UserID:    userID,
		Action:    action,
		Resource:  resource,
		IP:        requestctx.ClientIP(ctx),
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		l.logger.Error("failed to log event", zap.String("action", action), zap.String("resource", resource), zap.Error(err))
	}
}
