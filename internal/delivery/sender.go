package delivery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"identity-onboarding/backend/internal/verification/domain"
)

var (
	// ErrDeliveryFailed wraps every transport failure. The challenge stays valid when it is returned.
	ErrDeliveryFailed = errors.New("verification email could not be delivered")
	// ErrNoTransport is returned when no sender is configured.
	ErrNoTransport = errors.New("no mail transport configured")
)

// Sender is a mail transport.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// Multi sends through every transport and joins their errors. Nil entries are skipped.
type Multi []Sender

// Send calls every sender.
func (m Multi) Send(ctx context.Context, msg *Message) error {
	var errs []error
	sent := 0
	for _, s := range m {
		if s == nil {
			continue
		}
		sent++
		if err := s.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if sent == 0 {
		return ErrNoTransport
	}
	return errors.Join(errs...)
}

// Dispatcher composes and sends challenge emails.
type Dispatcher struct {
	composer *Composer
	sender   Sender
	logger   *zap.Logger
}

// NewDispatcher returns a Dispatcher.
func NewDispatcher(composer *Composer, sender Sender, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{composer: composer, sender: sender, logger: logger.Named("delivery")}
}

// Deliver sends the email for an issued challenge. Failures are wrapped in ErrDeliveryFailed.
func (d *Dispatcher) Deliver(ctx context.Context, issued *domain.Issued) error {
	if d.sender == nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, ErrNoTransport)
	}
	msg := d.composer.Compose(issued)
	if err := d.sender.Send(ctx, msg); err != nil {
		d.logger.Error("send verification email",
			zap.String("challenge_id", issued.ChallengeID),
			zap.String("purpose", string(issued.Purpose)),
			zap.Error(err))
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	d.logger.Info("verification email sent",
		zap.String("challenge_id", issued.ChallengeID),
		zap.String("purpose", string(issued.Purpose)))
	return nil
}
