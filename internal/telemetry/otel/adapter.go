package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"identity-onboarding/backend/internal/telemetry"
	"identity-onboarding/backend/internal/telemetry/domain"
)

const instrumentationName = "identity-onboarding.telemetry"

// recordEmitter is the subset of otellog.Logger used by the emitter; tests pass a capture.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewEventEmitter returns an EventEmitter that sends events as OTel log records via the given LoggerProvider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: provider.Logger(instrumentationName)}
}

// NewEventEmitterWithLogger returns an emitter writing to the given logger.
func NewEventEmitterWithLogger(logger recordEmitter) telemetry.EventEmitter {
	if logger == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: logger}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *domain.Event) error { return nil }

type otelEmitter struct {
	logger recordEmitter
}

// Emit converts the event to an OTel log record. Metadata becomes a map body.
func (e *otelEmitter) Emit(ctx context.Context, event *domain.Event) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	ts := event.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetSeverity(otellog.SeverityInfo)
	if len(event.Metadata) > 0 {
		kvs := make([]otellog.KeyValue, 0, len(event.Metadata))
		for k, v := range event.Metadata {
			kvs = append(kvs, otellog.String(k, v))
		}
		rec.SetBody(otellog.MapValue(kvs...))
	}
	add := func(key, value string) {
		if value != "" {
			rec.AddAttributes(otellog.String(key, value))
		}
	}
	add("event_id", event.ID)
	add("event_type", event.Type)
	add("source", event.Source)
	add("user_id", event.UserID)
	add("session_id", event.SessionID)
	add("purpose", event.Purpose)
	add("target", event.Target)
	e.logger.Emit(ctx, rec)
	return nil
}

// NewEventCounter returns an emitter that counts events per type and purpose on the given meter provider.
func NewEventCounter(provider metric.MeterProvider) (telemetry.EventEmitter, error) {
	if provider == nil {
		return noopEmitter{}, nil
	}
	counter, err := provider.Meter(instrumentationName).Int64Counter(
		"identity_onboarding.events",
		metric.WithDescription("Domain events by type"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}
	return &counterEmitter{counter: counter}, nil
}

type counterEmitter struct {
	counter metric.Int64Counter
}

func (c *counterEmitter) Emit(ctx context.Context, event *domain.Event) error {
	if event == nil {
		return nil
	}
	c.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", event.Type),
		attribute.String("purpose", event.Purpose),
	))
	return nil
}
