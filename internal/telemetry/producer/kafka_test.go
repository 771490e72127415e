package producer

import (
	"context"
	"encoding/json"
	"testing"

	"identity-onboarding/backend/internal/telemetry/domain"
)

func TestNewKafkaProducer_Disabled(t *testing.T) {
	p, err := NewKafkaProducer(nil, "topic")
	if err != nil || p != nil {
		t.Fatalf("no brokers: got %v, %v; want nil, nil", p, err)
	}
	p, err = NewKafkaProducer([]string{"localhost:9092"}, "")
	if err != nil || p != nil {
		t.Fatalf("no topic: got %v, %v; want nil, nil", p, err)
	}
}

func TestKafkaProducer_NilIsNoop(t *testing.T) {
	var p *KafkaProducer
	if err := p.Emit(context.Background(), domain.NewEvent("x", "test")); err != nil {
		t.Errorf("nil Emit: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}

func TestEncode(t *testing.T) {
	e := domain.NewEvent(domain.EventChallengeIssued, "verification")
	e.Purpose = "onboarding"
	b, err := Encode(e)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["event_type"] != domain.EventChallengeIssued || got["purpose"] != "onboarding" {
		t.Errorf("payload = %s", b)
	}
	if _, ok := got["user_id"]; ok {
		t.Error("empty user_id should be omitted")
	}
}
