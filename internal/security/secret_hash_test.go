package security

import "testing"

func TestHashSecret_Deterministic(t *testing.T) {
	a := HashSecret("token-value")
	b := HashSecret("token-value")
	if a != b {
		t.Fatalf("HashSecret not deterministic: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
	if a == "token-value" {
		t.Error("hash must not equal the secret")
	}
}

func TestSecretHashEqual(t *testing.T) {
	stored := HashSecret("ABC123")
	if !SecretHashEqual("ABC123", stored) {
		t.Error("matching secret should compare equal")
	}
	if SecretHashEqual("ABC124", stored) {
		t.Error("different secret should not compare equal")
	}
	if SecretHashEqual("", stored) {
		t.Error("empty secret should not compare equal")
	}
}
