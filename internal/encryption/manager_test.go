package encryption

import (
	"context"
	"strings"
	"testing"

	"authguard/internal/config"
)

func newDevManager() *Manager {
	cfg := &config.Config{}
	cfg.KMS.Enabled = false
	return NewManager(cfg, nil)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m := newDevManager()
	ctx := context.Background()

	envelope, err := m.EncryptField(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	if envelope.EncryptedValue == "" || envelope.EncryptedDEK == "" {
		t.Fatal("envelope fields should be populated")
	}
	if strings.Contains(envelope.EncryptedValue, "203.0.113.7") {
		t.Error("ciphertext must not contain the plaintext")
	}

	got, err := m.DecryptField(ctx, envelope)
	if err != nil {
		t.Fatalf("DecryptField: %v", err)
	}
	if got != "203.0.113.7" {
		t.Errorf("round trip = %q, want 203.0.113.7", got)
	}
}

func TestDecryptSurvivesColdCache(t *testing.T) {
	m := newDevManager()
	ctx := context.Background()

	envelope, err := m.EncryptField(ctx, "198.51.100.4")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}

	m.ClearCache()

	got, err := m.DecryptField(ctx, envelope)
	if err != nil {
		t.Fatalf("DecryptField after ClearCache: %v", err)
	}
	if got != "198.51.100.4" {
		t.Errorf("round trip = %q, want 198.51.100.4", got)
	}
}

func TestDecryptSurvivesRestart(t *testing.T) {
	ctx := context.Background()

	encoded, err := newDevManager().EncryptIP(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("EncryptIP: %v", err)
	}

	// A fresh manager has no cached data keys, the same state a process
	// restart leaves behind. The envelope alone must suffice.
	got, err := newDevManager().DecryptIP(ctx, encoded)
	if err != nil {
		t.Fatalf("DecryptIP with fresh manager: %v", err)
	}
	if got != "203.0.113.7" {
		t.Errorf("round trip = %q, want 203.0.113.7", got)
	}
}

func TestEncryptIPProducesOpaqueString(t *testing.T) {
	m := newDevManager()
	ctx := context.Background()

	encoded, err := m.EncryptIP(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("EncryptIP: %v", err)
	}
	if strings.Contains(encoded, "203.0.113.7") {
		t.Error("encoded envelope must not leak the address")
	}

	got, err := m.DecryptIP(ctx, encoded)
	if err != nil {
		t.Fatalf("DecryptIP: %v", err)
	}
	if got != "203.0.113.7" {
		t.Errorf("round trip = %q, want 203.0.113.7", got)
	}
}

func TestEncryptIPEmptyInput(t *testing.T) {
	m := newDevManager()

	encoded, err := m.EncryptIP(context.Background(), "")
	if err != nil {
		t.Fatalf("EncryptIP empty: %v", err)
	}
	if encoded != "" {
		t.Errorf("empty input should stay empty, got %q", encoded)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	m := newDevManager()
	ctx := context.Background()

	envelope, err := m.EncryptField(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}

	envelope.EncryptedValue = envelope.EncryptedValue[:len(envelope.EncryptedValue)-4] + "AAA="
	m.ClearCache()

	if _, err := m.DecryptField(ctx, envelope); err == nil {
		t.Error("tampered ciphertext should fail to decrypt")
	}
}
