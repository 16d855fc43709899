package relay

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
)

func testSecret(t *testing.T) []byte {
	t.Helper()

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	return secret
}

func TestSealOpenRecordRoundTrip(t *testing.T) {
	secret := testSecret(t)
	record := testRecord("com.app|42", "Phone A", 42)
	record.AppName = "App"
	record.Title = "Title"
	record.Text = "Body"

	nonce, ciphertext, err := sealRecord(secret, record)
	if err != nil {
		t.Fatalf("sealRecord failed: %v", err)
	}

	payload, err := openRecord(secret, nonce, ciphertext)
	if err != nil {
		t.Fatalf("openRecord failed: %v", err)
	}
	if payload.Key != record.Key || payload.Title != record.Title || payload.Text != record.Text {
		t.Fatalf("payload mismatch: %+v", payload)
	}
	if payload.Time != record.Time {
		t.Fatalf("time mismatch: got %d, want %d", payload.Time, record.Time)
	}
}

func TestOpenRecordRejectsWrongSecret(t *testing.T) {
	nonce, ciphertext, err := sealRecord(testSecret(t), testRecord("k", "", 1))
	if err != nil {
		t.Fatalf("sealRecord failed: %v", err)
	}

	_, err = openRecord(testSecret(t), nonce, ciphertext)
	if !errors.Is(err, ErrProtocolFailure) {
		t.Fatalf("expected ErrProtocolFailure, got %v", err)
	}
}

func TestOpenRecordRejectsGarbage(t *testing.T) {
	secret := testSecret(t)
	garbage := base64.StdEncoding.EncodeToString([]byte("garbage"))

	if _, err := openRecord(secret, garbage, garbage); !errors.Is(err, ErrProtocolFailure) {
		t.Fatalf("expected ErrProtocolFailure, got %v", err)
	}
	if _, err := openRecord(secret, "%%%", garbage); !errors.Is(err, ErrProtocolFailure) {
		t.Fatalf("expected ErrProtocolFailure for bad base64, got %v", err)
	}
}
