package crypto

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	secret := bytes.Repeat([]byte{0x07}, PairingSecretSize)
	plaintext := []byte(`{"title":"Hi","text":"there"}`)

	ciphertext, nonce, err := Seal(secret, plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}

	opened, err := Open(secret, nonce, ciphertext)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", opened, plaintext)
	}
}

func TestOpenRejectsWrongSecret(t *testing.T) {
	secret := bytes.Repeat([]byte{0x07}, PairingSecretSize)
	other := bytes.Repeat([]byte{0x08}, PairingSecretSize)

	ciphertext, nonce, err := Seal(secret, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if _, err := Open(other, nonce, ciphertext); err == nil {
		t.Fatal("expected decryption failure with wrong secret")
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	secret := bytes.Repeat([]byte{0x07}, PairingSecretSize)

	ciphertext, nonce, err := Seal(secret, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	ciphertext[0] ^= 0xFF

	if _, err := Open(secret, nonce, ciphertext); err == nil {
		t.Fatal("expected decryption failure for tampered ciphertext")
	}
}

func TestSealRejectsBadSecretLength(t *testing.T) {
	if _, _, err := Seal([]byte("short"), []byte("payload")); err == nil {
		t.Fatal("expected error for short secret")
	}
	if _, err := Open([]byte("short"), nil, []byte("x")); err == nil {
		t.Fatal("expected error for short secret")
	}
}
