package crypto

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestEnsureIdentityKeysGeneratesOnce(t *testing.T) {
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "identity_private.pem")
	publicPath := filepath.Join(dir, "identity_public.pem")

	first, err := EnsureIdentityKeys(privatePath, publicPath)
	if err != nil {
		t.Fatalf("EnsureIdentityKeys (first run) failed: %v", err)
	}

	second, err := EnsureIdentityKeys(privatePath, publicPath)
	if err != nil {
		t.Fatalf("EnsureIdentityKeys (second run) failed: %v", err)
	}

	if !bytes.Equal(first.PrivateKey, second.PrivateKey) {
		t.Fatal("private key changed between runs")
	}
	if !bytes.Equal(first.PublicKey, second.PublicKey) {
		t.Fatal("public key changed between runs")
	}
}

func TestSignAndVerify(t *testing.T) {
	dir := t.TempDir()
	keys, err := EnsureIdentityKeys(filepath.Join(dir, "priv.pem"), filepath.Join(dir, "pub.pem"))
	if err != nil {
		t.Fatalf("EnsureIdentityKeys failed: %v", err)
	}

	data := []byte("hello frame")
	signature, err := keys.Sign(data)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if !VerifySignature(keys.PublicKey, data, signature) {
		t.Fatal("expected signature to verify")
	}
	if VerifySignature(keys.PublicKey, []byte("tampered"), signature) {
		t.Fatal("expected tampered data to fail verification")
	}
	if VerifySignature(keys.PublicKey, data, signature[:16]) {
		t.Fatal("expected truncated signature to fail verification")
	}
}

func TestSignEmptyData(t *testing.T) {
	dir := t.TempDir()
	keys, err := EnsureIdentityKeys(filepath.Join(dir, "priv.pem"), filepath.Join(dir, "pub.pem"))
	if err != nil {
		t.Fatalf("EnsureIdentityKeys failed: %v", err)
	}

	if _, err := keys.Sign(nil); err == nil {
		t.Fatal("expected error signing empty data")
	}
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	keys, err := EnsureIdentityKeys(filepath.Join(dir, "priv.pem"), filepath.Join(dir, "pub.pem"))
	if err != nil {
		t.Fatalf("EnsureIdentityKeys failed: %v", err)
	}

	fingerprint := Fingerprint(keys.PublicKey)
	if len(fingerprint) != 32 {
		t.Fatalf("unexpected fingerprint length: got %d want 32", len(fingerprint))
	}
	if fingerprint != Fingerprint(keys.PublicKey) {
		t.Fatal("fingerprint is not deterministic")
	}
}
