package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// Seal encrypts plaintext with AES-256-GCM under the pairing secret and
// returns ciphertext and nonce. The GCM tag authenticates the payload, so a
// peer holding a stale or wrong secret fails at Open.
func Seal(secret, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newAEAD(secret)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts and authenticates AES-256-GCM ciphertext.
func Open(secret, nonce, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("ciphertext is required")
	}

	aead, err := newAEAD(secret)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(nonce), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt ciphertext: %w", err)
	}

	return plaintext, nil
}

func newAEAD(secret []byte) (cipher.AEAD, error) {
	if len(secret) != PairingSecretSize {
		return nil, fmt.Errorf("invalid pairing secret length: got %d want %d", len(secret), PairingSecretSize)
	}

	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
