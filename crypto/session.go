package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// PairingSecretSize is the length of the derived pairing secret.
const PairingSecretSize = 32

const pairingInfoPrefix = "notirelay-pairing|"

// DerivePairingSecret expands an X25519 shared secret into the symmetric
// pairing secret. The derivation is bound to both device UUIDs; the UUIDs are
// ordered so both sides derive the same value regardless of who dialed.
func DerivePairingSecret(sharedSecret []byte, localDeviceID, peerDeviceID string) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, fmt.Errorf("shared secret is required")
	}
	if localDeviceID == "" || peerDeviceID == "" {
		return nil, fmt.Errorf("both device IDs are required")
	}

	first, second := localDeviceID, peerDeviceID
	if second < first {
		first, second = second, first
	}
	info := []byte(pairingInfoPrefix + first + "|" + second)

	reader := hkdf.New(sha256.New, sharedSecret, nil, info)
	secret := make([]byte, PairingSecretSize)
	if _, err := io.ReadFull(reader, secret); err != nil {
		return nil, fmt.Errorf("derive pairing secret: %w", err)
	}

	return secret, nil
}
