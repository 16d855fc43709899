package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const (
	identityPrivatePEMType = "ED25519 PRIVATE KEY"
	identityPublicPEMType  = "ED25519 PUBLIC KEY"
)

// IdentityKeys holds this device's long-term Ed25519 signing keypair.
type IdentityKeys struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// EnsureIdentityKeys loads the identity keypair from disk, generating it on
// first run. The keypair is never regenerated once it exists.
func EnsureIdentityKeys(privatePath, publicPath string) (IdentityKeys, error) {
	privateKey, err := loadIdentityPrivateKey(privatePath)
	if err == nil {
		publicKey := privateKey.Public().(ed25519.PublicKey)

		storedPublic, pubErr := loadIdentityPublicKey(publicPath)
		if pubErr != nil || !bytes.Equal(storedPublic, publicKey) {
			if err := saveIdentityPublicKey(publicPath, publicKey); err != nil {
				return IdentityKeys{}, err
			}
		}

		return IdentityKeys{PrivateKey: privateKey, PublicKey: publicKey}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return IdentityKeys{}, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return IdentityKeys{}, fmt.Errorf("generate identity keypair: %w", err)
	}

	if err := saveIdentityPrivateKey(privatePath, privateKey); err != nil {
		return IdentityKeys{}, err
	}
	if err := saveIdentityPublicKey(publicPath, publicKey); err != nil {
		return IdentityKeys{}, err
	}

	return IdentityKeys{PrivateKey: privateKey, PublicKey: publicKey}, nil
}

// Sign signs data with the identity private key.
func (k IdentityKeys) Sign(data []byte) ([]byte, error) {
	if len(k.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid identity private key length: got %d want %d", len(k.PrivateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}
	return ed25519.Sign(k.PrivateKey, data), nil
}

// VerifySignature verifies an Ed25519 signature against a public key.
func VerifySignature(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(data) == 0 || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// Fingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func Fingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

func loadIdentityPrivateKey(path string) (ed25519.PrivateKey, error) {
	block, err := readPEM(path, identityPrivatePEMType)
	if err != nil {
		return nil, err
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("decode identity private PEM: invalid key size %d", len(block.Bytes))
	}
	return ed25519.PrivateKey(block.Bytes), nil
}

func loadIdentityPublicKey(path string) (ed25519.PublicKey, error) {
	block, err := readPEM(path, identityPublicPEMType)
	if err != nil {
		return nil, err
	}
	if len(block.Bytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode identity public PEM: invalid key size %d", len(block.Bytes))
	}
	return ed25519.PublicKey(block.Bytes), nil
}

func saveIdentityPrivateKey(path string, key ed25519.PrivateKey) error {
	if len(key) != ed25519.PrivateKeySize {
		return fmt.Errorf("save identity private key: invalid key size %d", len(key))
	}
	return writePEM(path, identityPrivatePEMType, key, 0o600)
}

func saveIdentityPublicKey(path string, key ed25519.PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("save identity public key: invalid key size %d", len(key))
	}
	return writePEM(path, identityPublicPEMType, key, 0o644)
}

func readPEM(path, pemType string) (*pem.Block, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pemType, err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", pemType)
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", pemType, block.Type)
	}
	return block, nil
}

func writePEM(path, pemType string, raw []byte, mode os.FileMode) error {
	block := &pem.Block{Type: pemType, Bytes: raw}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), mode); err != nil {
		return fmt.Errorf("write %s: %w", pemType, err)
	}
	return nil
}
