package network

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"notirelay/crypto"
)

// pairingConfirmPlaintext is sealed under the derived secret inside the
// approve frame, proving both sides derived the same key.
const pairingConfirmPlaintext = "notirelay-paired"

// LocalIdentity contains local device values required to build handshake frames.
type LocalIdentity struct {
	UUID         string
	DisplayName  string
	IdentityKeys crypto.IdentityKeys
	AgreementKey *ecdh.PrivateKey

	// ListenPort is the TCP port this device accepts sessions on. It is
	// advertised in handshake frames so the remote side records a dialable
	// endpoint instead of the connection's ephemeral source port.
	ListenPort int
}

// PeerKeyCheckFunc validates a presented identity key against any pinned key
// for the uuid. Returning ErrKeyMismatch aborts the handshake without
// touching stored trust.
type PeerKeyCheckFunc func(peerUUID, identityPublicKeyBase64 string) error

// ApprovalGateFunc decides whether an inbound pairing may complete. It blocks
// until the decision is made (user approval, pin validation, or expiry).
type ApprovalGateFunc func(peer PeerInfo) (bool, error)

// PeerInfo describes the remote side of a completed key exchange.
type PeerInfo struct {
	UUID               string
	DisplayName        string
	IdentityPublicKey  string
	AgreementPublicKey string
	RemoteIP           string
	RemotePort         int
}

// HandshakeOptions configures handshake verification and connection behavior.
type HandshakeOptions struct {
	Identity LocalIdentity

	// CheckPeerKey is consulted with every presented identity key.
	CheckPeerKey PeerKeyCheckFunc
	// Gate is invoked on the listening side after key exchange; nil gates
	// accept unconditionally (test use only).
	Gate ApprovalGateFunc

	ConnectTimeout    time.Duration
	ApprovalWait      time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	AutoRespondPing   *bool
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.ApprovalWait <= 0 {
		out.ApprovalWait = DefaultApprovalWait
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return out
}

func (o HandshakeOptions) validateIdentity() error {
	if o.Identity.UUID == "" {
		return errors.New("local device UUID is required")
	}
	if o.Identity.DisplayName == "" {
		return errors.New("local display name is required")
	}
	if len(o.Identity.IdentityKeys.PrivateKey) != ed25519.PrivateKeySize {
		return errors.New("local identity private key is invalid")
	}
	if len(o.Identity.IdentityKeys.PublicKey) != ed25519.PublicKeySize {
		return errors.New("local identity public key is invalid")
	}
	if o.Identity.AgreementKey == nil {
		return errors.New("local agreement key is required")
	}
	return nil
}

func (o HandshakeOptions) autoRespondPingEnabled() bool {
	if o.AutoRespondPing == nil {
		return true
	}
	return *o.AutoRespondPing
}

func buildIntroduction(identity LocalIdentity, msgType string) (HelloMessage, error) {
	msg := HelloMessage{
		Type:               msgType,
		UUID:               identity.UUID,
		DisplayName:        identity.DisplayName,
		IdentityPublicKey:  base64.StdEncoding.EncodeToString(identity.IdentityKeys.PublicKey),
		AgreementPublicKey: base64.StdEncoding.EncodeToString(identity.AgreementKey.PublicKey().Bytes()),
		ListenPort:         identity.ListenPort,
		ProtocolVersion:    ProtocolVersion,
		Timestamp:          time.Now().UnixMilli(),
	}

	signaturePayload := msg
	signaturePayload.Signature = ""
	signable, err := json.Marshal(signaturePayload)
	if err != nil {
		return HelloMessage{}, fmt.Errorf("marshal handshake signable payload: %w", err)
	}

	signature, err := identity.IdentityKeys.Sign(signable)
	if err != nil {
		return HelloMessage{}, fmt.Errorf("sign handshake payload: %w", err)
	}
	msg.Signature = base64.StdEncoding.EncodeToString(signature)
	return msg, nil
}

// BuildHello builds and signs the dialer's opening frame.
func BuildHello(identity LocalIdentity) (HelloMessage, error) {
	return buildIntroduction(identity, TypeHello)
}

// BuildKeyExchange builds and signs the responder's answer frame.
func BuildKeyExchange(identity LocalIdentity) (KeyExchangeMessage, error) {
	return buildIntroduction(identity, TypeKeyExchange)
}

// VerifyIntroduction verifies signature and protocol version of a hello or
// key_exchange frame and returns the presented identity public key.
func VerifyIntroduction(msg HelloMessage) (ed25519.PublicKey, error) {
	if msg.ProtocolVersion != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}
	if msg.UUID == "" {
		return nil, errors.New("handshake uuid is required")
	}

	publicKeyBytes, err := base64.StdEncoding.DecodeString(msg.IdentityPublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode identity public key: %w", err)
	}
	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return nil, errors.New("invalid identity public key length")
	}
	publicKey := ed25519.PublicKey(publicKeyBytes)

	signatureBytes, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode handshake signature: %w", err)
	}

	signaturePayload := msg
	signaturePayload.Signature = ""
	signable, err := json.Marshal(signaturePayload)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake signable payload: %w", err)
	}
	if !crypto.VerifySignature(publicKey, signable, signatureBytes) {
		return nil, ErrInvalidSignature
	}

	return publicKey, nil
}

// DerivePairingSecret computes the static-static pairing secret for a
// verified introduction frame.
func DerivePairingSecret(local LocalIdentity, msg HelloMessage) ([]byte, error) {
	peerAgreementRaw, err := base64.StdEncoding.DecodeString(msg.AgreementPublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode peer agreement public key: %w", err)
	}
	peerAgreementKey, err := crypto.ParseX25519PublicKey(peerAgreementRaw)
	if err != nil {
		return nil, err
	}

	shared, err := crypto.ComputeX25519SharedSecret(local.AgreementKey, peerAgreementKey)
	if err != nil {
		return nil, err
	}

	return crypto.DerivePairingSecret(shared, local.UUID, msg.UUID)
}

// BuildApprove seals the pairing confirmation under the derived secret.
func BuildApprove(localUUID string, secret []byte) (ApproveMessage, error) {
	ciphertext, nonce, err := crypto.Seal(secret, []byte(pairingConfirmPlaintext))
	if err != nil {
		return ApproveMessage{}, fmt.Errorf("seal pairing confirmation: %w", err)
	}

	return ApproveMessage{
		Type:      TypeApprove,
		UUID:      localUUID,
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
		Confirm:   base64.StdEncoding.EncodeToString(ciphertext),
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// VerifyApprove opens the pairing confirmation with the locally derived
// secret. Failure means the two sides disagree on key material.
func VerifyApprove(msg ApproveMessage, secret []byte) error {
	nonce, err := base64.StdEncoding.DecodeString(msg.Nonce)
	if err != nil {
		return fmt.Errorf("decode approve nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(msg.Confirm)
	if err != nil {
		return fmt.Errorf("decode approve confirmation: %w", err)
	}

	plaintext, err := crypto.Open(secret, nonce, ciphertext)
	if err != nil {
		return fmt.Errorf("open pairing confirmation: %w", err)
	}
	if string(plaintext) != pairingConfirmPlaintext {
		return errors.New("unexpected pairing confirmation contents")
	}

	return nil
}

func decodeHello(payload []byte) (HelloMessage, error) {
	var msg HelloMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return HelloMessage{}, fmt.Errorf("decode handshake frame: %w", err)
	}
	return msg, nil
}

func makeVersionMismatchError(got int) ErrorMessage {
	return ErrorMessage{
		Type:      TypeError,
		Code:      ErrorCodeVersionMismatch,
		Message:   fmt.Sprintf("Unsupported protocol version. Expected %d, got %d.", ProtocolVersion, got),
		Timestamp: time.Now().UnixMilli(),
	}
}
