package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (256 KB).
	// Notification payloads are small; anything larger is malformed.
	MaxFrameSize = 256 * 1024
	// DefaultConnectTimeout bounds TCP dial plus handshake duration so a
	// discovery-to-pairing flow never blocks indefinitely.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultApprovalWait bounds how long a dialer waits for the remote
	// user's pairing decision.
	DefaultApprovalWait = 3 * time.Minute
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

const (
	TypeHello        = "hello"
	TypeKeyExchange  = "key_exchange"
	TypeApprove      = "approve"
	TypeReject       = "reject"
	TypeNotification = "notification"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeDisconnect   = "disconnect"
	TypeError        = "error"
)

const (
	ErrorCodeKeyMismatch     = "key_mismatch"
	ErrorCodeVersionMismatch = "version_mismatch"
	ErrorCodeUnknownType     = "unknown_type"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("network: invalid signature")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrHandshakeRejected indicates the remote side declined pairing.
	ErrHandshakeRejected = errors.New("network: handshake rejected by peer")
	// ErrKeyMismatch indicates a known uuid presented a different public key.
	ErrKeyMismatch = errors.New("network: peer public key mismatch")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

/// HelloMessage opens a handshake: the dialer introduces its identity.
type HelloMessage struct {
	Type               string `json:"type"`
	UUID               string `json:"uuid"`
	DisplayName        string `json:"display_name"`
	IdentityPublicKey  string `json:"identity_public_key"`
	AgreementPublicKey string `json:"agreement_public_key"`
	ListenPort         int    `json:"listen_port,omitempty"`
	ProtocolVersion    int    `json:"protocol_version"`
	Timestamp          int64  `json:"timestamp"`
	Signature          string `json:"signature"`
}

// KeyExchangeMessage answers a hello with the responder's identity. Shape
// matches HelloMessage so both directions share signing and verification.
type KeyExchangeMessage = HelloMessage

// ApproveMessage completes pairing. Confirm is the pairing confirmation
// sealed under the derived secret, proving the sender derived the same key.
type ApproveMessage struct {
	Type      string `json:"type"`
	UUID      string `json:"uuid"`
	Nonce     string `json:"nonce"`
	Confirm   string `json:"confirm"`
	Timestamp int64  `json:"timestamp"`
}

// RejectMessage declines pairing.
type RejectMessage struct {
	Type      string `json:"type"`
	UUID      string `json:"uuid"`
	Timestamp int64  `json:"timestamp"`
}

// NotificationMessage carries one sealed notification record.
type NotificationMessage struct {
	Type       string `json:"type"`
	FromUUID   string `json:"from_uuid"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Timestamp  int64  `json:"timestamp"`
}

// PingMessage is a keep-alive ping.
type PingMessage struct {
	Type      string `json:"type"`
	FromUUID  string `json:"from_uuid"`
	Timestamp int64  `json:"timestamp"`
}

// PongMessage is a keep-alive pong response.
type PongMessage struct {
	Type      string `json:"type"`
	FromUUID  string `json:"from_uuid"`
	Timestamp int64  `json:"timestamp"`
}

// DisconnectMessage signals graceful disconnect.
type DisconnectMessage struct {
	Type      string `json:"type"`
	FromUUID  string `json:"from_uuid"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}
