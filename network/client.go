package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Dial connects to a peer, performs the pairing handshake, and returns a
// ready PeerConnection. The call blocks until the remote side approves or
// rejects the pairing, so first-time pairings can take as long as the
// remote user needs (bounded by ApprovalWait).
func Dial(address string, options HandshakeOptions) (*PeerConnection, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", address, opts.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	if err := conn.SetDeadline(time.Now().Add(opts.ConnectTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	hello, err := BuildHello(opts.Identity)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	helloPayload, err := EncodeJSON(hello)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := WriteFrame(conn, helloPayload); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	exchangePayload, err := ReadFrame(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read key exchange: %w", err)
	}

	msgType, err := DecodeMessageType(exchangePayload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if msgType == TypeError {
		remoteErr, decodeErr := decodeRemoteError(exchangePayload)
		_ = conn.Close()
		if decodeErr != nil {
			return nil, decodeErr
		}
		return nil, remoteErr
	}
	if msgType == TypeReject {
		_ = conn.Close()
		return nil, ErrHandshakeRejected
	}
	if msgType != TypeKeyExchange {
		_ = conn.Close()
		return nil, fmt.Errorf("expected %q, got %q: %w", TypeKeyExchange, msgType, ErrInvalidMessageType)
	}

	exchange, err := decodeHello(exchangePayload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := VerifyIntroduction(exchange); err != nil {
		_ = conn.Close()
		if errors.Is(err, ErrUnsupportedVersion) {
			return nil, err
		}
		return nil, fmt.Errorf("verify key exchange: %w", err)
	}

	if opts.CheckPeerKey != nil {
		if err := opts.CheckPeerKey(exchange.UUID, exchange.IdentityPublicKey); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	secret, err := DerivePairingSecret(opts.Identity, exchange)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	// The remote user may take a while to decide; widen the deadline for
	// the approval frame only.
	if err := conn.SetDeadline(time.Now().Add(opts.ApprovalWait)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set approval deadline: %w", err)
	}

	decisionPayload, err := ReadFrame(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read pairing decision: %w", err)
	}
	decisionType, err := DecodeMessageType(decisionPayload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	switch decisionType {
	case TypeApprove:
		var approve ApproveMessage
		if err := json.Unmarshal(decisionPayload, &approve); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("decode approve: %w", err)
		}
		if err := VerifyApprove(approve, secret); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %v", ErrKeyMismatch, err)
		}
	case TypeReject:
		_ = conn.Close()
		return nil, ErrHandshakeRejected
	case TypeError:
		remoteErr, decodeErr := decodeRemoteError(decisionPayload)
		_ = conn.Close()
		if decodeErr != nil {
			return nil, decodeErr
		}
		return nil, remoteErr
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("expected pairing decision, got %q: %w", decisionType, ErrInvalidMessageType)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	peer := PeerInfo{
		UUID:               exchange.UUID,
		DisplayName:        exchange.DisplayName,
		IdentityPublicKey:  exchange.IdentityPublicKey,
		AgreementPublicKey: exchange.AgreementPublicKey,
	}
	if host, portText, splitErr := net.SplitHostPort(conn.RemoteAddr().String()); splitErr == nil {
		peer.RemoteIP = host
		if port, convErr := strconv.Atoi(portText); convErr == nil {
			peer.RemotePort = port
		}
	}

	connection := newPeerConnection(conn, peer, secret, connectionOptions{
		LocalUUID:         opts.Identity.UUID,
		KeepAliveInterval: opts.KeepAliveInterval,
		KeepAliveTimeout:  opts.KeepAliveTimeout,
		FrameReadTimeout:  opts.FrameReadTimeout,
		AutoRespondPing:   opts.autoRespondPingEnabled(),
	})

	return connection, nil
}

// RemoteError is a protocol error frame received from the peer.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}

func decodeRemoteError(payload []byte) (*RemoteError, error) {
	var msg ErrorMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode remote error response: %w", err)
	}
	return &RemoteError{Code: msg.Code, Message: msg.Message}, nil
}
