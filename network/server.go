package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Server accepts inbound TCP sessions and upgrades them to PeerConnection.
// The pairing decision for each inbound handshake is delegated to the
// configured ApprovalGateFunc.
type Server struct {
	listener net.Listener
	options  HandshakeOptions

	incoming chan *PeerConnection
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and handshake accept loop.
func Listen(address string, options HandshakeOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		incoming: make(chan *PeerConnection, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Incoming returns accepted and handshaked peer connections.
func (s *Server) Incoming() <-chan *PeerConnection {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			select {
			case s.errs <- fmt.Errorf("accept connection: %w", err):
			default:
			}
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(s.options.ConnectTimeout)); err != nil {
		s.reportError(fmt.Errorf("set handshake deadline: %w", err))
		return
	}

	helloPayload, err := ReadFrame(conn)
	if err != nil {
		s.reportError(fmt.Errorf("read hello: %w", err))
		return
	}

	msgType, err := DecodeMessageType(helloPayload)
	if err != nil {
		s.reportError(err)
		return
	}
	if msgType != TypeHello {
		_ = s.sendError(conn, ErrorMessage{
			Type:      TypeError,
			Code:      ErrorCodeUnknownType,
			Message:   fmt.Sprintf("Expected %q, got %q", TypeHello, msgType),
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}

	hello, err := decodeHello(helloPayload)
	if err != nil {
		s.reportError(err)
		return
	}

	if hello.ProtocolVersion != ProtocolVersion {
		_ = s.sendError(conn, makeVersionMismatchError(hello.ProtocolVersion))
		return
	}

	if _, err := VerifyIntroduction(hello); err != nil {
		s.reportError(fmt.Errorf("verify hello from %s: %w", hello.UUID, err))
		return
	}

	if s.options.CheckPeerKey != nil {
		if err := s.options.CheckPeerKey(hello.UUID, hello.IdentityPublicKey); err != nil {
			// Known-rejected devices get a reject frame and never reach
			// the approval gate. Key mismatches get an explicit error.
			if errors.Is(err, ErrHandshakeRejected) {
				rejectPayload, encodeErr := EncodeJSON(RejectMessage{
					Type:      TypeReject,
					UUID:      s.options.Identity.UUID,
					Timestamp: time.Now().UnixMilli(),
				})
				if encodeErr == nil {
					_ = WriteFrame(conn, rejectPayload)
				}
				return
			}
			_ = s.sendError(conn, ErrorMessage{
				Type:      TypeError,
				Code:      ErrorCodeKeyMismatch,
				Message:   err.Error(),
				Timestamp: time.Now().UnixMilli(),
			})
			s.reportError(fmt.Errorf("peer key check for %s: %w", hello.UUID, err))
			return
		}
	}

	keyExchange, err := BuildKeyExchange(s.options.Identity)
	if err != nil {
		s.reportError(err)
		return
	}
	keyExchangePayload, err := EncodeJSON(keyExchange)
	if err != nil {
		s.reportError(err)
		return
	}
	if err := WriteFrame(conn, keyExchangePayload); err != nil {
		s.reportError(fmt.Errorf("write key exchange: %w", err))
		return
	}

	secret, err := DerivePairingSecret(s.options.Identity, hello)
	if err != nil {
		s.reportError(fmt.Errorf("derive pairing secret for %s: %w", hello.UUID, err))
		return
	}

	peer := PeerInfo{
		UUID:               hello.UUID,
		DisplayName:        hello.DisplayName,
		IdentityPublicKey:  hello.IdentityPublicKey,
		AgreementPublicKey: hello.AgreementPublicKey,
	}
	if host, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String()); splitErr == nil {
		peer.RemoteIP = host
	}
	// The connection's source port is ephemeral; only the advertised listen
	// port is a dialable endpoint.
	if hello.ListenPort > 0 {
		peer.RemotePort = hello.ListenPort
	}

	// The pairing decision may wait on the user; extend the deadline to
	// cover the approval window.
	if err := conn.SetDeadline(time.Now().Add(s.options.ApprovalWait)); err != nil {
		s.reportError(fmt.Errorf("set approval deadline: %w", err))
		return
	}

	approved := true
	if s.options.Gate != nil {
		approved, err = s.options.Gate(peer)
		if err != nil {
			s.reportError(fmt.Errorf("pairing gate for %s: %w", hello.UUID, err))
			approved = false
		}
	}

	if !approved {
		rejectPayload, encodeErr := EncodeJSON(RejectMessage{
			Type:      TypeReject,
			UUID:      s.options.Identity.UUID,
			Timestamp: time.Now().UnixMilli(),
		})
		if encodeErr == nil {
			_ = WriteFrame(conn, rejectPayload)
		}
		return
	}

	approve, err := BuildApprove(s.options.Identity.UUID, secret)
	if err != nil {
		s.reportError(err)
		return
	}
	approvePayload, err := EncodeJSON(approve)
	if err != nil {
		s.reportError(err)
		return
	}
	if err := WriteFrame(conn, approvePayload); err != nil {
		s.reportError(fmt.Errorf("write approve: %w", err))
		return
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		s.reportError(fmt.Errorf("clear handshake deadline: %w", err))
		return
	}

	peerConnection := newPeerConnection(conn, peer, secret, connectionOptions{
		LocalUUID:         s.options.Identity.UUID,
		KeepAliveInterval: s.options.KeepAliveInterval,
		KeepAliveTimeout:  s.options.KeepAliveTimeout,
		FrameReadTimeout:  s.options.FrameReadTimeout,
		AutoRespondPing:   s.options.autoRespondPingEnabled(),
	})

	closeConn = false
	select {
	case s.incoming <- peerConnection:
	case <-s.closed:
		_ = peerConnection.Close()
	}
}

func (s *Server) sendError(conn net.Conn, message ErrorMessage) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload)
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
