package relay

import "errors"

var (
	// ErrStorageFailure wraps persistence read/write errors. The operation
	// is aborted; callers fall back to in-memory state where feasible.
	ErrStorageFailure = errors.New("relay: storage failure")

	// ErrConnectFailure wraps socket connect and IO errors. The session is
	// discarded; the peer stays in the candidate list for a later retry.
	ErrConnectFailure = errors.New("relay: connect failure")

	// ErrHandshakeFailure wraps malformed handshakes, pairing rejections,
	// and key mismatches for previously trusted devices.
	ErrHandshakeFailure = errors.New("relay: handshake failure")

	// ErrProtocolFailure wraps post-handshake messages that fail
	// shared-secret validation. The frame is dropped and the session torn
	// down; trust state is kept.
	ErrProtocolFailure = errors.New("relay: protocol failure")
)
