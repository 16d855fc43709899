package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"notirelay/config"
	"notirelay/discovery"
	"notirelay/network"
	"notirelay/storage"
)

// Callbacks is the surface a host UI or capture service attaches to. All
// fields are optional; nil callbacks are skipped.
type Callbacks struct {
	ShowToast                  func(message string)
	OnHandshakeRequest         func(request *HandshakeRequest)
	OnNotificationDataReceived func(record storage.Notification)
	OnDeviceListUpdated        func()
}

// Options configures a Manager.
type Options struct {
	Store    *storage.Store
	Config   *config.DeviceConfig
	Identity network.LocalIdentity

	// Discovery is optional; without it the manager relies on explicit
	// ConnectToDevice calls.
	Discovery *discovery.Service

	Callbacks Callbacks

	// ListenAddress overrides the config-derived listen address.
	ListenAddress string

	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	AutoRespondPing   *bool
}

// Manager is the single coordination point: it owns the trusted-device
// table, wires discovery, handshakes, sessions, and replication, and
// exposes the pairing and notification operations.
type Manager struct {
	options Options

	server *network.Server

	ctx    context.Context
	cancel context.CancelFunc

	lifecycleMu      sync.Mutex
	started          bool
	discoveryRunning bool

	wg sync.WaitGroup

	sessMu   sync.Mutex
	sessions map[string]*network.PeerConnection

	pending *requestTable
	history *history
	flush   *writeBehind
}

// NewManager creates a manager with validated collaborators. It does not
// listen or touch storage until Start.
func NewManager(options Options) (*Manager, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Config == nil {
		return nil, errors.New("config is required")
	}
	if options.Identity.UUID == "" {
		return nil, errors.New("identity uuid is required")
	}

	m := &Manager{
		options:  options,
		sessions: make(map[string]*network.PeerConnection),
		pending:  newRequestTable(options.Config.ApprovalExpiry(), 64),
		history:  newHistory(options.Config.MaxNotificationsPerDevice),
	}
	m.flush = newWriteBehind(options.Config.FlushDebounce(), m.flushBatch, func(err error) {
		log.Printf("relay: history flush failed: %v", err)
		m.toast("Saving notification history failed")
	})
	return m, nil
}

// Start opens the listener, preloads history, and begins serving. Idempotent.
func (m *Manager) Start() error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.started {
		return nil
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())

	// A prior Stop closed the flusher; re-arm it so records merged after a
	// restart still reach storage.
	m.flush.reopen()

	// Storage failures here degrade to an empty in-memory history.
	if records, err := m.options.Store.ListNotifications(0); err != nil {
		log.Printf("relay: preload history: %v", err)
	} else {
		m.history.preload(records)
	}

	server, err := network.Listen(m.listenAddress(), m.handshakeOptions())
	if err != nil {
		m.cancel()
		return fmt.Errorf("%w: %v", ErrConnectFailure, err)
	}
	m.server = server

	m.wg.Add(1)
	go m.serverLoop()

	m.started = true
	m.startDiscoveryLoopLocked()
	return nil
}

// startDiscoveryLoopLocked spawns at most one discovery consumer. Callers
// hold lifecycleMu.
func (m *Manager) startDiscoveryLoopLocked() {
	if m.discoveryRunning || m.options.Discovery == nil || m.options.Discovery.Tracker == nil {
		return
	}
	m.discoveryRunning = true
	m.wg.Add(1)
	go m.discoveryLoop()
}

// Stop shuts down the listener, sessions, and timers, then flushes pending
// history writes. Safe to call from any state, any number of times.
func (m *Manager) Stop() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if !m.started {
		return
	}
	m.started = false

	m.cancel()
	if m.server != nil {
		_ = m.server.Close()
	}

	m.sessMu.Lock()
	for _, conn := range m.sessions {
		_ = conn.Disconnect()
	}
	m.sessions = make(map[string]*network.PeerConnection)
	m.sessMu.Unlock()

	m.wg.Wait()
	m.discoveryRunning = false
	m.flush.close()
}

// AttachDiscovery wires a discovery service into a running manager. Used
// when the listen port is chosen dynamically: the manager must bind first so
// the advertised port is the real one.
func (m *Manager) AttachDiscovery(service *discovery.Service) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.options.Discovery = service
	if m.started {
		m.startDiscoveryLoopLocked()
	}
}

// ListenPort returns the bound TCP port, or zero before Start.
func (m *Manager) ListenPort() int {
	if m.server == nil {
		return 0
	}
	return m.server.Port()
}

// ConnectToDevice dials a discovered candidate and runs the pairing
// handshake. Blocks until the remote side approves or rejects.
func (m *Manager) ConnectToDevice(candidate discovery.Candidate) error {
	m.lifecycleMu.Lock()
	started := m.started
	m.lifecycleMu.Unlock()
	if !started {
		return fmt.Errorf("%w: manager is not started", ErrConnectFailure)
	}
	if candidate.UUID == "" || candidate.IP == "" || candidate.Port <= 0 {
		return fmt.Errorf("%w: candidate endpoint is incomplete", ErrConnectFailure)
	}

	address := net.JoinHostPort(candidate.IP, strconv.Itoa(candidate.Port))
	conn, err := network.Dial(address, m.handshakeOptions())
	if err != nil {
		classified := classifyDialError(err)
		m.toast(fmt.Sprintf("Pairing with %s failed", candidate.DisplayName))
		return classified
	}

	m.registerSession(conn)
	return nil
}

// AcceptHandshake resolves a pending pairing request as approved.
func (m *Manager) AcceptHandshake(request *HandshakeRequest) error {
	if request == nil {
		return errors.New("request is required")
	}
	if !m.pending.resolve(request.ID, true) {
		return fmt.Errorf("%w: no pending handshake request %q", ErrHandshakeFailure, request.ID)
	}
	return nil
}

// RejectHandshake resolves a pending pairing request as declined.
func (m *Manager) RejectHandshake(request *HandshakeRequest) error {
	if request == nil {
		return errors.New("request is required")
	}
	if !m.pending.resolve(request.ID, false) {
		return fmt.Errorf("%w: no pending handshake request %q", ErrHandshakeFailure, request.ID)
	}
	return nil
}

// PendingHandshakes returns the unresolved pairing requests.
func (m *Manager) PendingHandshakes() []*HandshakeRequest {
	return m.pending.list()
}

// RestoreRejectedDevice clears the rejected flag so the next contact from
// that uuid raises a fresh pairing prompt.
func (m *Manager) RestoreRejectedDevice(deviceUUID string) error {
	if err := m.options.Store.SetDeviceStatus(deviceUUID, storage.DeviceStatusPending); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: device %q is not known", ErrStorageFailure, deviceUUID)
		}
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	m.notifyDeviceListUpdated()
	return nil
}

// RemoveDevice deletes all trust state for a uuid; a later handshake starts
// fresh. Any live session is closed first.
func (m *Manager) RemoveDevice(deviceUUID string) error {
	m.sessMu.Lock()
	if conn, ok := m.sessions[deviceUUID]; ok {
		delete(m.sessions, deviceUUID)
		_ = conn.Disconnect()
	}
	m.sessMu.Unlock()

	if err := m.options.Store.DeleteDevice(deviceUUID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	m.notifyDeviceListUpdated()
	return nil
}

// TrustedDevices returns the persisted trust table.
func (m *Manager) TrustedDevices() ([]storage.Device, error) {
	devices, err := m.options.Store.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return devices, nil
}

// SendNotification merges a locally captured record and fans it out to all
// authenticated sessions. Delivery is best-effort and independent per peer.
func (m *Manager) SendNotification(record storage.Notification) error {
	if record.Key == "" {
		return errors.New("notification key is required")
	}
	if record.Device == "" {
		record.Device = m.options.Config.DeviceName
	}

	added, _ := m.history.add(record)
	if !added {
		return nil
	}
	m.flush.enqueue(record)

	for _, conn := range m.sessionSnapshot() {
		m.sendRecord(conn, record)
	}
	return nil
}

// Notifications returns the merged in-memory history newest-first. A limit
// of zero or less returns everything.
func (m *Manager) Notifications(limit int) []storage.Notification {
	return m.history.snapshot(limit)
}

// ActiveSessions returns the uuids with a live authenticated session.
func (m *Manager) ActiveSessions() []string {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()

	out := make([]string, 0, len(m.sessions))
	for deviceUUID := range m.sessions {
		out = append(out, deviceUUID)
	}
	return out
}

func (m *Manager) listenAddress() string {
	if m.options.ListenAddress != "" {
		return m.options.ListenAddress
	}
	if m.options.Config.PortMode == config.PortModeFixed {
		return fmt.Sprintf(":%d", m.options.Config.ListeningPort)
	}
	return ":0"
}

func (m *Manager) handshakeOptions() network.HandshakeOptions {
	approvalWait := m.options.Config.ApprovalExpiry()
	if approvalWait <= 0 {
		approvalWait = network.DefaultApprovalWait
	}
	identity := m.options.Identity
	identity.ListenPort = m.ListenPort()
	return network.HandshakeOptions{
		Identity:          identity,
		CheckPeerKey:      m.checkPeerKey,
		Gate:              m.gateInbound,
		ConnectTimeout:    m.options.ConnectTimeout,
		ApprovalWait:      approvalWait,
		KeepAliveInterval: m.options.KeepAliveInterval,
		KeepAliveTimeout:  m.options.KeepAliveTimeout,
		FrameReadTimeout:  m.options.FrameReadTimeout,
		AutoRespondPing:   m.options.AutoRespondPing,
	}
}

// checkPeerKey pins a presented identity key against the stored trust row.
// A rejected device aborts with ErrHandshakeRejected before key exchange; a
// key mismatch flags the row for re-verification but never mutates the
// stored key.
func (m *Manager) checkPeerKey(peerUUID, identityPublicKey string) error {
	device, err := m.options.Store.GetDevice(peerUUID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	if device.Status == storage.DeviceStatusRejected {
		return network.ErrHandshakeRejected
	}
	if device.PublicKey != "" && device.PublicKey != identityPublicKey {
		if flagErr := m.options.Store.SetDeviceNeedsReverify(peerUUID, true); flagErr != nil {
			log.Printf("relay: flag %s for re-verification: %v", peerUUID, flagErr)
		}
		m.toast(fmt.Sprintf("Device %s presented a different key", device.DisplayName))
		return network.ErrKeyMismatch
	}
	return nil
}

// gateInbound decides an inbound pairing. Known accepted devices pass
// without prompting; unknown devices raise a HandshakeRequest and block
// until the user answers or the request expires.
func (m *Manager) gateInbound(peer network.PeerInfo) (bool, error) {
	device, err := m.options.Store.GetDevice(peer.UUID)
	if err == nil {
		switch device.Status {
		case storage.DeviceStatusAccepted:
			return true, nil
		case storage.DeviceStatusRejected:
			return false, nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	requestID := uuid.NewString()
	request := m.pending.add(requestID, peer)

	if cb := m.options.Callbacks.OnHandshakeRequest; cb != nil {
		go cb(request)
	}

	var expiry <-chan time.Time
	if maxAge := m.options.Config.ApprovalExpiry(); maxAge > 0 {
		timer := time.NewTimer(maxAge)
		defer timer.Stop()
		expiry = timer.C
	}

	accepted := false
	explicit := false
	select {
	case accepted = <-request.decision:
		explicit = true
	case <-expiry:
		// Expiry resolves as unapproved and persists nothing.
		m.pending.remove(requestID)
	case <-m.ctx.Done():
		m.pending.remove(requestID)
		return false, m.ctx.Err()
	}

	if !accepted {
		// An explicit user rejection is remembered so the device never
		// re-prompts; an expired request leaves no trace.
		if explicit {
			m.persistRejected(peer)
		}
		return false, nil
	}
	return true, nil
}

func (m *Manager) persistRejected(peer network.PeerInfo) {
	device := storage.Device{
		UUID:        peer.UUID,
		DisplayName: peer.DisplayName,
		PublicKey:   peer.IdentityPublicKey,
		Status:      storage.DeviceStatusRejected,
	}
	if peer.RemoteIP != "" {
		device.LastIP = &peer.RemoteIP
	}
	if peer.RemotePort > 0 {
		device.LastPort = &peer.RemotePort
	}
	if err := m.options.Store.UpsertDevice(device); err != nil {
		log.Printf("relay: persist rejected device %s: %v", peer.UUID, err)
	}
	m.notifyDeviceListUpdated()
}

func (m *Manager) serverLoop() {
	defer m.wg.Done()
	for {
		select {
		case conn, ok := <-m.server.Incoming():
			if !ok {
				return
			}
			m.registerSession(conn)
		case err, ok := <-m.server.Errors():
			if !ok {
				return
			}
			log.Printf("relay: server: %v", err)
		case <-m.ctx.Done():
			return
		}
	}
}

// registerSession persists the accepted trust row and installs the
// connection as the single live session for its uuid. A newer connection
// for the same uuid always wins; the old one is closed.
func (m *Manager) registerSession(conn *network.PeerConnection) {
	peer := conn.Peer()
	if peer.UUID == "" {
		_ = conn.Close()
		return
	}

	device := storage.Device{
		UUID:         peer.UUID,
		DisplayName:  peer.DisplayName,
		PublicKey:    peer.IdentityPublicKey,
		SharedSecret: base64.StdEncoding.EncodeToString(conn.Secret()),
		Status:       storage.DeviceStatusAccepted,
	}
	if peer.RemoteIP != "" {
		device.LastIP = &peer.RemoteIP
	}
	if peer.RemotePort > 0 {
		device.LastPort = &peer.RemotePort
	}
	if err := m.options.Store.UpsertDevice(device); err != nil {
		log.Printf("relay: persist trusted device %s: %v", peer.UUID, err)
	}

	m.sessMu.Lock()
	if existing, exists := m.sessions[peer.UUID]; exists && existing != conn {
		_ = existing.Close()
	}
	m.sessions[peer.UUID] = conn
	m.sessMu.Unlock()

	m.wg.Add(1)
	go m.sessionLoop(conn)

	m.notifyDeviceListUpdated()
}

func (m *Manager) sessionLoop(conn *network.PeerConnection) {
	defer m.wg.Done()

	peerUUID := conn.PeerUUID()
	for {
		payload, err := conn.ReceiveMessage(m.ctx)
		if err != nil {
			break
		}

		msgType, err := network.DecodeMessageType(payload)
		if err != nil {
			continue
		}

		switch msgType {
		case network.TypeNotification:
			var msg network.NotificationMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				log.Printf("relay: decode notification from %s: %v", peerUUID, err)
				continue
			}
			m.handleInboundNotification(conn, msg)
		case network.TypeError:
			var msg network.ErrorMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			log.Printf("relay: peer %s reported error [%s]: %s", peerUUID, msg.Code, msg.Message)
		}
	}

	_ = conn.Close()

	m.sessMu.Lock()
	if current := m.sessions[peerUUID]; current == conn {
		delete(m.sessions, peerUUID)
	}
	m.sessMu.Unlock()

	m.notifyDeviceListUpdated()
}

// handleInboundNotification authenticates and merges one replicated record.
// Records received from a remote peer are never re-forwarded.
func (m *Manager) handleInboundNotification(conn *network.PeerConnection, msg network.NotificationMessage) {
	payload, err := openRecord(conn.Secret(), msg.Nonce, msg.Ciphertext)
	if err != nil {
		// ProtocolFailure: drop the frame and tear down the transport.
		// Trust state is untouched; a reconnect with the stored secret
		// recovers the session.
		log.Printf("relay: protocol failure from %s: %v", conn.PeerUUID(), err)
		m.toast(fmt.Sprintf("Dropped unauthenticated message from %s", conn.PeerDisplayName()))
		_ = conn.Close()
		return
	}

	record := storage.Notification{
		Key:         payload.Key,
		PackageName: payload.PackageName,
		AppName:     payload.AppName,
		Title:       payload.Title,
		Text:        payload.Text,
		Time:        payload.Time,
		Device:      conn.PeerDisplayName(),
	}

	added, _ := m.history.add(record)
	if !added {
		return
	}
	m.flush.enqueue(record)

	if cb := m.options.Callbacks.OnNotificationDataReceived; cb != nil {
		cb(record)
	}
}

func (m *Manager) sendRecord(conn *network.PeerConnection, record storage.Notification) {
	nonce, ciphertext, err := sealRecord(conn.Secret(), record)
	if err != nil {
		log.Printf("relay: seal record for %s: %v", conn.PeerUUID(), err)
		return
	}

	msg := network.NotificationMessage{
		Type:       network.TypeNotification,
		FromUUID:   m.options.Identity.UUID,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := conn.SendMessage(msg); err != nil {
		log.Printf("relay: send to %s: %v", conn.PeerUUID(), err)
		m.toast(fmt.Sprintf("Sending to %s failed", conn.PeerDisplayName()))
	}
}

func (m *Manager) discoveryLoop() {
	defer m.wg.Done()

	events := m.options.Discovery.Tracker.Events()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Type == discovery.EventCandidateUpserted {
				m.onCandidateSeen(event.Candidate)
			}
		case <-m.ctx.Done():
			return
		}
	}
}

// onCandidateSeen refreshes the stored endpoint for known accepted devices
// and reconnects when no session is live. The lower uuid dials to avoid
// simultaneous cross-connects.
func (m *Manager) onCandidateSeen(candidate discovery.Candidate) {
	device, err := m.options.Store.GetDevice(candidate.UUID)
	if err != nil || device.Status != storage.DeviceStatusAccepted {
		return
	}

	if err := m.options.Store.UpdateDeviceEndpoint(candidate.UUID, candidate.DisplayName, candidate.IP, candidate.Port); err != nil {
		log.Printf("relay: refresh endpoint for %s: %v", candidate.UUID, err)
	}

	m.sessMu.Lock()
	_, connected := m.sessions[candidate.UUID]
	m.sessMu.Unlock()
	if connected || m.options.Identity.UUID >= candidate.UUID {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.ConnectToDevice(candidate); err != nil {
			log.Printf("relay: reconnect to %s: %v", candidate.UUID, err)
		}
	}()
}

func (m *Manager) sessionSnapshot() []*network.PeerConnection {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()

	out := make([]*network.PeerConnection, 0, len(m.sessions))
	for _, conn := range m.sessions {
		out = append(out, conn)
	}
	return out
}

func (m *Manager) flushBatch(batch []storage.Notification) error {
	return m.options.Store.ApplyNotificationBatch(batch, m.options.Config.MaxNotificationsPerDevice)
}

func (m *Manager) toast(message string) {
	if cb := m.options.Callbacks.ShowToast; cb != nil {
		cb(message)
	}
}

func (m *Manager) notifyDeviceListUpdated() {
	if cb := m.options.Callbacks.OnDeviceListUpdated; cb != nil {
		cb()
	}
}

func classifyDialError(err error) error {
	var remoteErr *network.RemoteError
	switch {
	case errors.Is(err, network.ErrHandshakeRejected),
		errors.Is(err, network.ErrKeyMismatch),
		errors.Is(err, network.ErrInvalidSignature),
		errors.Is(err, network.ErrUnsupportedVersion),
		errors.As(err, &remoteErr):
		return fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	default:
		return fmt.Errorf("%w: %v", ErrConnectFailure, err)
	}
}
