package relay

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"notirelay/config"
	"notirelay/crypto"
	"notirelay/discovery"
	"notirelay/network"
	"notirelay/storage"
)

type testNode struct {
	manager *Manager
	store   *storage.Store
	cfg     *config.DeviceConfig
	uuid    string
	name    string

	mu        sync.Mutex
	toasts    []string
	prompts   []*HandshakeRequest
	received  []storage.Notification
	onRequest func(*HandshakeRequest)
}

func (n *testNode) promptCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.prompts)
}

func (n *testNode) receivedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.received)
}

func (n *testNode) candidate() discovery.Candidate {
	return discovery.Candidate{
		UUID:        n.uuid,
		DisplayName: n.name,
		IP:          "127.0.0.1",
		Port:        n.manager.ListenPort(),
	}
}

func newTestNode(t *testing.T, deviceUUID, name string) *testNode {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate identity key: %v", err)
	}
	agreementKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate agreement key: %v", err)
	}

	cfg := &config.DeviceConfig{
		DeviceID:                  deviceUUID,
		DeviceName:                name,
		PortMode:                  config.PortModeAutomatic,
		MaxNotificationsPerDevice: 100,
		FlushDebounceMillis:       20,
	}

	node := &testNode{store: store, cfg: cfg, uuid: deviceUUID, name: name}

	manager, err := NewManager(Options{
		Store:  store,
		Config: cfg,
		Identity: network.LocalIdentity{
			UUID:        deviceUUID,
			DisplayName: name,
			IdentityKeys: crypto.IdentityKeys{
				PrivateKey: privateKey,
				PublicKey:  publicKey,
			},
			AgreementKey: agreementKey,
		},
		ListenAddress: "127.0.0.1:0",
		Callbacks: Callbacks{
			ShowToast: func(message string) {
				node.mu.Lock()
				node.toasts = append(node.toasts, message)
				node.mu.Unlock()
			},
			OnHandshakeRequest: func(request *HandshakeRequest) {
				node.mu.Lock()
				node.prompts = append(node.prompts, request)
				handler := node.onRequest
				node.mu.Unlock()
				if handler != nil {
					handler(request)
				}
			},
			OnNotificationDataReceived: func(record storage.Notification) {
				node.mu.Lock()
				node.received = append(node.received, record)
				node.mu.Unlock()
			},
		},
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	node.manager = manager

	if err := manager.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(manager.Stop)

	return node
}

func waitFor(t *testing.T, timeout time.Duration, message string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(message)
}

func acceptAll(node *testNode) {
	node.mu.Lock()
	defer node.mu.Unlock()
	node.onRequest = func(request *HandshakeRequest) {
		_ = node.manager.AcceptHandshake(request)
	}
}

func rejectAll(node *testNode) {
	node.mu.Lock()
	defer node.mu.Unlock()
	node.onRequest = func(request *HandshakeRequest) {
		_ = node.manager.RejectHandshake(request)
	}
}

func TestEndToEndPairAndRelay(t *testing.T) {
	nodeA := newTestNode(t, "device-a", "Phone A")
	nodeB := newTestNode(t, "device-b", "Laptop B")
	acceptAll(nodeB)

	if err := nodeA.manager.ConnectToDevice(nodeB.candidate()); err != nil {
		t.Fatalf("ConnectToDevice failed: %v", err)
	}

	waitFor(t, 2*time.Second, "B never registered the session", func() bool {
		return len(nodeB.manager.ActiveSessions()) == 1
	})

	// Both sides persisted an accepted trust row with the same secret.
	deviceOnA, err := nodeA.store.GetDevice("device-b")
	if err != nil {
		t.Fatalf("A has no trust row for B: %v", err)
	}
	deviceOnB, err := nodeB.store.GetDevice("device-a")
	if err != nil {
		t.Fatalf("B has no trust row for A: %v", err)
	}
	if deviceOnA.Status != storage.DeviceStatusAccepted || deviceOnB.Status != storage.DeviceStatusAccepted {
		t.Fatalf("expected accepted rows, got %q and %q", deviceOnA.Status, deviceOnB.Status)
	}
	if deviceOnA.SharedSecret == "" || deviceOnA.SharedSecret != deviceOnB.SharedSecret {
		t.Fatal("derived shared secrets do not match")
	}

	record := storage.Notification{
		Key:         "com.example|1000",
		PackageName: "com.example",
		Title:       "Hi",
		Text:        "there",
		Time:        1000,
	}
	if err := nodeA.manager.SendNotification(record); err != nil {
		t.Fatalf("SendNotification failed: %v", err)
	}

	waitFor(t, 2*time.Second, "B never received the notification", func() bool {
		return nodeB.receivedCount() == 1
	})

	history := nodeB.manager.Notifications(0)
	if len(history) != 1 {
		t.Fatalf("B history has %d records, want 1", len(history))
	}
	if history[0].Device != "Phone A" {
		t.Fatalf("record tagged with device %q, want %q", history[0].Device, "Phone A")
	}
	if history[0].Title != "Hi" || history[0].Text != "there" {
		t.Fatalf("record content mismatch: %+v", history[0])
	}

	// The receiving side never re-forwards a remote record, so A's history
	// still holds exactly one copy.
	waitFor(t, 2*time.Second, "A double-counted its own record", func() bool {
		return len(nodeA.manager.Notifications(0)) == 1
	})
}

func TestSendNotificationIsIdempotent(t *testing.T) {
	nodeA := newTestNode(t, "device-a", "Phone A")

	record := testRecord("dup-key", "", 500)
	if err := nodeA.manager.SendNotification(record); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	if err := nodeA.manager.SendNotification(record); err != nil {
		t.Fatalf("second send failed: %v", err)
	}

	if got := len(nodeA.manager.Notifications(0)); got != 1 {
		t.Fatalf("history has %d records, want 1", got)
	}
}

func TestRejectedDeviceSilenceUntilRestore(t *testing.T) {
	nodeA := newTestNode(t, "device-a", "Phone A")
	nodeB := newTestNode(t, "device-b", "Laptop B")
	rejectAll(nodeB)

	err := nodeA.manager.ConnectToDevice(nodeB.candidate())
	if !errors.Is(err, ErrHandshakeFailure) {
		t.Fatalf("expected ErrHandshakeFailure, got %v", err)
	}
	if nodeB.promptCount() != 1 {
		t.Fatalf("got %d prompts, want 1", nodeB.promptCount())
	}

	// Rejection persisted; the second attempt answers with reject without
	// prompting again.
	rejected, err := nodeB.store.GetDevice("device-a")
	if err != nil {
		t.Fatalf("B has no rejected row: %v", err)
	}
	if rejected.Status != storage.DeviceStatusRejected {
		t.Fatalf("got status %q, want rejected", rejected.Status)
	}

	err = nodeA.manager.ConnectToDevice(nodeB.candidate())
	if !errors.Is(err, ErrHandshakeFailure) {
		t.Fatalf("expected ErrHandshakeFailure on retry, got %v", err)
	}
	if nodeB.promptCount() != 1 {
		t.Fatalf("rejected device re-prompted: %d prompts", nodeB.promptCount())
	}

	// Restoring clears the silence; the next attempt prompts again.
	acceptAll(nodeB)
	if err := nodeB.manager.RestoreRejectedDevice("device-a"); err != nil {
		t.Fatalf("RestoreRejectedDevice failed: %v", err)
	}
	if err := nodeA.manager.ConnectToDevice(nodeB.candidate()); err != nil {
		t.Fatalf("ConnectToDevice after restore failed: %v", err)
	}
	if nodeB.promptCount() != 2 {
		t.Fatalf("got %d prompts after restore, want 2", nodeB.promptCount())
	}
}

func TestKeyMismatchLeavesStoredRowUnmodified(t *testing.T) {
	nodeA := newTestNode(t, "device-a", "Phone A")
	nodeB := newTestNode(t, "device-b", "Laptop B")

	pinnedKey := base64.StdEncoding.EncodeToString([]byte("a different ed25519 public key !"))
	pinnedSecret := base64.StdEncoding.EncodeToString([]byte("previously derived shared secret"))
	if err := nodeB.store.UpsertDevice(storage.Device{
		UUID:         "device-a",
		DisplayName:  "Phone A",
		PublicKey:    pinnedKey,
		SharedSecret: pinnedSecret,
		Status:       storage.DeviceStatusAccepted,
	}); err != nil {
		t.Fatalf("seed trust row: %v", err)
	}

	err := nodeA.manager.ConnectToDevice(nodeB.candidate())
	if !errors.Is(err, ErrHandshakeFailure) {
		t.Fatalf("expected ErrHandshakeFailure, got %v", err)
	}
	if nodeB.promptCount() != 0 {
		t.Fatal("key mismatch must not raise a pairing prompt")
	}

	device, err := nodeB.store.GetDevice("device-a")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if device.PublicKey != pinnedKey {
		t.Fatal("stored public key was modified on mismatch")
	}
	if device.SharedSecret != pinnedSecret {
		t.Fatal("stored shared secret was modified on mismatch")
	}
	if device.Status != storage.DeviceStatusAccepted {
		t.Fatalf("stored status changed to %q", device.Status)
	}
	if !device.NeedsReverify {
		t.Fatal("expected needs-reverify flag to be set")
	}
}

func TestSingleSessionPerDevice(t *testing.T) {
	nodeA := newTestNode(t, "device-a", "Phone A")
	nodeB := newTestNode(t, "device-b", "Laptop B")
	acceptAll(nodeB)

	if err := nodeA.manager.ConnectToDevice(nodeB.candidate()); err != nil {
		t.Fatalf("first connect failed: %v", err)
	}
	waitFor(t, 2*time.Second, "B never registered the first session", func() bool {
		return len(nodeB.manager.ActiveSessions()) == 1
	})

	// A known accepted device reconnects without a prompt; the newer
	// connection replaces the old one on both sides.
	if err := nodeA.manager.ConnectToDevice(nodeB.candidate()); err != nil {
		t.Fatalf("second connect failed: %v", err)
	}
	if nodeB.promptCount() != 1 {
		t.Fatalf("accepted device re-prompted: %d prompts", nodeB.promptCount())
	}

	waitFor(t, 2*time.Second, "session count did not settle to one per side", func() bool {
		return len(nodeA.manager.ActiveSessions()) == 1 && len(nodeB.manager.ActiveSessions()) == 1
	})
}

func TestProtocolFailureTearsDownSessionButKeepsTrust(t *testing.T) {
	nodeA := newTestNode(t, "device-a", "Phone A")
	nodeB := newTestNode(t, "device-b", "Laptop B")
	acceptAll(nodeB)

	if err := nodeA.manager.ConnectToDevice(nodeB.candidate()); err != nil {
		t.Fatalf("pairing failed: %v", err)
	}
	waitFor(t, 2*time.Second, "B never registered the session", func() bool {
		return len(nodeB.manager.ActiveSessions()) == 1
	})

	// Inject a frame that fails shared-secret validation. B must drop it
	// and tear down the transport without touching trust state.
	badFrame := network.NotificationMessage{
		Type:       network.TypeNotification,
		FromUUID:   "device-a",
		Nonce:      base64.StdEncoding.EncodeToString([]byte("bad nonce 12")),
		Ciphertext: base64.StdEncoding.EncodeToString([]byte("not a valid ciphertext")),
		Timestamp:  time.Now().UnixMilli(),
	}
	nodeA.manager.sessMu.Lock()
	connAtoB := nodeA.manager.sessions["device-b"]
	nodeA.manager.sessMu.Unlock()
	if connAtoB == nil {
		t.Fatal("A has no session for B")
	}
	if err := connAtoB.SendMessage(badFrame); err != nil {
		t.Fatalf("send bad frame: %v", err)
	}

	waitFor(t, 2*time.Second, "B never tore down the session", func() bool {
		return len(nodeB.manager.ActiveSessions()) == 0
	})

	device, err := nodeB.store.GetDevice("device-a")
	if err != nil {
		t.Fatalf("trust row lost after protocol failure: %v", err)
	}
	if device.Status != storage.DeviceStatusAccepted {
		t.Fatalf("trust status changed to %q", device.Status)
	}

	// Reconnecting with the existing trust recovers the relay path.
	waitFor(t, 2*time.Second, "A did not notice the teardown", func() bool {
		return len(nodeA.manager.ActiveSessions()) == 0
	})
	if err := nodeA.manager.ConnectToDevice(nodeB.candidate()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	waitFor(t, 2*time.Second, "session did not recover", func() bool {
		return len(nodeB.manager.ActiveSessions()) == 1
	})

	if err := nodeA.manager.SendNotification(testRecord("after-recovery", "", 2000)); err != nil {
		t.Fatalf("SendNotification after recovery failed: %v", err)
	}
	waitFor(t, 2*time.Second, "notification not relayed after recovery", func() bool {
		return nodeB.receivedCount() == 1
	})
}

func TestRestartPersistsNotifications(t *testing.T) {
	node := newTestNode(t, "device-a", "Phone A")

	node.manager.Stop()
	if err := node.manager.Start(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}

	// The flusher survives the stop/start cycle; records merged after a
	// restart must still reach storage.
	if err := node.manager.SendNotification(testRecord("after-restart", "", 300)); err != nil {
		t.Fatalf("SendNotification after restart failed: %v", err)
	}
	node.manager.Stop()

	records, err := node.store.ListNotifications(0)
	if err != nil {
		t.Fatalf("ListNotifications failed: %v", err)
	}
	if len(records) != 1 || records[0].Key != "after-restart" {
		t.Fatalf("persisted records = %+v, want the post-restart record", records)
	}
}

func TestResightReconnectsDroppedSession(t *testing.T) {
	nodeA := newTestNode(t, "device-a", "Phone A")
	nodeB := newTestNode(t, "device-b", "Laptop B")
	acceptAll(nodeB)

	if err := nodeA.manager.ConnectToDevice(nodeB.candidate()); err != nil {
		t.Fatalf("initial connect failed: %v", err)
	}
	waitFor(t, 2*time.Second, "session never established", func() bool {
		return len(nodeA.manager.ActiveSessions()) == 1 && len(nodeB.manager.ActiveSessions()) == 1
	})

	// Kill the transport out from under both sides; the peer stays visible
	// on the network the whole time.
	nodeA.manager.sessMu.Lock()
	conn := nodeA.manager.sessions["device-b"]
	nodeA.manager.sessMu.Unlock()
	if conn == nil {
		t.Fatal("A has no session for B")
	}
	_ = conn.Close()

	waitFor(t, 2*time.Second, "session teardown not observed", func() bool {
		return len(nodeA.manager.ActiveSessions()) == 0 && len(nodeB.manager.ActiveSessions()) == 0
	})

	// A discovery sighting of the still-visible candidate is the recovery
	// trigger: the lower uuid redials and trust is honored without a prompt.
	nodeA.manager.onCandidateSeen(nodeB.candidate())

	waitFor(t, 2*time.Second, "session did not recover after resight", func() bool {
		return len(nodeA.manager.ActiveSessions()) == 1 && len(nodeB.manager.ActiveSessions()) == 1
	})
	if nodeB.promptCount() != 1 {
		t.Fatalf("reconnect re-prompted: %d prompts", nodeB.promptCount())
	}
}

func TestAttachDiscoveryStartsOneLoop(t *testing.T) {
	node := newTestNode(t, "device-a", "Phone A")

	tracker, err := discovery.NewTracker(discovery.Config{SelfDeviceID: "device-a"})
	if err != nil {
		t.Fatalf("NewTracker failed: %v", err)
	}
	service := &discovery.Service{Tracker: tracker}

	node.manager.AttachDiscovery(service)
	node.manager.AttachDiscovery(service)

	node.manager.lifecycleMu.Lock()
	running := node.manager.discoveryRunning
	node.manager.lifecycleMu.Unlock()
	if !running {
		t.Fatal("expected discovery loop to be running after attach")
	}

	// Stop must join the single loop and clear the flag; a leaked second
	// loop would leave the waitgroup unbalanced.
	node.manager.Stop()

	node.manager.lifecycleMu.Lock()
	running = node.manager.discoveryRunning
	node.manager.lifecycleMu.Unlock()
	if running {
		t.Fatal("discovery loop flag not cleared by stop")
	}
}

func TestStopIsIdempotentAndSafe(t *testing.T) {
	nodeA := newTestNode(t, "device-a", "Phone A")

	nodeA.manager.Stop()
	nodeA.manager.Stop()

	if err := nodeA.manager.ConnectToDevice(discovery.Candidate{
		UUID: "device-b", IP: "127.0.0.1", Port: 1,
	}); !errors.Is(err, ErrConnectFailure) {
		t.Fatalf("expected ErrConnectFailure after stop, got %v", err)
	}
}

func TestHistoryIsPersistedAndPreloaded(t *testing.T) {
	dataDir := t.TempDir()
	store, _, err := storage.Open(dataDir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate identity key: %v", err)
	}
	agreementKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate agreement key: %v", err)
	}
	cfg := &config.DeviceConfig{
		DeviceID:                  "device-a",
		DeviceName:                "Phone A",
		MaxNotificationsPerDevice: 100,
		FlushDebounceMillis:       10,
	}
	identity := network.LocalIdentity{
		UUID:        "device-a",
		DisplayName: "Phone A",
		IdentityKeys: crypto.IdentityKeys{
			PrivateKey: privateKey,
			PublicKey:  publicKey,
		},
		AgreementKey: agreementKey,
	}

	manager, err := NewManager(Options{
		Store: store, Config: cfg, Identity: identity,
		ListenAddress: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := manager.SendNotification(testRecord("persisted", "", 100)); err != nil {
		t.Fatalf("SendNotification failed: %v", err)
	}
	manager.Stop()

	// A fresh manager over the same store sees the flushed record.
	restarted, err := NewManager(Options{
		Store: store, Config: cfg, Identity: identity,
		ListenAddress: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("NewManager (restart) failed: %v", err)
	}
	if err := restarted.Start(); err != nil {
		t.Fatalf("Start (restart) failed: %v", err)
	}
	defer restarted.Stop()

	history := restarted.Notifications(0)
	if len(history) != 1 || history[0].Key != "persisted" {
		t.Fatalf("restarted history = %+v, want the persisted record", history)
	}

	_ = store.Close()
}
