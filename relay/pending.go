package relay

import (
	"sync"
	"time"

	"notirelay/network"
)

// HandshakeRequest is a pairing request awaiting the local user's decision.
// It is consumed exactly once: the first Accept/Reject call resolves it and
// removes it from the pending table. Never persisted.
type HandshakeRequest struct {
	ID          string
	DeviceUUID  string
	DisplayName string
	PublicKey   string
	RemoteIP    string
	RemotePort  int
	ReceivedAt  time.Time

	decision chan bool
}

// requestTable holds pairing requests awaiting approval, keyed by request ID.
// Entries past maxAge resolve as unapproved without persisting anything; a
// maxAge of zero disables expiry.
type requestTable struct {
	mu      sync.Mutex
	items   map[string]*HandshakeRequest
	maxAge  time.Duration
	maxSize int
}

func newRequestTable(maxAge time.Duration, maxSize int) *requestTable {
	if maxSize <= 0 {
		maxSize = 64
	}
	return &requestTable{
		items:   make(map[string]*HandshakeRequest),
		maxAge:  maxAge,
		maxSize: maxSize,
	}
}

func (q *requestTable) add(id string, peer network.PeerInfo) *HandshakeRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneExpiredLocked()

	if len(q.items) >= q.maxSize {
		var oldest string
		var oldestTime time.Time
		for key, item := range q.items {
			if oldest == "" || item.ReceivedAt.Before(oldestTime) {
				oldest = key
				oldestTime = item.ReceivedAt
			}
		}
		if oldest != "" {
			q.resolveLocked(oldest, false)
		}
	}

	request := &HandshakeRequest{
		ID:          id,
		DeviceUUID:  peer.UUID,
		DisplayName: peer.DisplayName,
		PublicKey:   peer.IdentityPublicKey,
		RemoteIP:    peer.RemoteIP,
		RemotePort:  peer.RemotePort,
		ReceivedAt:  time.Now(),
		decision:    make(chan bool, 1),
	}
	q.items[id] = request
	return request
}

// resolve answers a pending request. Returns false when the ID is unknown,
// already resolved, or expired.
func (q *requestTable) resolve(id string, accepted bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneExpiredLocked()
	return q.resolveLocked(id, accepted)
}

func (q *requestTable) resolveLocked(id string, accepted bool) bool {
	request, ok := q.items[id]
	if !ok {
		return false
	}
	delete(q.items, id)

	select {
	case request.decision <- accepted:
	default:
	}
	return true
}

// remove drops a request without answering it (connection went away).
func (q *requestTable) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, id)
}

func (q *requestTable) list() []*HandshakeRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneExpiredLocked()

	out := make([]*HandshakeRequest, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, item)
	}
	return out
}

func (q *requestTable) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneExpiredLocked()
	return len(q.items)
}

func (q *requestTable) pruneExpiredLocked() {
	if q.maxAge <= 0 {
		return
	}

	now := time.Now()
	for id, item := range q.items {
		if now.Sub(item.ReceivedAt) > q.maxAge {
			delete(q.items, id)
		}
	}
}
