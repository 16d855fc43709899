package discovery

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventCandidateUpserted is emitted on every sighting, including
	// re-sightings with unchanged metadata. Consumers drive reconnect
	// decisions off sightings, so suppressing repeats would hide the only
	// recovery signal for a dropped session.
	EventCandidateUpserted EventType = "candidate_upserted"
	// EventCandidateEvicted is emitted when a candidate falls out of the
	// liveness window.
	EventCandidateEvicted EventType = "candidate_evicted"
)

// EventType identifies candidate set updates.
type EventType string

// Event carries candidate updates for manager/UI consumers.
type Event struct {
	Type      EventType
	Candidate Candidate
}

// Candidate is a device seen on the LAN but not necessarily trusted.
// Candidates are ephemeral; they are never persisted.
type Candidate struct {
	UUID        string
	DisplayName string
	IP          string
	Port        int
	Fingerprint string
	LastSeenAt  time.Time
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Tracker maintains the live candidate set: each mDNS sighting upserts a
// candidate keyed by uuid, and a periodic sweep evicts candidates not seen
// within the liveness window.
type Tracker struct {
	cfg Config

	browse browseFunc
	now    func() time.Time

	mu         sync.RWMutex
	candidates map[string]Candidate

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewTracker creates a tracker with config defaults applied.
func NewTracker(config Config) (*Tracker, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForTracking(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Tracker{
		cfg:             cfg,
		browse:          browse,
		now:             cfg.now,
		candidates:      make(map[string]Candidate),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning and liveness sweeping.
func (t *Tracker) Start() error {
	t.startOnce.Do(func() {
		t.ctx, t.cancel = context.WithCancel(context.Background())
		t.wg.Add(1)
		go t.loop()
	})
	return nil
}

// Stop stops background scanning.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.wg.Wait()
		close(t.events)
	})
}

// Events provides asynchronous candidate updates.
func (t *Tracker) Events() <-chan Event {
	return t.events
}

// Refresh triggers an immediate scan.
func (t *Tracker) Refresh(ctx context.Context) error {
	if t.ctx == nil {
		return errors.New("tracker is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case t.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return errors.New("tracker is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return errors.New("tracker is stopped")
	}
}

// Candidates returns a snapshot of the current candidate set.
func (t *Tracker) Candidates() []Candidate {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Candidate, 0, len(t.candidates))
	for _, candidate := range t.candidates {
		out = append(out, candidate)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].UUID < out[j].UUID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// Get returns one candidate by uuid.
func (t *Tracker) Get(uuid string) (Candidate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	candidate, ok := t.candidates[uuid]
	return candidate, ok
}

func (t *Tracker) loop() {
	defer t.wg.Done()

	// Prime the candidate set immediately.
	t.runScan(context.Background())

	ticker := time.NewTicker(t.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.runScan(context.Background())
			t.sweep()
		case req := <-t.refreshRequests:
			req.done <- t.runScan(req.ctx)
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Tracker) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(t.ctx, t.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				candidate, ok := parseEntry(entry, t.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				candidate.LastSeenAt = t.now()
				t.upsert(candidate)
			}
		}
	}()

	browseErr := t.browse(scanCtx, t.cfg.Service, t.cfg.Domain, entries)
	if browseErr != nil {
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (t *Tracker) upsert(candidate Candidate) {
	t.mu.Lock()
	t.candidates[candidate.UUID] = candidate
	t.mu.Unlock()

	t.emitEvent(Event{Type: EventCandidateUpserted, Candidate: candidate})
}

func (t *Tracker) sweep() {
	cutoff := t.now().Add(-t.cfg.LivenessWindow)

	var evicted []Candidate
	t.mu.Lock()
	for uuid, candidate := range t.candidates {
		if candidate.LastSeenAt.Before(cutoff) {
			delete(t.candidates, uuid)
			evicted = append(evicted, candidate)
		}
	}
	t.mu.Unlock()

	for _, candidate := range evicted {
		t.emitEvent(Event{Type: EventCandidateEvicted, Candidate: candidate})
	}
}

func (t *Tracker) emitEvent(event Event) {
	select {
	case t.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (Candidate, bool) {
	txt := txtToMap(entry.Text)

	uuid := strings.TrimSpace(txt["uuid"])
	if uuid == "" || uuid == selfDeviceID {
		return Candidate{}, false
	}

	ip := ""
	for _, addr := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if addr == nil {
			continue
		}
		ip = addr.String()
		if addr.To4() != nil {
			break
		}
	}
	if ip == "" {
		return Candidate{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = uuid
	}

	return Candidate{
		UUID:        uuid,
		DisplayName: name,
		IP:          ip,
		Port:        entry.Port,
		Fingerprint: strings.TrimSpace(txt["fingerprint"]),
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
