package relay

import (
	"sort"
	"sync"

	"notirelay/storage"
)

// history is the in-memory merged notification view. Records are immutable
// once added: a duplicate key is dropped, never overwritten. Each device
// label keeps at most maxPerDevice records; the oldest by origin time is
// evicted first.
type history struct {
	mu           sync.Mutex
	byKey        map[string]struct{}
	byDevice     map[string][]storage.Notification
	maxPerDevice int
}

func newHistory(maxPerDevice int) *history {
	if maxPerDevice <= 0 {
		maxPerDevice = 100
	}
	return &history{
		byKey:        make(map[string]struct{}),
		byDevice:     make(map[string][]storage.Notification),
		maxPerDevice: maxPerDevice,
	}
}

// add merges one record. Returns true when the record was newly added and
// the keys of any records evicted to stay under the per-device bound.
func (h *history) add(record storage.Notification) (bool, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.byKey[record.Key]; exists {
		return false, nil
	}

	h.byKey[record.Key] = struct{}{}
	records := append(h.byDevice[record.Device], record)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Time < records[j].Time
	})

	var evicted []string
	for len(records) > h.maxPerDevice {
		oldest := records[0]
		records = records[1:]
		delete(h.byKey, oldest.Key)
		evicted = append(evicted, oldest.Key)
	}
	h.byDevice[record.Device] = records

	return true, evicted
}

// preload seeds the view from persisted records without eviction side
// effects beyond the configured bound.
func (h *history) preload(records []storage.Notification) {
	for _, record := range records {
		h.add(record)
	}
}

// snapshot returns the merged history newest-first. A limit of zero or less
// returns everything.
func (h *history) snapshot(limit int) []storage.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []storage.Notification
	for _, records := range h.byDevice {
		out = append(out, records...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Time != out[j].Time {
			return out[i].Time > out[j].Time
		}
		return out[i].Key > out[j].Key
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// countForDevice returns the number of records held for one device label.
func (h *history) countForDevice(device string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byDevice[device])
}

// has reports whether a record key is present.
func (h *history) has(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.byKey[key]
	return ok
}
