package relay

import (
	"sync"
	"testing"
	"time"

	"notirelay/storage"
)

func TestWriteBehindCoalescesBurst(t *testing.T) {
	var mu sync.Mutex
	var flushes int
	var total int

	w := newWriteBehind(80*time.Millisecond, func(batch []storage.Notification) error {
		mu.Lock()
		defer mu.Unlock()
		flushes++
		total += len(batch)
		return nil
	}, nil)

	for i := 0; i < 5; i++ {
		w.enqueue(testRecord(string(rune('a'+i)), "Phone", int64(i)))
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if flushes != 1 {
		t.Fatalf("got %d flushes, want 1 coalesced flush", flushes)
	}
	if total != 5 {
		t.Fatalf("flushed %d records, want 5", total)
	}
}

func TestWriteBehindCloseForcesFinalFlush(t *testing.T) {
	var mu sync.Mutex
	var total int

	w := newWriteBehind(time.Hour, func(batch []storage.Notification) error {
		mu.Lock()
		defer mu.Unlock()
		total += len(batch)
		return nil
	}, nil)

	w.enqueue(testRecord("k1", "Phone", 1))
	w.enqueue(testRecord("k2", "Phone", 2))
	w.close()

	mu.Lock()
	defer mu.Unlock()
	if total != 2 {
		t.Fatalf("flushed %d records on close, want 2", total)
	}
}

func TestWriteBehindDropsAfterClose(t *testing.T) {
	var mu sync.Mutex
	var total int

	w := newWriteBehind(10*time.Millisecond, func(batch []storage.Notification) error {
		mu.Lock()
		defer mu.Unlock()
		total += len(batch)
		return nil
	}, nil)

	w.close()
	w.enqueue(testRecord("late", "Phone", 1))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if total != 0 {
		t.Fatalf("flushed %d records after close, want 0", total)
	}
}
