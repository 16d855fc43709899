package relay

import (
	"sync"
	"time"

	"notirelay/storage"
)

// writeBehind coalesces history mutations into debounced storage flushes.
// Every enqueue cancels and reschedules the pending flush timer, so bursty
// notification traffic produces one batched write per quiet window.
type writeBehind struct {
	mu       sync.Mutex
	pending  map[string]storage.Notification
	timer    *time.Timer
	debounce time.Duration
	flushFn  func([]storage.Notification) error
	onError  func(error)
	closed   bool

	flushWG sync.WaitGroup
}

func newWriteBehind(debounce time.Duration, flushFn func([]storage.Notification) error, onError func(error)) *writeBehind {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &writeBehind{
		pending:  make(map[string]storage.Notification),
		debounce: debounce,
		flushFn:  flushFn,
		onError:  onError,
	}
}

// enqueue schedules a record for the next flush.
func (w *writeBehind) enqueue(record storage.Notification) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	w.pending[record.Key] = record

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flushNow)
}

// flushNow writes all pending records immediately.
func (w *writeBehind) flushNow() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := make([]storage.Notification, 0, len(w.pending))
	for _, record := range w.pending {
		batch = append(batch, record)
	}
	w.pending = make(map[string]storage.Notification)
	w.flushWG.Add(1)
	w.mu.Unlock()

	defer w.flushWG.Done()
	if err := w.flushFn(batch); err != nil && w.onError != nil {
		w.onError(err)
	}
}

// reopen re-arms a closed flusher so enqueue accepts records again.
func (w *writeBehind) reopen() {
	w.mu.Lock()
	w.closed = false
	w.mu.Unlock()
}

// close stops the timer, forces a final flush, and waits for it.
func (w *writeBehind) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	w.flushNow()
	w.flushWG.Wait()
}
