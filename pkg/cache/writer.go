package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultFlushInterval is how often pending entries are written out.
const DefaultFlushInterval = 2 * time.Second

// Writer batches and debounces cache upserts. Enqueue never blocks the
// refresh path; a background goroutine coalesces pending entries (last
// write per id wins) and flushes them on an interval and on Close.
type Writer struct {
	store    Store
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[int]Entry

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWriter creates a writer and starts its flush loop.
func NewWriter(store Store, interval time.Duration, logger zerolog.Logger) *Writer {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	w := &Writer{
		store:    store,
		interval: interval,
		logger:   logger.With().Str("component", "cache-writer").Logger(),
		pending:  make(map[int]Entry),
		done:     make(chan struct{}),
	}

	w.wg.Add(1)
	go w.loop()

	return w
}

// Enqueue schedules an entry for the next flush. Repeated enqueues for the
// same id within one interval coalesce to the newest entry.
func (w *Writer) Enqueue(entry Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[entry.Record.ID] = entry
}

// Pending returns the number of entries waiting for the next flush.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Flush writes all pending entries immediately.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := make([]Entry, 0, len(w.pending))
	for _, entry := range w.pending {
		batch = append(batch, entry)
	}
	w.pending = make(map[int]Entry)
	w.mu.Unlock()

	if err := w.store.Upsert(ctx, batch); err != nil {
		cacheErrors.WithLabelValues("flush").Inc()
		w.logger.Warn().Err(err).Int("entries", len(batch)).Msg("Cache flush failed, retrying on next flush")
		w.requeue(batch)
		return err
	}

	cacheFlushes.Inc()
	w.logger.Debug().Int("entries", len(batch)).Msg("Cache flushed")
	return nil
}

// requeue puts a failed batch back into pending so a later flush retries
// it. Entries enqueued since the batch was drained are newer and win.
func (w *Writer) requeue(batch []Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, entry := range batch {
		if _, exists := w.pending[entry.Record.ID]; !exists {
			w.pending[entry.Record.ID] = entry
		}
	}
}

// Close stops the flush loop and writes out any remaining entries.
func (w *Writer) Close() error {
	close(w.done)
	w.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.Flush(ctx)
}

func (w *Writer) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.interval)
			_ = w.Flush(ctx)
			cancel()
		}
	}
}
