// Package refresh drives batch refreshes of the watchlist: priority
// ordering, bounded-concurrency dispatch through the API client, progress
// streaming, pause-on-penalty and cooperative cancellation.
package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/tornwatch/tornwatch/pkg/cache"
	"github.com/tornwatch/tornwatch/pkg/ratelimit"
	"github.com/tornwatch/tornwatch/pkg/target"
)

// Prometheus metrics for refresh batches.
var (
	tornBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torn_refresh_batches_total",
		Help: "Total batch refreshes by outcome",
	}, []string{"outcome"}) // "completed", "cancelled", "rejected"

	tornBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "torn_refresh_batch_duration_seconds",
		Help:    "Batch refresh duration in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
	})

	tornTargetsRefreshed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torn_targets_refreshed_total",
		Help: "Total per-target refresh completions by result",
	}, []string{"result"}) // "ok", "error"

	tornRefreshPauses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "torn_refresh_pauses_total",
		Help: "Total dispatch pauses caused by rate limit penalties",
	})
)

// Concurrency bounds for in-flight fetches within one batch.
const (
	MinConcurrency     = 1
	MaxConcurrency     = 5
	DefaultConcurrency = 3
)

// ErrRefreshActive is returned when a batch refresh is already running.
var ErrRefreshActive = errors.New("refresh already in progress")

// ActiveError carries a snapshot of the running batch's progress alongside
// the single-flight rejection.
type ActiveError struct {
	Progress Progress
}

// Error implements the error interface.
func (e *ActiveError) Error() string {
	return fmt.Sprintf("refresh already in progress (%d/%d)", e.Progress.Current, e.Progress.Total)
}

// Unwrap lets callers match with errors.Is(err, ErrRefreshActive).
func (e *ActiveError) Unwrap() error {
	return ErrRefreshActive
}

// Progress is one event in a batch's progress stream. Events are emitted
// in completion order, not submission order.
type Progress struct {
	BatchID string  `json:"batch_id"`
	Current int     `json:"current"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`

	// Paused events announce a rate-limit pause instead of a completion.
	Paused        bool          `json:"paused,omitempty"`
	PauseReason   string        `json:"pause_reason,omitempty"`
	PauseDuration time.Duration `json:"pause_duration_ms,omitempty"`

	// Record is the merged record for completion events.
	Record target.Record `json:"record"`
}

// MarshalJSON emits PauseDuration in milliseconds; a raw time.Duration
// would serialize as nanoseconds.
func (p Progress) MarshalJSON() ([]byte, error) {
	type alias Progress
	return json.Marshal(struct {
		alias
		PauseDuration int64 `json:"pause_duration_ms,omitempty"`
	}{
		alias:         alias(p),
		PauseDuration: p.PauseDuration.Milliseconds(),
	})
}

// Fetcher is the single-target fetch dependency, satisfied by
// client.Client.
type Fetcher interface {
	FetchTarget(ctx context.Context, id int) target.FetchResult
}

// Config holds the orchestrator dependencies.
type Config struct {
	// Fetcher performs per-target fetches (required).
	Fetcher Fetcher

	// Limiter is the rate limiter shared with the fetcher (required);
	// the orchestrator reads it for pause-on-penalty pacing.
	Limiter *ratelimit.Limiter

	// Writer receives cacheable merged records; may be nil.
	Writer *cache.Writer

	// Concurrency is the default in-flight bound, clamped to 1-5.
	Concurrency int
}

// Options tunes one batch refresh.
type Options struct {
	// Concurrency overrides the orchestrator default when > 0.
	Concurrency int
}

// Orchestrator runs at most one batch refresh at a time over the tracked
// watchlist.
type Orchestrator struct {
	fetcher  Fetcher
	limiter  *ratelimit.Limiter
	registry *Registry
	writer   *cache.Writer
	logger   zerolog.Logger

	concurrency atomic.Int32

	mu          sync.Mutex
	active      bool
	cancelBatch context.CancelFunc
	progress    Progress
	lastResults []target.Record

	cachedMu sync.RWMutex
	cached   map[int]target.Record
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}

	o := &Orchestrator{
		fetcher:  cfg.Fetcher,
		limiter:  cfg.Limiter,
		registry: NewRegistry(),
		writer:   cfg.Writer,
		logger:   log.With().Str("component", "refresh").Logger(),
		cached:   make(map[int]target.Record),
	}
	o.concurrency.Store(int32(clampConcurrency(cfg.Concurrency)))

	return o, nil
}

// Registry returns the in-memory watchlist.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Prime loads the durable side-cache so tracked targets pre-populate from
// the last known-good records instead of blank placeholders.
func (o *Orchestrator) Prime(ctx context.Context, store cache.Store) error {
	entries, err := store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("prime from cache: %w", err)
	}

	o.cachedMu.Lock()
	for id, entry := range entries {
		rec := entry.Record.Clone()
		rec.Err = nil // stale error tags are not useful across restarts
		o.cached[id] = rec
	}
	o.cachedMu.Unlock()

	o.logger.Info().Int("entries", len(entries)).Msg("Cache primed")
	return nil
}

// CachedIDs returns the ids present in the primed cache, for restoring the
// watchlist after a restart.
func (o *Orchestrator) CachedIDs() []int {
	o.cachedMu.RLock()
	defer o.cachedMu.RUnlock()

	ids := make([]int, 0, len(o.cached))
	for id := range o.cached {
		ids = append(ids, id)
	}
	return ids
}

// Track adds an id to the watchlist, seeding from the cache when possible.
func (o *Orchestrator) Track(id int) target.Record {
	return o.registry.Add(id, o.cachedRecord(id))
}

// Untrack removes an id from the watchlist. The cache entry survives.
func (o *Orchestrator) Untrack(id int) {
	o.registry.Remove(id)
}

// RefreshOne fetches and merges a single target outside the batch
// single-flight gate. It shares the limiter with batch refreshes.
func (o *Orchestrator) RefreshOne(ctx context.Context, id int) (target.Record, error) {
	if err := ctx.Err(); err != nil {
		return target.Record{}, err
	}

	result := o.fetcher.FetchTarget(ctx, id)
	if ctx.Err() != nil {
		return target.Record{}, ctx.Err()
	}

	return o.apply(result), nil
}

// RefreshBatch starts a batch refresh over the given ids and returns its
// progress stream. The channel is closed when the batch drains or is
// cancelled. Per-target errors never abort the batch; they arrive as
// error-tagged records in progress events.
//
// At most one batch runs at a time: a second call fails with an
// *ActiveError carrying the running batch's progress.
func (o *Orchestrator) RefreshBatch(ctx context.Context, ids []int, opts Options) (<-chan Progress, error) {
	concurrency := clampConcurrency(opts.Concurrency)
	if opts.Concurrency <= 0 {
		concurrency = int(o.concurrency.Load())
	}

	o.mu.Lock()
	if o.active {
		snapshot := o.progress
		o.mu.Unlock()
		tornBatchesTotal.WithLabelValues("rejected").Inc()
		return nil, &ActiveError{Progress: snapshot}
	}

	batchCtx, cancel := context.WithCancel(ctx)
	batchID := uuid.NewString()
	o.active = true
	o.cancelBatch = cancel
	o.progress = Progress{BatchID: batchID, Total: len(ids)}
	o.mu.Unlock()

	ordered := prioritize(ids, o.registry.Get)

	// Sized so completion and pause events can never block the batch even
	// if the caller stops reading: one completion plus at most one pause
	// per id.
	ch := make(chan Progress, 2*len(ids)+1)

	o.logger.Info().
		Str("batch_id", batchID).
		Int("targets", len(ids)).
		Int("concurrency", concurrency).
		Msg("Batch refresh started")

	go o.run(batchCtx, cancel, batchID, ordered, concurrency, ch)

	return ch, nil
}

// Cancel aborts the running batch, if any. Completed merges are kept.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cancel := o.cancelBatch
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Active reports whether a batch refresh is currently running.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Progress returns the most recent progress snapshot.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// LastResults returns the records completed by the most recently finished
// batch, in completion order.
func (o *Orchestrator) LastResults() []target.Record {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]target.Record, len(o.lastResults))
	for i, rec := range o.lastResults {
		out[i] = rec.Clone()
	}
	return out
}

// Status returns the rate limiter snapshot.
func (o *Orchestrator) Status() ratelimit.Status {
	return o.limiter.Status()
}

// SetRateLimit reconfigures the limiter ceiling.
func (o *Orchestrator) SetRateLimit(n int) {
	o.limiter.SetLimit(n)
}

// SetConcurrency reconfigures the default in-flight bound for future
// batches; the running batch is unaffected.
func (o *Orchestrator) SetConcurrency(n int) {
	o.concurrency.Store(int32(clampConcurrency(n)))
}

func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, batchID string, ids []int, concurrency int, ch chan<- Progress) {
	start := time.Now()
	sem := semaphore.NewWeighted(int64(concurrency))

	var wg sync.WaitGroup
	var resultsMu sync.Mutex
	completed := 0
	total := len(ids)
	results := make([]target.Record, 0, total)

dispatch:
	for _, id := range ids {
		// Pause dispatch while the limiter is penalized; admission would
		// only spin otherwise. The stream announces the pause so callers
		// can render a countdown, then dispatch resumes on its own.
		if wait := o.limiter.PenaltyRemaining(); wait > 0 {
			resultsMu.Lock()
			pause := Progress{
				BatchID:       batchID,
				Current:       completed,
				Total:         total,
				Percent:       percent(completed, total),
				Paused:        true,
				PauseReason:   "rate limited",
				PauseDuration: wait,
			}
			resultsMu.Unlock()

			o.setProgress(pause)
			ch <- pause
			tornRefreshPauses.Inc()

			o.logger.Warn().
				Str("batch_id", batchID).
				Dur("pause", wait).
				Msg("Batch paused by rate limit penalty")

			select {
			case <-ctx.Done():
				break dispatch
			case <-time.After(wait):
			}
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break dispatch
		}

		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			defer sem.Release(1)

			result := o.fetcher.FetchTarget(ctx, id)

			// A cancelled batch keeps already-applied merges but reports
			// nothing new.
			if ctx.Err() != nil {
				return
			}

			merged := o.apply(result)

			// The send stays under the lock so stream order matches the
			// Current counter; the channel is sized to never block.
			resultsMu.Lock()
			completed++
			results = append(results, merged)
			event := Progress{
				BatchID: batchID,
				Current: completed,
				Total:   total,
				Percent: percent(completed, total),
				Record:  merged,
			}
			o.setProgress(event)
			ch <- event
			resultsMu.Unlock()
		}(id)
	}

	wg.Wait()
	cancel()

	resultsMu.Lock()
	finalResults := results
	finalCompleted := completed
	resultsMu.Unlock()

	outcome := "completed"
	if ctx.Err() != nil && finalCompleted < total {
		outcome = "cancelled"
	}
	tornBatchesTotal.WithLabelValues(outcome).Inc()
	tornBatchDuration.Observe(time.Since(start).Seconds())

	o.mu.Lock()
	o.lastResults = finalResults
	o.active = false
	o.cancelBatch = nil
	o.mu.Unlock()

	close(ch)

	o.logger.Info().
		Str("batch_id", batchID).
		Str("outcome", outcome).
		Int("completed", finalCompleted).
		Int("total", total).
		Dur("duration", time.Since(start)).
		Msg("Batch refresh finished")
}

// apply merges one fetch result against the in-memory record and the
// durable cache, stores it, and queues a cache write when trustworthy.
func (o *Orchestrator) apply(result target.FetchResult) target.Record {
	var existing *target.Record
	if rec, ok := o.registry.Get(result.ID); ok {
		existing = &rec
	}

	merged := target.Merge(result, existing, o.cachedRecord(result.ID))
	o.registry.Put(merged)

	if merged.Err != nil {
		tornTargetsRefreshed.WithLabelValues("error").Inc()
	} else {
		tornTargetsRefreshed.WithLabelValues("ok").Inc()
	}

	if merged.Cacheable() && o.writer != nil {
		o.writer.Enqueue(cache.Entry{Record: merged.Clone(), CachedAt: time.Now()})
	}

	return merged
}

func (o *Orchestrator) cachedRecord(id int) *target.Record {
	o.cachedMu.RLock()
	defer o.cachedMu.RUnlock()

	rec, ok := o.cached[id]
	if !ok {
		return nil
	}
	rec = rec.Clone()
	return &rec
}

func (o *Orchestrator) setProgress(p Progress) {
	o.mu.Lock()
	o.progress = p
	o.mu.Unlock()
}

func percent(completed, total int) float64 {
	if total <= 0 {
		return 100
	}
	p := float64(completed) / float64(total) * 100
	if p > 100 {
		return 100
	}
	return p
}

func clampConcurrency(n int) int {
	if n <= 0 {
		return DefaultConcurrency
	}
	if n < MinConcurrency {
		return MinConcurrency
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}
