package enrichment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"cap2cal/internal/event"
	"cap2cal/internal/logging"
	"cap2cal/internal/services"
)

const (
	defaultMaxAttempts = 3
	defaultBaseBackoff = time.Second
)

// ErrNoPatch is recorded when an attempt produced nothing usable.
var ErrNoPatch = errors.New("enrichment attempt returned no patch")

// Enricher is the single-attempt enrich stage.
type Enricher interface {
	Enrich(ctx context.Context, sk event.Skeleton, locale string) *event.Patch
}

// attempter is implemented by enrichers that can also explain a failure.
type attempter interface {
	Attempt(ctx context.Context, sk event.Skeleton, locale string) (*event.Patch, error)
}

// Store is the persisted read model the orchestrator merges into.
type Store interface {
	Get(ctx context.Context, id string) (*event.CaptureEvent, error)
	ApplyPatch(ctx context.Context, id string, patch event.Patch, attempts int) (*event.CaptureEvent, error)
	MarkEnrichment(ctx context.Context, id string, state event.EnrichmentState, attempts int, lastErr string) error
}

// Cache memoizes patches across captures of the same event.
type Cache interface {
	CachedPatch(ctx context.Context, key string) (*event.Patch, error)
	CachePatch(ctx context.Context, key string, patch event.Patch, ttl time.Duration) error
}

// Observer receives one call per finished job.
type Observer interface {
	ObserveEnrichment(result JobResult)
}

// Sleeper waits for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// JobState is the per-event retry state.
type JobState string

const (
	JobPending    JobState = "pending"
	JobAttempting JobState = "attempting"
	JobDone       JobState = "done"
	JobExhausted  JobState = "exhausted"
)

// JobResult is the terminal record of one event's enrichment.
type JobResult struct {
	EventID   string
	State     JobState
	Attempts  int
	Delays    []time.Duration
	LastErr   string
	FromCache bool
	Patch     *event.Patch
}

// Waited is the total backoff the job slept.
func (r JobResult) Waited() time.Duration {
	var total time.Duration
	for _, d := range r.Delays {
		total += d
	}
	return total
}

// BatchResult holds every job in input order.
type BatchResult struct {
	Jobs     []JobResult
	Duration time.Duration
}

// Done counts jobs that merged a patch.
func (b BatchResult) Done() int {
	n := 0
	for _, job := range b.Jobs {
		if job.State == JobDone {
			n++
		}
	}
	return n
}

// Waited is the longest backoff any single job slept. Jobs run side by side,
// so this bounds the batch's backoff cost.
func (b BatchResult) Waited() time.Duration {
	var longest time.Duration
	for _, job := range b.Jobs {
		if w := job.Waited(); w > longest {
			longest = w
		}
	}
	return longest
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithMaxAttempts bounds attempts per event.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithBaseBackoff sets the first retry delay; later delays double it.
func WithBaseBackoff(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.baseBackoff = d
		}
	}
}

// WithSleeper replaces the timer used after each failed attempt.
func WithSleeper(sleep Sleeper) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// WithCache enables patch memoization for ttl.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.cache = cache
		o.cacheTTL = ttl
	}
}

// WithConcurrency caps simultaneous jobs. Zero means one goroutine per event.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) { o.concurrency = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithObserver attaches telemetry.
func WithObserver(observer Observer) Option {
	return func(o *Orchestrator) { o.observer = observer }
}

// Orchestrator enriches a batch of persisted skeletons concurrently, retrying
// each independently with exponential backoff.
type Orchestrator struct {
	enricher    Enricher
	store       Store
	cache       Cache
	cacheTTL    time.Duration
	maxAttempts int
	baseBackoff time.Duration
	concurrency int
	sleep       Sleeper
	observer    Observer
	logger      *slog.Logger
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(enricher Enricher, store Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		enricher:    enricher,
		store:       store,
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.NewComponentLogger(o.logger, "enrichment")
	return o
}

// Backoff returns the delay after the given failed attempt: base, 2*base,
// 4*base, and so on.
func (o *Orchestrator) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return o.baseBackoff << (attempt - 1)
}

// Run enriches every skeleton and returns once each job is done or exhausted.
// Skeletons must already be persisted. A failing job never affects its
// siblings, and nothing is returned as an error.
func (o *Orchestrator) Run(ctx context.Context, locale string, skeletons []event.Skeleton) BatchResult {
	started := time.Now()
	results := make([]JobResult, len(skeletons))
	var g errgroup.Group
	if o.concurrency > 0 {
		g.SetLimit(o.concurrency)
	}
	for i, sk := range skeletons {
		g.Go(func() error {
			results[i] = o.runJob(ctx, locale, sk)
			return nil
		})
	}
	_ = g.Wait()

	batch := BatchResult{Jobs: results, Duration: time.Since(started)}
	o.logger.Info("enrichment batch finished",
		logging.Int("events", len(skeletons)),
		logging.Int("enriched", batch.Done()),
		logging.Int("exhausted", len(skeletons)-batch.Done()),
		logging.Duration("duration", batch.Duration),
	)
	return batch
}

func (o *Orchestrator) runJob(ctx context.Context, locale string, sk event.Skeleton) (result JobResult) {
	ctx = services.WithEventID(ctx, sk.ID)
	logger := logging.WithContext(ctx, o.logger)
	// Terminal writes must land even when the caller has gone away.
	persistCtx := context.WithoutCancel(ctx)
	result = JobResult{EventID: sk.ID, State: JobPending}

	defer func() {
		if recovered := recover(); recovered != nil {
			result.State = JobExhausted
			result.LastErr = fmt.Sprintf("enrichment panicked: %v", recovered)
			logging.ErrorWithContext(logger, "enrichment job panicked", "enrichment_panic",
				logging.Any("panic", recovered),
				logging.String(logging.FieldErrorHint, "inspect enricher for the event payload"),
			)
			o.markExhausted(persistCtx, logger, &result)
		}
		if o.observer != nil {
			o.observer.ObserveEnrichment(result)
		}
	}()

	current, err := o.store.Get(ctx, sk.ID)
	if err != nil || current == nil {
		if err == nil {
			err = services.Wrap(services.ErrNotFound, "enrich", "load event", "skeleton not persisted", nil)
		}
		result.State = JobExhausted
		result.LastErr = err.Error()
		logging.WarnWithContext(logger, "enrichment skipped", "enrichment_skipped",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "persist skeletons before starting enrichment"),
		)
		return result
	}

	key := CacheKey(sk, locale)
	if patch := o.cached(ctx, logger, key); patch != nil {
		result.FromCache = true
		if o.merge(persistCtx, logger, &result, *patch) {
			return result
		}
	}

	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		result.State = JobAttempting
		result.Attempts = attempt
		patch, attemptErr := o.attempt(ctx, sk, locale)
		if patch != nil {
			if o.merge(persistCtx, logger, &result, *patch) {
				o.remember(persistCtx, logger, key, *patch)
				return result
			}
		} else {
			result.LastErr = attemptErr.Error()
		}

		delay := o.Backoff(attempt)
		logger.Info("enrichment attempt failed",
			logging.Int("attempt", attempt),
			logging.Int("max_attempts", o.maxAttempts),
			logging.Duration("backoff", delay),
			logging.String("reason", result.LastErr),
		)
		result.Delays = append(result.Delays, delay)
		if err := o.sleep(ctx, delay); err != nil {
			result.LastErr = fmt.Sprintf("%s; stopped: %v", result.LastErr, err)
			break
		}
	}

	o.markExhausted(persistCtx, logger, &result)
	return result
}

func (o *Orchestrator) attempt(ctx context.Context, sk event.Skeleton, locale string) (*event.Patch, error) {
	if a, ok := o.enricher.(attempter); ok {
		patch, err := a.Attempt(ctx, sk, locale)
		if patch == nil && err == nil {
			err = ErrNoPatch
		}
		return patch, err
	}
	if patch := o.enricher.Enrich(ctx, sk, locale); patch != nil {
		return patch, nil
	}
	return nil, ErrNoPatch
}

// merge applies patch and reports whether the job is done.
func (o *Orchestrator) merge(ctx context.Context, logger *slog.Logger, result *JobResult, patch event.Patch) bool {
	if _, err := o.store.ApplyPatch(ctx, result.EventID, patch, result.Attempts); err != nil {
		result.LastErr = err.Error()
		logging.WarnWithContext(logger, "enrichment merge failed", "enrichment_merge_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the event store"),
		)
		return false
	}
	result.State = JobDone
	result.LastErr = ""
	result.Patch = &patch
	logger.Info("event enriched",
		logging.Int("attempts", result.Attempts),
		logging.Bool("from_cache", result.FromCache),
		logging.Duration("backoff_total", result.Waited()),
	)
	return true
}

func (o *Orchestrator) markExhausted(ctx context.Context, logger *slog.Logger, result *JobResult) {
	result.State = JobExhausted
	if err := o.store.MarkEnrichment(ctx, result.EventID, event.StateExhausted, result.Attempts, result.LastErr); err != nil {
		logging.WarnWithContext(logger, "failed to record exhausted enrichment", "enrichment_mark_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the event store"),
		)
	}
	logger.Info("enrichment exhausted; event keeps skeleton data",
		logging.Int("attempts", result.Attempts),
		logging.String("last_error", result.LastErr),
	)
}

func (o *Orchestrator) cached(ctx context.Context, logger *slog.Logger, key string) *event.Patch {
	if o.cache == nil {
		return nil
	}
	patch, err := o.cache.CachedPatch(ctx, key)
	if err != nil {
		logger.Debug("enrichment cache read failed", logging.Error(err))
		return nil
	}
	return patch
}

func (o *Orchestrator) remember(ctx context.Context, logger *slog.Logger, key string, patch event.Patch) {
	if o.cache == nil {
		return
	}
	if err := o.cache.CachePatch(ctx, key, patch, o.cacheTTL); err != nil {
		logger.Debug("enrichment cache write failed", logging.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
