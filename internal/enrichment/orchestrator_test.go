package enrichment_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cap2cal/internal/enrichment"
	"cap2cal/internal/event"
	"cap2cal/internal/logging"
	"cap2cal/internal/services"
	"cap2cal/internal/store"
)

type enrichFunc func(ctx context.Context, sk event.Skeleton, attempt int) *event.Patch

type fakeEnricher struct {
	mu       sync.Mutex
	attempts map[string]int
	fn       enrichFunc
}

func newFakeEnricher(fn enrichFunc) *fakeEnricher {
	return &fakeEnricher{attempts: map[string]int{}, fn: fn}
}

func (f *fakeEnricher) Enrich(ctx context.Context, sk event.Skeleton, _ string) *event.Patch {
	f.mu.Lock()
	f.attempts[sk.ID]++
	attempt := f.attempts[sk.ID]
	f.mu.Unlock()
	return f.fn(ctx, sk, attempt)
}

func (f *fakeEnricher) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[id]
}

// fakeClock records requested sleeps instead of sleeping.
type fakeClock struct {
	mu    sync.Mutex
	slept map[string][]time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{slept: map[string][]time.Duration{}}
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	id, _ := services.EventIDFromContext(ctx)
	c.mu.Lock()
	c.slept[id] = append(c.slept[id], d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) sleeps(id string) []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept[id]...)
}

func samplePatch(short string) *event.Patch {
	return &event.Patch{
		Description:                event.Description{Short: short},
		Tags:                       []string{"music"},
		TicketAvailableProbability: 0.7,
	}
}

func skeleton(id, title string) event.Skeleton {
	return event.Skeleton{
		ID:          id,
		Title:       title,
		Start:       event.DateTime{Date: "2025-11-02", Time: "20:00:00"},
		LocationRaw: "Blue Note, Berlin",
	}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func persist(t *testing.T, s *store.Store, skeletons ...event.Skeleton) {
	t.Helper()
	_, err := s.PutSkeletons(context.Background(), skeletons)
	require.NoError(t, err)
}

func TestJazzNightEnrichmentKeepsSkeletonFields(t *testing.T) {
	s := openStore(t)
	sk := skeleton("evt-jazz", "Jazz Night")
	persist(t, s, sk)

	enricher := newFakeEnricher(func(ctx context.Context, got event.Skeleton, _ int) *event.Patch {
		// The skeleton must be readable before any enrich call is issued.
		ev, err := s.Get(ctx, got.ID)
		if err != nil || ev == nil {
			return nil
		}
		return &event.Patch{Description: event.Description{Short: "..."}, Tags: []string{"music"}, TicketAvailableProbability: 0.5}
	})
	clock := newFakeClock()
	o := enrichment.NewOrchestrator(enricher, s, enrichment.WithSleeper(clock.Sleep), enrichment.WithLogger(logging.NewNop()))

	batch := o.Run(context.Background(), "en", []event.Skeleton{sk})
	require.Len(t, batch.Jobs, 1)
	assert.Equal(t, enrichment.JobDone, batch.Jobs[0].State)
	assert.Equal(t, 1, batch.Jobs[0].Attempts)
	assert.Empty(t, clock.sleeps("evt-jazz"))

	ev, err := s.Get(context.Background(), "evt-jazz")
	require.NoError(t, err)
	assert.Equal(t, "Jazz Night", ev.Title)
	assert.Equal(t, "2025-11-02", ev.Start.Date)
	assert.Equal(t, "20:00:00", ev.Start.Time)
	assert.Equal(t, "...", ev.Description.Short)
	assert.Equal(t, []string{"music"}, ev.Tags)
	assert.Equal(t, event.StateEnriched, ev.State)
}

func TestPermanentFailureBacksOffThenExhausts(t *testing.T) {
	s := openStore(t)
	persist(t, s, skeleton("evt-1", "Broken"))
	enricher := newFakeEnricher(func(context.Context, event.Skeleton, int) *event.Patch { return nil })
	clock := newFakeClock()
	o := enrichment.NewOrchestrator(enricher, s, enrichment.WithSleeper(clock.Sleep))

	batch := o.Run(context.Background(), "en", []event.Skeleton{skeleton("evt-1", "Broken")})
	job := batch.Jobs[0]
	assert.Equal(t, enrichment.JobExhausted, job.State)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, 3, enricher.count("evt-1"))
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	assert.Equal(t, want, job.Delays)
	assert.Equal(t, want, clock.sleeps("evt-1"))
	assert.Equal(t, enrichment.ErrNoPatch.Error(), job.LastErr)

	ev, err := s.Get(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, event.StateExhausted, ev.State)
	assert.Equal(t, "Broken", ev.Title)
	assert.Equal(t, 3, ev.EnrichAttempts)
}

func TestBatchIsolationRunsJobsInParallel(t *testing.T) {
	s := openStore(t)
	ids := []string{"evt-1", "evt-2", "evt-3", "evt-4", "evt-5"}
	skeletons := make([]event.Skeleton, len(ids))
	for i, id := range ids {
		skeletons[i] = skeleton(id, "Event "+id)
	}
	persist(t, s, skeletons...)

	// Every first attempt waits until all five have started, which only
	// happens when jobs run side by side.
	var barrier sync.WaitGroup
	barrier.Add(len(ids))
	released := make(chan struct{})
	go func() {
		barrier.Wait()
		close(released)
	}()
	enricher := newFakeEnricher(func(_ context.Context, sk event.Skeleton, attempt int) *event.Patch {
		if attempt == 1 {
			barrier.Done()
			select {
			case <-released:
			case <-time.After(5 * time.Second):
				return nil
			}
		}
		if sk.ID == "evt-3" {
			return nil
		}
		return samplePatch("ok " + sk.ID)
	})
	clock := newFakeClock()
	o := enrichment.NewOrchestrator(enricher, s, enrichment.WithSleeper(clock.Sleep))

	batch := o.Run(context.Background(), "en", skeletons)
	require.Len(t, batch.Jobs, 5)
	for i, job := range batch.Jobs {
		assert.Equal(t, ids[i], job.EventID)
		if job.EventID == "evt-3" {
			assert.Equal(t, enrichment.JobExhausted, job.State)
			assert.Equal(t, 7*time.Second, job.Waited())
			continue
		}
		assert.Equal(t, enrichment.JobDone, job.State, job.EventID)
		assert.Equal(t, 1, job.Attempts, job.EventID)
		assert.Empty(t, job.Delays, job.EventID)
	}
	assert.Equal(t, 4, batch.Done())
	assert.Equal(t, 7*time.Second, batch.Waited(), "batch backoff equals the failing job's, not five times it")
}

func TestRetryThenSucceed(t *testing.T) {
	s := openStore(t)
	persist(t, s, skeleton("evt-1", "Flaky"))
	enricher := newFakeEnricher(func(_ context.Context, _ event.Skeleton, attempt int) *event.Patch {
		if attempt < 2 {
			return nil
		}
		return samplePatch("second time")
	})
	clock := newFakeClock()
	o := enrichment.NewOrchestrator(enricher, s, enrichment.WithSleeper(clock.Sleep))

	job := o.Run(context.Background(), "en", []event.Skeleton{skeleton("evt-1", "Flaky")}).Jobs[0]
	assert.Equal(t, enrichment.JobDone, job.State)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, []time.Duration{time.Second}, job.Delays)
	require.NotNil(t, job.Patch)
	assert.Equal(t, "second time", job.Patch.Description.Short)
}

type explainingEnricher struct{}

func (explainingEnricher) Enrich(context.Context, event.Skeleton, string) *event.Patch { return nil }

func (explainingEnricher) Attempt(context.Context, event.Skeleton, string) (*event.Patch, error) {
	return nil, errors.New("upstream 503")
}

func TestAttemptErrorIsRecorded(t *testing.T) {
	s := openStore(t)
	persist(t, s, skeleton("evt-1", "X"))
	o := enrichment.NewOrchestrator(explainingEnricher{}, s, enrichment.WithSleeper(newFakeClock().Sleep), enrichment.WithMaxAttempts(1))

	job := o.Run(context.Background(), "en", []event.Skeleton{skeleton("evt-1", "X")}).Jobs[0]
	assert.Equal(t, enrichment.JobExhausted, job.State)
	assert.Equal(t, "upstream 503", job.LastErr)

	ev, err := s.Get(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "upstream 503", ev.EnrichError)
}

func TestCacheHitSkipsModel(t *testing.T) {
	s := openStore(t)
	first := skeleton("evt-1", "Jazz Night")
	second := skeleton("evt-2", "  jazz   NIGHT ")
	persist(t, s, first, second)

	enricher := newFakeEnricher(func(context.Context, event.Skeleton, int) *event.Patch { return samplePatch("from model") })
	o := enrichment.NewOrchestrator(enricher, s,
		enrichment.WithSleeper(newFakeClock().Sleep),
		enrichment.WithCache(s, time.Hour),
	)

	require.Equal(t, enrichment.JobDone, o.Run(context.Background(), "en", []event.Skeleton{first}).Jobs[0].State)
	job := o.Run(context.Background(), "en", []event.Skeleton{second}).Jobs[0]
	assert.Equal(t, enrichment.JobDone, job.State)
	assert.True(t, job.FromCache)
	assert.Zero(t, enricher.count("evt-2"))

	ev, err := s.Get(context.Background(), "evt-2")
	require.NoError(t, err)
	assert.Equal(t, "from model", ev.Description.Short)
	assert.Equal(t, "  jazz   NIGHT ", ev.Title)
}

func TestCacheKeyIsLocaleSensitive(t *testing.T) {
	sk := skeleton("a", "Jazz Night")
	assert.Equal(t, enrichment.CacheKey(sk, "en"), enrichment.CacheKey(skeleton("b", "JAZZ  night"), "EN"))
	assert.NotEqual(t, enrichment.CacheKey(sk, "en"), enrichment.CacheKey(sk, "de"))
}

func TestUnpersistedSkeletonIsNotAttempted(t *testing.T) {
	s := openStore(t)
	enricher := newFakeEnricher(func(context.Context, event.Skeleton, int) *event.Patch { return samplePatch("x") })
	o := enrichment.NewOrchestrator(enricher, s, enrichment.WithSleeper(newFakeClock().Sleep))

	job := o.Run(context.Background(), "en", []event.Skeleton{skeleton("ghost", "Ghost")}).Jobs[0]
	assert.Equal(t, enrichment.JobExhausted, job.State)
	assert.Zero(t, job.Attempts)
	assert.Zero(t, enricher.count("ghost"))
}

func TestCancelledBatchStillRecordsExhausted(t *testing.T) {
	s := openStore(t)
	persist(t, s, skeleton("evt-1", "X"))
	ctx, cancel := context.WithCancel(context.Background())
	enricher := newFakeEnricher(func(context.Context, event.Skeleton, int) *event.Patch {
		cancel()
		return nil
	})
	o := enrichment.NewOrchestrator(enricher, s, enrichment.WithSleeper(newFakeClock().Sleep))

	job := o.Run(ctx, "en", []event.Skeleton{skeleton("evt-1", "X")}).Jobs[0]
	assert.Equal(t, enrichment.JobExhausted, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, job.LastErr, "context canceled")

	ev, err := s.Get(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, event.StateExhausted, ev.State)
}

func TestEnricherPanicIsContained(t *testing.T) {
	s := openStore(t)
	persist(t, s, skeleton("evt-1", "Boom"), skeleton("evt-2", "Fine"))
	enricher := newFakeEnricher(func(_ context.Context, sk event.Skeleton, _ int) *event.Patch {
		if sk.ID == "evt-1" {
			panic("bad payload")
		}
		return samplePatch("fine")
	})
	o := enrichment.NewOrchestrator(enricher, s, enrichment.WithSleeper(newFakeClock().Sleep))

	batch := o.Run(context.Background(), "en", []event.Skeleton{skeleton("evt-1", "Boom"), skeleton("evt-2", "Fine")})
	assert.Equal(t, enrichment.JobExhausted, batch.Jobs[0].State)
	assert.Contains(t, batch.Jobs[0].LastErr, "bad payload")
	assert.Equal(t, enrichment.JobDone, batch.Jobs[1].State)
}

type recordingObserver struct {
	mu      sync.Mutex
	results []enrichment.JobResult
}

func (r *recordingObserver) ObserveEnrichment(result enrichment.JobResult) {
	r.mu.Lock()
	r.results = append(r.results, result)
	r.mu.Unlock()
}

func TestObserverSeesEveryJob(t *testing.T) {
	s := openStore(t)
	persist(t, s, skeleton("evt-1", "A"), skeleton("evt-2", "B"))
	observer := &recordingObserver{}
	o := enrichment.NewOrchestrator(
		newFakeEnricher(func(context.Context, event.Skeleton, int) *event.Patch { return samplePatch("x") }),
		s,
		enrichment.WithObserver(observer),
		enrichment.WithConcurrency(1),
	)
	o.Run(context.Background(), "en", []event.Skeleton{skeleton("evt-1", "A"), skeleton("evt-2", "B")})
	assert.Len(t, observer.results, 2)
}

func TestBackoffDoublesFromBase(t *testing.T) {
	o := enrichment.NewOrchestrator(nil, nil, enrichment.WithBaseBackoff(500*time.Millisecond))
	assert.Equal(t, 500*time.Millisecond, o.Backoff(1))
	assert.Equal(t, time.Second, o.Backoff(2))
	assert.Equal(t, 2*time.Second, o.Backoff(3))
	assert.Equal(t, 500*time.Millisecond, o.Backoff(0))
}
