package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cap2cal/internal/event"
	"cap2cal/internal/services"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func jazzSkeleton(id string) event.Skeleton {
	return event.Skeleton{
		ID:          id,
		Title:       "Jazz Night",
		Kind:        "concert",
		Start:       event.DateTime{Date: "2025-11-02", Time: "20:00:00"},
		LocationRaw: "Blue Note, Berlin",
		RawContext:  "doors 19:30",
		Links:       []string{"https://example.com"},
		Confidence:  event.Confidence{Score: 0.9, Issues: []string{"inferred_year"}},
	}
}

func TestPutSkeletonsIsReadableImmediately(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.PutSkeletons(ctx, []event.Skeleton{jazzSkeleton("evt-1")})
	require.NoError(t, err)
	require.Len(t, created, 1)

	got, err := s.Get(ctx, "evt-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Jazz Night", got.Title)
	assert.Equal(t, event.DateTime{Date: "2025-11-02", Time: "20:00:00"}, got.Start)
	assert.Nil(t, got.End)
	assert.Equal(t, []string{"https://example.com"}, got.Links)
	assert.Equal(t, []string{"inferred_year"}, got.Confidence.Issues)
	assert.Equal(t, event.StatePending, got.State)
	assert.Equal(t, "Blue Note, Berlin", got.Location.Address)
	assert.Equal(t, event.DefaultTicketProbability, got.TicketAvailableProbability)
	assert.Equal(t, []string{}, got.Tags)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutSkeletonsRejectsUnusableSkeletons(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.PutSkeletons(ctx, []event.Skeleton{{Title: "no id", Start: event.DateTime{Date: "2025-01-01"}}})
	assert.ErrorIs(t, err, services.ErrInput)

	bad := jazzSkeleton("evt-2")
	bad.Start.Date = "someday"
	_, err = s.PutSkeletons(ctx, []event.Skeleton{jazzSkeleton("evt-1"), bad})
	assert.ErrorIs(t, err, services.ErrInput)

	got, err := s.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Nil(t, got, "batch is all or nothing")
}

func TestApplyPatchOnlyTouchesEnrichmentFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.PutSkeletons(ctx, []event.Skeleton{jazzSkeleton("evt-1")})
	require.NoError(t, err)

	got, err := s.ApplyPatch(ctx, "evt-1", event.Patch{
		Description:                event.Description{Short: "An evening of jazz."},
		Tags:                       []string{"music"},
		Location:                   event.Location{City: "Berlin", Address: "Blue Note, Friedrichstr. 1"},
		TicketAvailableProbability: 0.8,
	}, 2)
	require.NoError(t, err)
	assert.Equal(t, "Jazz Night", got.Title)
	assert.Equal(t, "2025-11-02", got.Start.Date)
	assert.Equal(t, "20:00:00", got.Start.Time)
	assert.Equal(t, "Blue Note, Berlin", got.LocationRaw)
	assert.Equal(t, "An evening of jazz.", got.Description.Short)
	assert.Equal(t, []string{"music"}, got.Tags)
	assert.Equal(t, "Berlin", got.Location.City)
	assert.Equal(t, event.StateEnriched, got.State)
	assert.Equal(t, 2, got.EnrichAttempts)

	_, err = s.ApplyPatch(ctx, "missing", event.Patch{}, 1)
	assert.ErrorIs(t, err, services.ErrNotFound)
	_, err = s.ApplyPatch(ctx, "evt-1", event.Patch{TicketAvailableProbability: 2}, 1)
	assert.ErrorIs(t, err, services.ErrValidation)
}

func TestMarkAndResetEnrichment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.PutSkeletons(ctx, []event.Skeleton{jazzSkeleton("evt-1")})
	require.NoError(t, err)

	_, err = s.ResetEnrichment(ctx, "evt-1")
	assert.ErrorIs(t, err, services.ErrValidation)

	require.NoError(t, s.MarkEnrichment(ctx, "evt-1", event.StateExhausted, 3, "no patch"))
	got, err := s.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, event.StateExhausted, got.State)
	assert.Equal(t, 3, got.EnrichAttempts)
	assert.Equal(t, "no patch", got.EnrichError)

	reset, err := s.ResetEnrichment(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, event.StatePending, reset.State)
	assert.Zero(t, reset.EnrichAttempts)
	assert.Empty(t, reset.EnrichError)

	_, err = s.ResetEnrichment(ctx, "missing")
	assert.ErrorIs(t, err, services.ErrNotFound)
	assert.ErrorIs(t, s.MarkEnrichment(ctx, "missing", event.StateExhausted, 1, ""), services.ErrNotFound)
}

func TestListFiltersAndOrders(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	later := jazzSkeleton("evt-late")
	later.Start = event.DateTime{Date: "2025-12-01"}
	earlier := jazzSkeleton("evt-early")
	earlier.Start = event.DateTime{Date: "2025-10-01", Time: "18:00:00"}
	_, err := s.PutSkeletons(ctx, []event.Skeleton{later, earlier})
	require.NoError(t, err)
	require.NoError(t, s.MarkEnrichment(ctx, "evt-late", event.StateExhausted, 3, ""))

	all, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "evt-early", all[0].ID)

	exhausted, err := s.List(ctx, ListFilter{States: []event.EnrichmentState{event.StateExhausted}})
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
	assert.Equal(t, "evt-late", exhausted[0].ID)

	limited, err := s.List(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestEventsAreScopedToOwner(t *testing.T) {
	s := openTestStore(t)
	alice := services.WithUserID(context.Background(), "alice")
	bob := services.WithUserID(context.Background(), "bob")
	since := s.Hub().Sequence()

	_, err := s.PutSkeletons(alice, []event.Skeleton{jazzSkeleton("evt-a")})
	require.NoError(t, err)
	_, err = s.PutSkeletons(bob, []event.Skeleton{jazzSkeleton("evt-b")})
	require.NoError(t, err)

	got, err := s.Get(alice, "evt-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.Owner)

	other, err := s.Get(alice, "evt-b")
	require.NoError(t, err)
	assert.Nil(t, other)

	listed, err := s.List(bob, ListFilter{})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "evt-b", listed[0].ID)

	all, err := s.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.MarkEnrichment(context.Background(), "evt-b", event.StateExhausted, 3, ""))
	_, err = s.ResetEnrichment(alice, "evt-b")
	assert.ErrorIs(t, err, services.ErrNotFound)
	reset, err := s.ResetEnrichment(bob, "evt-b")
	require.NoError(t, err)
	assert.Equal(t, event.StatePending, reset.State)

	changes, _, err := s.Subscribe(alice, since, 10, false)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "evt-a", changes[0].EventID)

	changes, _, err = s.Subscribe(bob, since, 10, false)
	require.NoError(t, err)
	require.Len(t, changes, 3)
	for _, change := range changes {
		assert.Equal(t, "evt-b", change.EventID)
	}
}

func TestHubLimitReturnsResumableCursor(t *testing.T) {
	hub := NewHub(10)
	for i := 0; i < 3; i++ {
		hub.Publish(Change{Kind: ChangeState, EventID: "e"})
	}
	first, next, err := hub.Fetch(context.Background(), 0, 2, false)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, uint64(2), next)

	rest, next, err := hub.Fetch(context.Background(), next, 2, false)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, uint64(3), rest[0].Sequence)
	assert.Equal(t, uint64(3), next)
}

func TestSubscribeWakesOnChange(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	since := s.Hub().Sequence()

	done := make(chan []Change, 1)
	go func() {
		changes, _, err := s.Subscribe(ctx, since, 10, true)
		if err == nil {
			done <- changes
		}
		close(done)
	}()

	_, err := s.PutSkeletons(ctx, []event.Skeleton{jazzSkeleton("evt-1")})
	require.NoError(t, err)

	select {
	case changes := <-done:
		require.NotEmpty(t, changes)
		assert.Equal(t, ChangeCreated, changes[0].Kind)
		assert.Equal(t, "evt-1", changes[0].EventID)
		assert.Equal(t, "pending", changes[0].State)
	case <-ctx.Done():
		t.Fatal("subscriber was not woken")
	}
}

func TestSubscribeReturnsOnCancel(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, _, err := s.Subscribe(ctx, s.Hub().Sequence(), 10, true)
		errs <- err
	}()
	cancel()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe did not return after cancel")
	}
}

func TestHubDropsOldestBeyondCapacity(t *testing.T) {
	hub := NewHub(2)
	for i := 0; i < 3; i++ {
		hub.Publish(Change{Kind: ChangeState, EventID: "e"})
	}
	changes, next, err := hub.Fetch(context.Background(), 0, 10, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next)
	require.Len(t, changes, 2)
	assert.Equal(t, uint64(2), changes[0].Sequence)
}

func TestEnrichmentCacheExpiry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	clock := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	miss, err := s.CachedPatch(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, miss)

	patch := event.Patch{Description: event.Description{Short: "cached"}, Tags: []string{"music"}, TicketAvailableProbability: 0.6}
	require.NoError(t, s.CachePatch(ctx, "k", patch, 7*24*time.Hour))

	hit, err := s.CachedPatch(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, patch, *hit)

	clock = clock.Add(8 * 24 * time.Hour)
	expired, err := s.CachedPatch(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, expired)

	purged, err := s.PurgeExpiredCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestReopenKeepsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.PutSkeletons(context.Background(), []event.Skeleton{jazzSkeleton("evt-1")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(context.Background(), "evt-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Jazz Night", got.Title)
}
