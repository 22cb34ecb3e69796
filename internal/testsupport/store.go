package testsupport

import (
	"context"
	"testing"

	"cap2cal/internal/config"
	"cap2cal/internal/event"
	"cap2cal/internal/services"
	"cap2cal/internal/store"
)

// MustOpenStore opens the event store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// JazzNight is a fully populated skeleton for a single-event poster.
func JazzNight(id string) event.Skeleton {
	return event.Skeleton{
		ID:          id,
		Title:       "Jazz Night",
		Kind:        "concert",
		Start:       event.DateTime{Date: "2025-03-14", Time: "20:00:00"},
		LocationRaw: "Blue Note, Berlin",
		RawContext:  "JAZZ NIGHT 14.03 20 Uhr Blue Note",
		PriceRaw:    "15 EUR",
		Links:       []string{},
		Confidence:  event.Confidence{Score: 0.9, Issues: []string{}},
	}
}

// PutSkeletons persists skeletons as pending events owned by TestUser.
func PutSkeletons(t testing.TB, st *store.Store, skeletons ...event.Skeleton) []event.CaptureEvent {
	t.Helper()

	ctx := services.WithUserID(context.Background(), TestUser)
	events, err := st.PutSkeletons(ctx, skeletons)
	if err != nil {
		t.Fatalf("store.PutSkeletons: %v", err)
	}
	return events
}
