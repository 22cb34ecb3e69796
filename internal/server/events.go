package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cap2cal/internal/event"
	"cap2cal/internal/logging"
	"cap2cal/internal/services"
	"cap2cal/internal/store"
)

const (
	healthTimeout     = 2 * time.Second
	changesDefaultMax = 100
	changesWaitLimit  = 30 * time.Second
)

type healthResponse struct {
	Status string `json:"status"`
	Quota  string `json:"quota"`
	Store  string `json:"store,omitempty"`
}

type captureData struct {
	Items []event.CaptureEvent `json:"items"`
	Meta  event.Meta           `json:"meta"`
}

type changesResponse struct {
	Changes []store.Change `json:"changes"`
	Next    uint64         `json:"next"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Quota: "ok"}
	if err := s.deps.Gate.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Quota = err.Error()
	}
	if s.deps.Store != nil {
		resp.Store = "ok"
		if _, err := s.deps.Store.List(ctx, store.ListFilter{Limit: 1}); err != nil {
			resp.Status = "degraded"
			resp.Store = err.Error()
		}
	}
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

// handleCapture scans, persists the skeletons, and enriches them in the
// background. The response carries the pending events.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	result, ok := s.scan(w, r)
	if !ok {
		return
	}
	events, err := s.deps.Store.PutSkeletons(r.Context(), result.outcome.Items)
	if err != nil {
		result.release()
		logging.ErrorWithContext(logging.WithContext(r.Context(), s.logger), "persist skeletons failed", "store_put_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the data directory is writable"),
		)
		s.writeInfraError(w, r, err)
		return
	}
	s.enrichInBackground(r.Context(), result.locale, result.outcome.Items)
	s.writeJSON(w, http.StatusAccepted, envelope{Status: "success", Data: captureData{
		Items: events,
		Meta:  result.outcome.Meta,
	}})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{}
	for _, raw := range r.URL.Query()["state"] {
		for part := range strings.SplitSeq(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			state, err := event.ParseState(part)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			filter.States = append(filter.States, state)
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	events, err := s.deps.Store.List(r.Context(), filter)
	if err != nil {
		s.writeInfraError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.deps.Store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeInfraError(w, r, err)
		return
	}
	if ev == nil {
		s.writeError(w, http.StatusNotFound, "event not found")
		return
	}
	s.writeJSON(w, http.StatusOK, ev)
}

// handleChanges is a long-poll over the store's change hub. With wait=1 the
// request blocks until a change newer than since arrives or the wait expires.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	since, err := parseUint(query.Get("since"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
		return
	}
	limit := changesDefaultMax
	if raw := query.Get("limit"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = value
	}
	wait := query.Get("wait") == "1" || query.Get("wait") == "true"

	ctx := r.Context()
	if wait {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, changesWaitLimit)
		defer cancel()
	}
	changes, next, err := s.deps.Store.Subscribe(ctx, since, limit, wait)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.writeInfraError(w, r, err)
		return
	}
	if changes == nil {
		changes = []store.Change{}
	}
	if next < since {
		next = since
	}
	s.writeJSON(w, http.StatusOK, changesResponse{Changes: changes, Next: next})
}

func (s *Server) handleReenrich(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ev, err := s.deps.Store.ResetEnrichment(r.Context(), id)
	switch {
	case errors.Is(err, services.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "event not found")
		return
	case errors.Is(err, services.ErrValidation):
		s.writeError(w, http.StatusConflict, "event enrichment is already pending")
		return
	case err != nil:
		s.writeInfraError(w, r, err)
		return
	}
	locale := r.URL.Query().Get("i18n")
	s.enrichInBackground(r.Context(), locale, []event.Skeleton{ev.Skeleton})
	s.writeJSON(w, http.StatusAccepted, ev)
}

// enrichInBackground runs the orchestrator detached from the request but tied
// to the server lifetime, so Stop waits for terminal states to be recorded.
func (s *Server) enrichInBackground(reqCtx context.Context, locale string, items []event.Skeleton) {
	ctx := s.baseCtx
	if id, ok := services.RequestIDFromContext(reqCtx); ok {
		ctx = services.WithRequestID(ctx, id)
	}
	if user, ok := services.UserIDFromContext(reqCtx); ok {
		ctx = services.WithUserID(ctx, user)
	}
	s.background.Go(func() {
		batch := s.deps.Orchestrator.Run(ctx, locale, items)
		logging.WithContext(ctx, s.logger).Info("background enrichment finished",
			logging.String(logging.FieldEventType, "enrichment_batch_finished"),
			logging.Int("jobs", len(batch.Jobs)),
			logging.Int("enriched", batch.Done()),
			logging.Duration("duration", batch.Duration),
		)
	})
}

func parseUint(raw string) (uint64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
