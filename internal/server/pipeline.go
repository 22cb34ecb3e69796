package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"cap2cal/internal/capture"
	"cap2cal/internal/event"
	"cap2cal/internal/logging"
	"cap2cal/internal/quota"
	"cap2cal/internal/services"
)

const (
	bodyOverhead   = 1 << 20
	enrichBodySize = 1 << 20
)

type scanRequest struct {
	Image  string `json:"image"`
	Locale string `json:"i18n"`
}

type scanData struct {
	Items []event.CaptureEvent `json:"items"`
	Meta  event.Meta           `json:"meta"`
}

type enrichRequest struct {
	Event  *event.CaptureEvent `json:"event"`
	Locale string              `json:"i18n"`
}

type enrichData struct {
	event.Patch
	IsEnriched bool `json:"isEnriched"`
}

// scanned is a successful scan plus the locale it was run for. release
// returns the quota reservation when a later stage fails.
type scanned struct {
	outcome event.Outcome
	locale  string
	release func()
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	result, ok := s.scan(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Status: "success", Data: scanData{
		Items: captureEvents(result.outcome.Items),
		Meta:  result.outcome.Meta,
	}})
}

// scan runs the gate and the scan stage, writing every non-success response
// itself. The reservation is kept only when items were extracted.
func (s *Server) scan(w http.ResponseWriter, r *http.Request) (scanned, bool) {
	ctx := r.Context()
	logger := logging.WithContext(ctx, s.logger)

	var req scanRequest
	if err := decodeBody(w, r, int64(s.cfg.Scan.MaxImageBytes)*4/3+bodyOverhead, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return scanned{}, false
	}

	decision, err := s.deps.Gate.Authorize(ctx, bearerToken(r))
	switch {
	case errors.Is(err, quota.ErrUnauthorized):
		s.deps.Metrics.ObserveQuota("unauthorized")
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return scanned{}, false
	case err != nil:
		s.deps.Metrics.ObserveQuota("error")
		logging.ErrorWithContext(logger, "quota check failed", "quota_check_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the quota backend connection"),
		)
		s.writeInfraError(w, r, err)
		return scanned{}, false
	case !decision.Allowed:
		s.deps.Metrics.ObserveQuota("limited")
		s.writeReason(w, http.StatusForbidden, event.ReasonLimitReached)
		return scanned{}, false
	}
	s.deps.Metrics.ObserveQuota("allowed")

	release := func() {
		if err := s.deps.Gate.Release(context.WithoutCancel(ctx), decision); err != nil {
			logging.WarnWithContext(logger, "quota release failed", "quota_release_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the quota backend connection"),
				logging.String(logging.FieldImpact, "user is charged for a capture that produced nothing"),
			)
		}
	}

	img, err := capture.DecodeImage(req.Image, req.Locale, s.cfg.Scan.MaxImageBytes)
	if err != nil {
		release()
		s.deps.Metrics.ObserveScan("invalid_input")
		logger.Info("scan rejected before model call", logging.Error(err))
		s.writeJSON(w, http.StatusBadRequest, envelope{Status: "error", Data: reasonData{Reason: event.ReasonUnknown}, Message: err.Error()})
		return scanned{}, false
	}

	result, err := s.deps.Scanner.Scan(ctx, img)
	if err != nil {
		release()
		if errors.Is(err, services.ErrInput) {
			s.deps.Metrics.ObserveScan("invalid_input")
			s.writeJSON(w, http.StatusBadRequest, envelope{Status: "error", Data: reasonData{Reason: event.ReasonUnknown}, Message: err.Error()})
			return scanned{}, false
		}
		s.deps.Metrics.ObserveScan("infra_error")
		logging.ErrorWithContext(logger, "scan failed", "scan_failed",
			logging.Error(err),
			logging.Int("candidates", len(result.Candidates)),
			logging.String(logging.FieldErrorHint, "see race_failed entry for per-candidate detail"),
		)
		s.writeInfraError(w, r, err)
		return scanned{}, false
	}

	if !result.Outcome.OK() {
		release()
		s.deps.Metrics.ObserveScan(string(result.Outcome.Reason))
		s.writeReason(w, http.StatusOK, result.Outcome.Reason)
		return scanned{}, false
	}
	s.deps.Metrics.ObserveScan("success")
	return scanned{outcome: result.Outcome, locale: capture.NormalizeLocale(img.Locale), release: release}, true
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req enrichRequest
	if err := decodeBody(w, r, enrichBodySize, &req); err != nil || req.Event == nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ev := *req.Event
	ctx = services.WithEventID(ctx, ev.ID)
	logger := logging.WithContext(ctx, s.logger)

	patch, err := s.deps.Enricher.Attempt(ctx, ev.Skeleton, req.Locale)
	if err != nil || patch == nil {
		if err != nil && errors.Is(err, services.ErrInput) {
			s.writeError(w, http.StatusBadRequest, strings.TrimSpace(err.Error()))
			return
		}
		// Enrichment failures are soft: callers get a patch they can apply
		// without special-casing the error path.
		logger.Info("enrichment failed; returning fallback patch", logging.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, envelope{
			Status: "error",
			Data:   enrichData{Patch: event.FallbackPatch(ev), IsEnriched: false},
		})
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Status: "success", Data: enrichData{Patch: *patch, IsEnriched: true}})
}

func captureEvents(items []event.Skeleton) []event.CaptureEvent {
	out := make([]event.CaptureEvent, 0, len(items))
	for _, sk := range items {
		out = append(out, event.NewCaptureEvent(sk))
	}
	return out
}
