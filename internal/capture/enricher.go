package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cap2cal/internal/candidate"
	"cap2cal/internal/config"
	"cap2cal/internal/event"
	"cap2cal/internal/logging"
	"cap2cal/internal/services"
	"cap2cal/internal/services/llm"
)

const (
	stageEnrich       = "enrich"
	defaultEnrichCall = 60 * time.Second
	maxEnrichmentTags = 12
)

// EnrichConfig holds the enrich stage knobs.
type EnrichConfig struct {
	Model       string
	Temperature float64
	CallTimeout time.Duration
}

// EnrichConfigFrom extracts enrich settings from the application config.
func EnrichConfigFrom(cfg *config.Config) EnrichConfig {
	return EnrichConfig{
		Model:       cfg.Enrich.Model,
		Temperature: cfg.Enrich.Temperature,
		CallTimeout: cfg.EnrichTimeout(),
	}
}

// Enricher produces descriptive patches for one skeleton at a time. It holds
// no per-event state, so repeated calls with the same skeleton are safe.
type Enricher struct {
	client    Completer
	cfg       EnrichConfig
	validator *candidate.Validator[enrichPayload]
	logger    *slog.Logger
}

// NewEnricher builds an Enricher.
func NewEnricher(client Completer, cfg EnrichConfig, logger *slog.Logger) (*Enricher, error) {
	if client == nil {
		return nil, errors.New("enricher: model client required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultEnrichCall
	}
	schema, err := EnrichSchema()
	if err != nil {
		return nil, fmt.Errorf("enricher: %w", err)
	}
	validator, err := candidate.NewValidator[enrichPayload](stageEnrich, schema, logger)
	if err != nil {
		return nil, fmt.Errorf("enricher: %w", err)
	}
	return &Enricher{
		client:    client,
		cfg:       cfg,
		validator: validator,
		logger:    logging.NewComponentLogger(logger, "enricher"),
	}, nil
}

// Enrich issues a single model call and returns the validated patch, or nil
// on any failure.
func (e *Enricher) Enrich(ctx context.Context, sk event.Skeleton, locale string) *event.Patch {
	patch, err := e.Attempt(ctx, sk, locale)
	if err != nil {
		return nil
	}
	return patch
}

// Attempt is Enrich with the failure reason exposed.
func (e *Enricher) Attempt(ctx context.Context, sk event.Skeleton, locale string) (*event.Patch, error) {
	ctx = services.WithStage(services.WithEventID(ctx, sk.ID), stageEnrich)
	logger := logging.WithContext(ctx, e.logger)
	if err := sk.Validate(); err != nil {
		return nil, services.Wrap(services.ErrInput, stageEnrich, "validate skeleton", "", err)
	}
	locale = NormalizeLocale(locale)
	userPrompt, err := EnrichUserPrompt(sk)
	if err != nil {
		return nil, services.Wrap(services.ErrInput, stageEnrich, "build prompt", "", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	started := time.Now()
	raw, err := e.client.Complete(callCtx, llm.Request{
		SystemPrompt: EnricherPrompt(locale),
		UserPrompt:   userPrompt,
		Temperature:  e.cfg.Temperature,
		Model:        e.cfg.Model,
	})
	if err != nil {
		marker := services.ErrUpstream
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			marker = services.ErrTimeout
		}
		logger.Info("enrichment call failed",
			logging.Error(err),
			logging.Duration("duration", time.Since(started)),
		)
		return nil, services.Wrap(marker, stageEnrich, "model call", "", err)
	}

	result := e.validator.Validate(raw)
	if !result.Valid {
		logger.Info("enrichment response rejected",
			logging.String("failure", string(result.Failure)),
			logging.String("detail", result.Detail),
		)
		return nil, services.Wrap(services.ErrValidation, stageEnrich, "validate response", "", result.Err())
	}
	patch := result.Value.patch(sk)
	logger.Debug("enrichment patch produced",
		logging.Int("tags", len(patch.Tags)),
		logging.Bool("repaired", result.Repaired),
		logging.Duration("duration", time.Since(started)),
	)
	return &patch, nil
}

type enrichPayload struct {
	Description struct {
		Short string  `json:"short"`
		Long  *string `json:"long"`
	} `json:"description"`
	Tags     []string `json:"tags"`
	Location *struct {
		City    *string `json:"city"`
		Address *string `json:"address"`
	} `json:"location"`
	TicketAvailableProbability *float64 `json:"ticketAvailableProbability"`
	TicketSearchQuery          *string  `json:"ticketSearchQuery"`
}

// Check rejects blank tags; everything else is covered by the schema.
func (p *enrichPayload) Check() error {
	for i, tag := range p.Tags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("tags[%d] is blank", i)
		}
	}
	return nil
}

// patch fills gaps from the skeleton so a partial answer never erases the
// location the user already sees.
func (p enrichPayload) patch(sk event.Skeleton) event.Patch {
	out := event.Patch{
		Description: event.Description{
			Short: strings.TrimSpace(p.Description.Short),
			Long:  strings.TrimSpace(deref(p.Description.Long)),
		},
		Tags:                       make([]string, 0, len(p.Tags)),
		Location:                   event.Location{Address: sk.LocationRaw},
		TicketAvailableProbability: event.DefaultTicketProbability,
		TicketSearchQuery:          strings.TrimSpace(deref(p.TicketSearchQuery)),
	}
	seen := make(map[string]bool, len(p.Tags))
	for _, tag := range p.Tags {
		tag = strings.TrimSpace(tag)
		key := strings.ToLower(tag)
		if seen[key] || len(out.Tags) == maxEnrichmentTags {
			continue
		}
		seen[key] = true
		out.Tags = append(out.Tags, tag)
	}
	if p.Location != nil {
		out.Location.City = strings.TrimSpace(deref(p.Location.City))
		if address := strings.TrimSpace(deref(p.Location.Address)); address != "" {
			out.Location.Address = address
		}
	}
	if p.TicketAvailableProbability != nil {
		out.TicketAvailableProbability = *p.TicketAvailableProbability
	}
	return out
}
