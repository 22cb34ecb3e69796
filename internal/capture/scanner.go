package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"cap2cal/internal/candidate"
	"cap2cal/internal/config"
	"cap2cal/internal/event"
	"cap2cal/internal/logging"
	"cap2cal/internal/race"
	"cap2cal/internal/services"
	"cap2cal/internal/services/llm"
)

const stageScan = "scan"

// Completer is the model boundary both stages call through.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// ScanConfig holds the scan stage knobs.
type ScanConfig struct {
	Model         string
	Temperatures  []float64
	CallTimeout   time.Duration
	MaxImageBytes int
	CancelLosers  bool
}

// ScanConfigFrom extracts scan settings from the application config.
func ScanConfigFrom(cfg *config.Config) ScanConfig {
	return ScanConfig{
		Model:         cfg.Scan.Model,
		Temperatures:  append([]float64(nil), cfg.Scan.Temperatures...),
		CallTimeout:   cfg.ScanTimeout(),
		MaxImageBytes: cfg.Scan.MaxImageBytes,
		CancelLosers:  cfg.Scan.CancelLosers,
	}
}

// ScanResult is the scan stage output: the outcome plus race diagnostics.
type ScanResult struct {
	Outcome           event.Outcome
	Duration          time.Duration
	WinnerIndex       int
	WinnerTemperature float64
	Repaired          bool
	Candidates        []race.CandidateResult
}

// Scanner extracts skeleton events from one image via a hedged race.
type Scanner struct {
	client    Completer
	cfg       ScanConfig
	validator *candidate.Validator[scanResponse]
	observer  race.Observer
	logger    *slog.Logger
	newID     func() string
}

// NewScanner builds a Scanner. observer may be nil.
func NewScanner(client Completer, cfg ScanConfig, logger *slog.Logger, observer race.Observer) (*Scanner, error) {
	if client == nil {
		return nil, errors.New("scanner: model client required")
	}
	if len(cfg.Temperatures) == 0 {
		cfg.Temperatures = config.DefaultScanTemperatures()
	}
	schema, err := ScanSchema()
	if err != nil {
		return nil, fmt.Errorf("scanner: %w", err)
	}
	validator, err := candidate.NewValidator[scanResponse](stageScan, schema, logger)
	if err != nil {
		return nil, fmt.Errorf("scanner: %w", err)
	}
	return &Scanner{
		client:    client,
		cfg:       cfg,
		validator: validator,
		observer:  observer,
		logger:    logging.NewComponentLogger(logger, "scanner"),
		newID:     uuid.NewString,
	}, nil
}

// Scan races one model call per configured temperature and maps the winner to
// skeletons. Identity is assigned here, after validation. A declared error
// from the model is a successful scan with a failure Outcome; only a race in
// which no candidate validated returns an error. Nothing is persisted.
func (s *Scanner) Scan(ctx context.Context, img RawImage) (ScanResult, error) {
	ctx = services.WithStage(ctx, stageScan)
	logger := logging.WithContext(ctx, s.logger)
	if err := img.Check(s.cfg.MaxImageBytes); err != nil {
		return ScanResult{WinnerIndex: -1}, err
	}
	locale := NormalizeLocale(img.Locale)
	prompt := ScannerPrompt(locale)
	dataURL := img.DataURL()

	invoke := func(callCtx context.Context, temperature float64) (string, error) {
		return s.client.Complete(callCtx, llm.Request{
			SystemPrompt: prompt,
			ImageDataURL: dataURL,
			Temperature:  temperature,
			Model:        s.cfg.Model,
		})
	}
	coordinator := race.New(invoke, s.validator.Validate,
		race.WithStage(stageScan),
		race.WithCallTimeout(s.cfg.CallTimeout),
		race.WithCancelLosers(s.cfg.CancelLosers),
		race.WithLogger(s.logger),
		race.WithObserver(s.observer),
	)
	out := coordinator.Race(ctx, s.cfg.Temperatures)
	result := ScanResult{
		Duration:          out.Duration,
		WinnerIndex:       out.WinnerIndex,
		WinnerTemperature: out.WinnerTemperature,
		Candidates:        out.Candidates,
	}
	if out.Winner == nil {
		return result, out.Err
	}
	for _, c := range out.Candidates {
		if c.Index == out.WinnerIndex {
			result.Repaired = c.Repaired
		}
	}

	winner := *out.Winner
	if winner.Status == statusError {
		reason := event.ErrorReason(winner.Data.Reason)
		result.Outcome = event.Failure(reason)
		logger.Info("scan declared not extractable",
			logging.String("reason", string(reason)),
			logging.Float64("temperature", out.WinnerTemperature),
		)
		return result, nil
	}

	if len(winner.Data.Items) == 0 {
		result.Outcome = event.Failure(event.ReasonNotAnEvent)
		logger.Info("scan found no events",
			logging.Float64("temperature", out.WinnerTemperature),
		)
		return result, nil
	}

	items := make([]event.Skeleton, 0, len(winner.Data.Items))
	for _, item := range winner.Data.Items {
		items = append(items, item.skeleton(s.newID()))
	}
	result.Outcome = event.Success(items, winner.meta(items))
	logger.Info("scan extracted events",
		logging.Int("event_count", len(items)),
		logging.Float64("overall_confidence", result.Outcome.Meta.OverallConfidence),
		logging.Duration("duration", out.Duration),
	)
	return result, nil
}

const (
	statusSuccess = "success"
	statusError   = "error"
)

type scanResponse struct {
	Status string `json:"status"`
	Data   struct {
		Meta   *scanMeta  `json:"meta"`
		Items  []scanItem `json:"items"`
		Reason string     `json:"reason"`
	} `json:"data"`
}

type scanMeta struct {
	Type              *string  `json:"type"`
	EventCount        *float64 `json:"event_count"`
	OverallConfidence *float64 `json:"overall_confidence"`
}

type scanConfidence struct {
	Score  *float64 `json:"score"`
	Issues []string `json:"issues"`
}

type scanItem struct {
	Title            string          `json:"title"`
	Kind             *string         `json:"kind"`
	DateISO          string          `json:"date_iso"`
	TimeISO          *string         `json:"time_iso"`
	EndDateISO       *string         `json:"end_date_iso"`
	EndTimeISO       *string         `json:"end_time_iso"`
	LocationRaw      *string         `json:"location_raw"`
	PriceRaw         *string         `json:"price_raw"`
	RawTextContext   *string         `json:"raw_text_context"`
	Links            []string        `json:"links"`
	TicketDirectLink *string         `json:"ticket_direct_link"`
	Confidence       *scanConfidence `json:"confidence"`
}

// Check enforces what the schema leaves open: real calendar dates and times.
// Times are normalized to HH:MM:SS in place.
func (r *scanResponse) Check() error {
	if r.Status != statusSuccess {
		return nil
	}
	for i := range r.Data.Items {
		item := &r.Data.Items[i]
		if strings.TrimSpace(item.Title) == "" {
			return fmt.Errorf("items[%d]: blank title", i)
		}
		date, err := event.NormalizeDate(item.DateISO)
		if err != nil {
			return fmt.Errorf("items[%d]: %w", i, err)
		}
		item.DateISO = date
		for _, field := range []**string{&item.TimeISO, &item.EndTimeISO} {
			if *field == nil {
				continue
			}
			normalized, err := event.NormalizeTime(**field)
			if err != nil {
				return fmt.Errorf("items[%d]: %w", i, err)
			}
			if normalized == "" {
				*field = nil
				continue
			}
			*field = &normalized
		}
		if item.EndDateISO != nil && strings.TrimSpace(*item.EndDateISO) != "" {
			end, err := event.NormalizeDate(*item.EndDateISO)
			if err != nil {
				return fmt.Errorf("items[%d]: end %w", i, err)
			}
			item.EndDateISO = &end
		} else {
			item.EndDateISO = nil
		}
	}
	return nil
}

func (item scanItem) skeleton(id string) event.Skeleton {
	sk := event.Skeleton{
		ID:               id,
		Title:            strings.TrimSpace(item.Title),
		Kind:             strings.TrimSpace(deref(item.Kind)),
		Start:            event.DateTime{Date: item.DateISO, Time: deref(item.TimeISO)},
		LocationRaw:      strings.TrimSpace(deref(item.LocationRaw)),
		RawContext:       strings.TrimSpace(deref(item.RawTextContext)),
		PriceRaw:         strings.TrimSpace(deref(item.PriceRaw)),
		TicketDirectLink: strings.TrimSpace(deref(item.TicketDirectLink)),
		Links:            []string{},
		Confidence:       event.Confidence{Score: 1, Issues: []string{}},
	}
	for _, link := range item.Links {
		if link = strings.TrimSpace(link); link != "" {
			sk.Links = append(sk.Links, link)
		}
	}
	if item.EndDateISO != nil || item.EndTimeISO != nil {
		end := event.DateTime{Date: item.DateISO, Time: deref(item.EndTimeISO)}
		if item.EndDateISO != nil {
			end.Date = *item.EndDateISO
		}
		sk.End = &end
	}
	if item.Confidence != nil {
		if item.Confidence.Score != nil {
			sk.Confidence.Score = *item.Confidence.Score
		}
		sk.Confidence.Issues = append(sk.Confidence.Issues, item.Confidence.Issues...)
	}
	return sk
}

func (r scanResponse) meta(items []event.Skeleton) event.Meta {
	meta := event.Meta{Type: "single_event", EventCount: len(items)}
	if len(items) > 1 {
		meta.Type = "list"
	}
	var total float64
	for _, it := range items {
		total += it.Confidence.Score
	}
	if len(items) > 0 {
		meta.OverallConfidence = total / float64(len(items))
	}
	if m := r.Data.Meta; m != nil {
		if m.Type != nil && strings.TrimSpace(*m.Type) != "" {
			meta.Type = strings.TrimSpace(*m.Type)
		}
		if m.OverallConfidence != nil {
			meta.OverallConfidence = *m.OverallConfidence
		}
	}
	return meta
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
