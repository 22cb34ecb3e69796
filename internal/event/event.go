package event

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultTicketProbability is used until enrichment estimates a value.
	DefaultTicketProbability = 0.5

	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"
)

// DateTime is a calendar date with an optional wall-clock time.
type DateTime struct {
	Date string `json:"date"`
	Time string `json:"time,omitempty"`
}

// Confidence is the model's per-item certainty and issue flags such as
// "inferred_year".
type Confidence struct {
	Score  float64  `json:"score"`
	Issues []string `json:"issues"`
}

// Description holds enrichment copy.
type Description struct {
	Short string `json:"short"`
	Long  string `json:"long"`
}

// Location is the resolved venue.
type Location struct {
	City    string `json:"city"`
	Address string `json:"address"`
}

// Meta summarizes a scan.
type Meta struct {
	Type              string  `json:"type"`
	EventCount        int     `json:"event_count"`
	OverallConfidence float64 `json:"overall_confidence"`
}

// Skeleton is the minimal event produced by the scan stage.
type Skeleton struct {
	ID               string
	Title            string
	Kind             string
	Start            DateTime
	End              *DateTime
	LocationRaw      string
	RawContext       string
	PriceRaw         string
	Links            []string
	TicketDirectLink string
	Confidence       Confidence
}

// Validate checks that the skeleton is usable on its own: it has a title and
// a parseable start date.
func (s Skeleton) Validate() error {
	if strings.TrimSpace(s.Title) == "" {
		return errors.New("skeleton: title required")
	}
	if _, err := time.Parse(dateLayout, s.Start.Date); err != nil {
		return fmt.Errorf("skeleton: start date %q: %w", s.Start.Date, err)
	}
	if s.Start.Time != "" {
		if _, err := time.Parse(timeLayout, s.Start.Time); err != nil {
			return fmt.Errorf("skeleton: start time %q: %w", s.Start.Time, err)
		}
	}
	if s.End != nil {
		if _, err := time.Parse(dateLayout, s.End.Date); err != nil {
			return fmt.Errorf("skeleton: end date %q: %w", s.End.Date, err)
		}
	}
	return nil
}

// Patch is the enrichment output for one event.
type Patch struct {
	Description                Description `json:"description"`
	Tags                       []string    `json:"tags"`
	Location                   Location    `json:"location"`
	TicketAvailableProbability float64     `json:"ticketAvailableProbability"`
	TicketSearchQuery          string      `json:"ticketSearchQuery"`
}

// Validate checks the ranges the schema does not express.
func (p Patch) Validate() error {
	if p.TicketAvailableProbability < 0 || p.TicketAvailableProbability > 1 {
		return fmt.Errorf("patch: ticketAvailableProbability %v outside 0..1", p.TicketAvailableProbability)
	}
	for i, tag := range p.Tags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("patch: tags[%d] is blank", i)
		}
	}
	return nil
}

// FallbackPatch is the safe patch returned when enrichment fails: the short
// description and location already known are echoed, nothing new is invented.
func FallbackPatch(ev CaptureEvent) Patch {
	loc := ev.Location
	if loc.City == "" && loc.Address == "" {
		loc.Address = ev.LocationRaw
	}
	return Patch{
		Description:                Description{Short: ev.Description.Short},
		Tags:                       []string{},
		Location:                   loc,
		TicketAvailableProbability: DefaultTicketProbability,
	}
}

// CaptureEvent is the persisted aggregate: skeleton fields, the latest applied
// enrichment fields, and the enrichment state.
type CaptureEvent struct {
	Skeleton

	Description                Description
	Tags                       []string
	Location                   Location
	TicketAvailableProbability float64
	TicketSearchQuery          string
	State                      EnrichmentState

	// EnrichAttempts and EnrichError describe the latest orchestrator run.
	EnrichAttempts int
	EnrichError    string

	CreatedAt time.Time
	UpdatedAt time.Time

	// Owner is the user id that captured the event, empty for local
	// captures. It is kept out of the API shape.
	Owner string
}

// NewCaptureEvent builds the aggregate with enrichment fields defaulted from
// the skeleton.
func NewCaptureEvent(sk Skeleton) CaptureEvent {
	return CaptureEvent{
		Skeleton:                   sk,
		Tags:                       []string{},
		Location:                   Location{Address: sk.LocationRaw},
		TicketAvailableProbability: DefaultTicketProbability,
		State:                      StatePending,
	}
}

// Apply merges p into the enrichment-owned fields and marks the event enriched.
// Skeleton fields are left untouched.
func (e *CaptureEvent) Apply(p Patch) {
	e.Description = p.Description
	e.Tags = append([]string{}, p.Tags...)
	e.Location = p.Location
	e.TicketAvailableProbability = p.TicketAvailableProbability
	e.TicketSearchQuery = p.TicketSearchQuery
	e.State = StateEnriched
}

// Patch returns the enrichment fields currently held by the event.
func (e CaptureEvent) Patch() Patch {
	return Patch{
		Description:                e.Description,
		Tags:                       append([]string{}, e.Tags...),
		Location:                   e.Location,
		TicketAvailableProbability: e.TicketAvailableProbability,
		TicketSearchQuery:          e.TicketSearchQuery,
	}
}

// NormalizeTime accepts HH:MM or HH:MM:SS and returns HH:MM:SS. Blank input
// yields blank output.
func NormalizeTime(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	for _, layout := range []string{timeLayout, "15:04"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.Format(timeLayout), nil
		}
	}
	return "", fmt.Errorf("time %q: expected HH:MM:SS", value)
}

// NormalizeDate validates a YYYY-MM-DD date.
func NormalizeDate(value string) (string, error) {
	value = strings.TrimSpace(value)
	parsed, err := time.Parse(dateLayout, value)
	if err != nil {
		return "", fmt.Errorf("date %q: expected YYYY-MM-DD", value)
	}
	return parsed.Format(dateLayout), nil
}
