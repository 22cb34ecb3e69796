package event

import "encoding/json"

type apiEvent struct {
	ID                         string          `json:"id"`
	Title                      string          `json:"title"`
	Kind                       string          `json:"kind"`
	Tags                       []string        `json:"tags"`
	DateTimeFrom               DateTime        `json:"dateTimeFrom"`
	DateTimeTo                 *DateTime       `json:"dateTimeTo,omitempty"`
	Description                Description     `json:"description"`
	Location                   Location        `json:"location"`
	Links                      []string        `json:"links"`
	TicketDirectLink           string          `json:"ticketDirectLink,omitempty"`
	TicketAvailableProbability float64         `json:"ticketAvailableProbability"`
	TicketSearchQuery          string          `json:"ticketSearchQuery"`
	Confidence                 Confidence      `json:"confidence"`
	IsEnriched                 EnrichmentState `json:"isEnriched"`
	RawContext                 string          `json:"_rawContext"`
	PriceRaw                   string          `json:"priceRaw,omitempty"`
}

// MarshalJSON renders the camelCase API shape.
func (e CaptureEvent) MarshalJSON() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	links := e.Links
	if links == nil {
		links = []string{}
	}
	issues := e.Confidence.Issues
	if issues == nil {
		issues = []string{}
	}
	return json.Marshal(apiEvent{
		ID:                         e.ID,
		Title:                      e.Title,
		Kind:                       e.Kind,
		Tags:                       tags,
		DateTimeFrom:               e.Start,
		DateTimeTo:                 e.End,
		Description:                e.Description,
		Location:                   e.Location,
		Links:                      links,
		TicketDirectLink:           e.TicketDirectLink,
		TicketAvailableProbability: e.TicketAvailableProbability,
		TicketSearchQuery:          e.TicketSearchQuery,
		Confidence:                 Confidence{Score: e.Confidence.Score, Issues: issues},
		IsEnriched:                 e.State,
		RawContext:                 e.RawContext,
		PriceRaw:                   e.PriceRaw,
	})
}

// UnmarshalJSON accepts the API shape. The raw location falls back to the
// address when the skeleton string is not carried separately.
func (e *CaptureEvent) UnmarshalJSON(data []byte) error {
	wire := apiEvent{TicketAvailableProbability: DefaultTicketProbability}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*e = CaptureEvent{
		Skeleton: Skeleton{
			ID:               wire.ID,
			Title:            wire.Title,
			Kind:             wire.Kind,
			Start:            wire.DateTimeFrom,
			End:              wire.DateTimeTo,
			LocationRaw:      wire.Location.Address,
			RawContext:       wire.RawContext,
			PriceRaw:         wire.PriceRaw,
			Links:            wire.Links,
			TicketDirectLink: wire.TicketDirectLink,
			Confidence:       wire.Confidence,
		},
		Description:                wire.Description,
		Tags:                       wire.Tags,
		Location:                   wire.Location,
		TicketAvailableProbability: wire.TicketAvailableProbability,
		TicketSearchQuery:          wire.TicketSearchQuery,
		State:                      wire.IsEnriched,
	}
	return nil
}
