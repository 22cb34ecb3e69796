package capture

import (
	"encoding/json"
	"fmt"

	"cap2cal/internal/event"
)

// ScannerPrompt is the system prompt for skeleton extraction. It asks only for
// transcribed structural fields so responses stay short.
func ScannerPrompt(locale string) string {
	return fmt.Sprintf(`You are a high-precision data extraction engine. Transcribe event data from the image into JSON.
Do not summarize, do not write descriptions, do not translate titles.

User language: %[1]s (%[2]s). Use it only to standardize generic terms such as the event kind; keep proper nouns as printed.

When the image is a list or table, map rows strictly. A row without a time gets a null time. Never invent values.
Separate pre-printed form elements (grid lines, box borders) from handwritten or stamped content before reading digits.
Use the event context to sanity-check unclear handwriting.

Return exactly this shape:
{
  "status": "success",
  "data": {
    "meta": {"type": "single_event" | "list" | "spreadsheet", "event_count": number, "overall_confidence": number 0..1},
    "items": [
      {
        "title": "string",
        "kind": "string (category such as concert, workshop, appointment, in %[2]s)",
        "date_iso": "YYYY-MM-DD",
        "time_iso": "HH:MM:SS or null",
        "end_date_iso": "YYYY-MM-DD or null",
        "end_time_iso": "HH:MM:SS or null",
        "location_raw": "location text as printed, or null",
        "price_raw": "price text as printed, or null",
        "raw_text_context": "a raw snippet of nearby text, not a description",
        "links": ["URLs found"],
        "ticket_direct_link": "direct ticket URL or null",
        "confidence": {"score": number 0..1, "issues": ["ambiguous_date" | "handwriting_unclear" | "inferred_year" | "low_contrast"]}
      }
    ]
  }
}

Rules:
1. If the year is missing, infer the next plausible year, add "inferred_year" to issues and lower the score to 0.9.
2. Unreadable text lowers the score to 0.5.
3. Each distinct event is its own item.
4. Dates are YYYY-MM-DD. Times are HH:MM:SS; use :00 when seconds are missing.
5. Fields not present in the image are null.

If the image is unreadable or not an event, return:
{"status": "error", "data": {"reason": "PROBABLY_NOT_AN_EVENT" | "IMAGE_TOO_BLURRED" | "LOW_CONTRAST_OR_POOR_LIGHTING" | "TEXT_TOO_SMALL" | "OVERLAPPING_TEXT_OR_GRAPHICS"}}

Return JSON only.`, locale, LanguageName(locale))
}

// EnricherPrompt is the system prompt for the descriptive second pass.
func EnricherPrompt(locale string) string {
	return fmt.Sprintf(`You are an event copywriter and ticket search specialist.
Turn raw event data into friendly descriptions and an actionable ticket search query.

Write every output string in %[1]s (%[2]s), except proper nouns such as artist and venue names.

The user sends JSON with: title, kind, dateTimeFrom, dateTimeTo, location_raw, raw_text_context, links.

1. description.short: 4-8 warm, inviting sentences focused on the experience.
   description.long: two to three times longer, adding atmosphere and background.
2. tags: 3-7 tags, including special ones such as "Family-friendly", "Outdoor" or "Free entry" when the context implies them.
3. location: parse location_raw into city and a cleaned full address. Leave city empty when it cannot be inferred.
4. ticketAvailableProbability (0.0-1.0): high for concerts, theatre, festivals and professional sports;
   medium for workshops and conferences; low for free meetups and personal appointments.
5. ticketSearchQuery: if a ticket vendor appears in raw_text_context or links, use "Title" "City" site:vendor-domain;
   otherwise when probability > 0.6, use "Title" "City" "Date" Tickets; otherwise an empty string.

Return only:
{
  "description": {"short": "string", "long": "string"},
  "tags": ["string"],
  "location": {"city": "string", "address": "string"},
  "ticketAvailableProbability": number,
  "ticketSearchQuery": "string"
}`, locale, LanguageName(locale))
}

type enrichContext struct {
	Title          string          `json:"title"`
	Kind           string          `json:"kind"`
	DateTimeFrom   event.DateTime  `json:"dateTimeFrom"`
	DateTimeTo     *event.DateTime `json:"dateTimeTo,omitempty"`
	LocationRaw    string          `json:"location_raw"`
	RawTextContext string          `json:"raw_text_context"`
	Links          []string        `json:"links"`
}

// EnrichUserPrompt renders the skeleton fields the enricher may use.
func EnrichUserPrompt(sk event.Skeleton) (string, error) {
	links := sk.Links
	if links == nil {
		links = []string{}
	}
	payload, err := json.Marshal(enrichContext{
		Title:          sk.Title,
		Kind:           sk.Kind,
		DateTimeFrom:   sk.Start,
		DateTimeTo:     sk.End,
		LocationRaw:    sk.LocationRaw,
		RawTextContext: sk.RawContext,
		Links:          links,
	})
	if err != nil {
		return "", fmt.Errorf("encode enrich context: %w", err)
	}
	return "Enrich this event data:\n\n" + string(payload), nil
}
