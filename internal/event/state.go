package event

import (
	"bytes"
	"fmt"
	"strings"
)

// EnrichmentState is the tri-state isEnriched marker. Exhausted is not terminal
// at the system level; an explicit re-enrich resets it to pending.
type EnrichmentState int8

const (
	StatePending EnrichmentState = iota
	StateEnriched
	StateExhausted
)

func (s EnrichmentState) String() string {
	switch s {
	case StateEnriched:
		return "enriched"
	case StateExhausted:
		return "exhausted"
	default:
		return "pending"
	}
}

// ParseState converts a stored or user supplied name into a state.
func ParseState(value string) (EnrichmentState, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "pending", "":
		return StatePending, nil
	case "enriched", "true":
		return StateEnriched, nil
	case "exhausted", "false":
		return StateExhausted, nil
	default:
		return StatePending, fmt.Errorf("unknown enrichment state %q", value)
	}
}

// MarshalJSON encodes pending as null, enriched as true, exhausted as false.
func (s EnrichmentState) MarshalJSON() ([]byte, error) {
	switch s {
	case StateEnriched:
		return []byte("true"), nil
	case StateExhausted:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

func (s *EnrichmentState) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "null":
		*s = StatePending
	case "true":
		*s = StateEnriched
	case "false":
		*s = StateExhausted
	default:
		return fmt.Errorf("isEnriched: expected null or boolean, got %s", data)
	}
	return nil
}
