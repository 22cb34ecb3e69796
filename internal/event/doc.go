// Package event holds the capture domain model shared by every pipeline stage.
//
// A Skeleton is the minimal event the scan stage extracts: identity, title,
// kind, start/end date-time, raw location and context strings, and confidence.
// A Patch carries the descriptive fields the enrich stage produces. A
// CaptureEvent is the persisted aggregate of both plus a tri-state enrichment
// marker. Skeleton-owned fields are never changed by Apply; enrichment only
// adds or replaces descriptive fields.
//
// CaptureEvent marshals to the camelCase API shape clients consume
// (dateTimeFrom, ticketAvailableProbability, isEnriched, _rawContext).
package event
