// Package services defines shared utilities consumed by the capture pipeline
// stages and their external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp correlation identifiers, event IDs, user IDs,
//     and stage names for logging.
//   - Structured error markers plus the Wrap helper that translate failures
//     into consistent HTTP statuses at the API boundary.
package services
