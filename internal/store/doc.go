// Package store persists capture events in SQLite and publishes a change feed
// for read models.
//
// Rows are split by ownership: the scan stage writes skeleton columns once on
// insert, and enrichment only ever updates the description, tags, location,
// and ticket columns plus the enrichment state. That split lets a reader see
// a usable event at any time without coordinating with the enrichment
// writer.
//
// The enrichment_cache table memoizes patches by a normalized event key so
// repeated captures of the same poster skip the model. Migrations are
// embedded and applied on Open.
package store
