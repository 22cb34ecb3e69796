// Package metrics exposes Prometheus collectors for races, enrichment jobs,
// the quota gate, and the HTTP API. A nil *Metrics is a valid no-op.
package metrics
