// Package apiclient calls a running cap2cal server. Client.Enrich satisfies
// the enrichment orchestrator's Enricher contract, so the CLI can run the
// retry policy locally against a remote enrich endpoint.
package apiclient
