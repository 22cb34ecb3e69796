// Package main hosts the cap2cal CLI entrypoint and command graph.
//
// `cap2cal serve` wires the model client, both pipeline stages, the quota
// gate, the event store, and the enrichment orchestrator into the HTTP API.
// The remaining commands are clients: `capture` sends a poster to a running
// server, stores the returned skeletons locally, and enriches them through the
// server's /enrich endpoint under the configured retry policy; `events`
// inspects and re-enriches the local store; `config` scaffolds and checks the
// TOML configuration.
package main
