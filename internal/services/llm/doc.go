// Package llm provides an OpenRouter chat client used by the scan and enrich
// stages.
//
// # Requests
//
// Request carries a system prompt, an optional user prompt, an optional image
// data URL, and a per-call temperature. Image requests are sent as multimodal
// content parts (text + image_url). Every request asks for a JSON object
// response format; Complete returns the raw model content so callers can run
// their own parse, repair, and schema validation.
//
// # Entry Points
//
// NewClient: construct client from Config.
// Client.Complete: send a Request, receive raw JSON content.
// Client.HealthCheck: verify API key and model availability.
// StatusCode: recover the upstream HTTP status from a returned error.
//
// WithLogger enables a debug record per call carrying the model, temperature,
// duration, and token usage reported by the provider.
//
// # Retry Behaviour
//
// The client retries on HTTP 408/429/5xx errors and network timeouts with
// exponential backoff (base 1s, max 10s). cap2cal configures a single attempt
// by default because the scan race and the enrichment orchestrator own retry
// policy. Context cancellation aborts retries immediately.
package llm
