// Package capture holds the two model-backed pipeline stages.
//
// Scanner turns one poster image into event skeletons by racing a small set
// of sampling temperatures through the race coordinator and validating each
// answer against an embedded JSON schema. Identity is assigned only after a
// candidate wins. Enricher makes a single, unraced call per skeleton and
// returns a descriptive patch, or nil when anything goes wrong.
//
// Neither stage persists anything.
package capture
