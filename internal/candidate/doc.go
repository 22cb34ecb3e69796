// Package candidate turns one model response into a typed result.
//
// Validate runs a fixed sequence: strip markdown code fences, strict JSON
// parse, a tolerant repair pass on parse failure, JSON-schema validation, and
// finally a typed decode (plus the payload's own Check when it has one). Every
// failure is returned as a Result naming the step that rejected the input;
// Validate never panics past its boundary.
//
// A schema-conformant declared error (for example a scan reporting
// PROBABLY_NOT_AN_EVENT) is a valid result. Distinguishing it from a usable
// payload is the caller's job.
package candidate
