// Package race runs hedged model calls.
//
// A Coordinator launches one call per sampling temperature against the same
// input, validates each response as it arrives, and resolves with the first
// candidate that validates. A faster response that fails validation never
// wins. Losing calls are detached rather than cancelled by default: they run
// to completion (bounded by the per-call timeout) and are logged and observed
// for diagnostics after the race has returned.
//
// When every candidate fails, the Outcome has no winner, carries exactly one
// CandidateResult per temperature, and Err wraps ErrAllCandidatesFailed.
package race
