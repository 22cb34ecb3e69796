// Package enrichment runs the second pipeline pass over a batch of freshly
// persisted skeletons.
//
// Each event gets its own job. A job tries the enrich stage up to a fixed
// number of times, sleeping 1s, 2s, 4s (doubling from a base) after each
// failed attempt, and ends either done, with the patch merged into the store,
// or exhausted, with the event left on its skeleton data and marked so a later
// explicit re-enrich can pick it up. Jobs never wait on one another, and Run
// returns only after every job has ended.
package enrichment
