// Package server exposes the capture pipeline over HTTP.
//
// POST /scan and POST /enrich are the stateless pipeline endpoints: every
// request is authorized by bearer token, and /scan reserves one capture from
// the caller's quota before any model call is made. A reservation is released
// when the scan produces no events. When an event store is configured the
// server also accepts POST /captures, which persists the scanned skeletons and
// enriches them in the background, plus read endpoints over stored events and
// a long-poll change feed.
//
// Start takes a file lock in the data directory so only one server owns the
// store at a time.
package server
