// Package quota is the access gate in front of the scan pipeline.
//
// A Gate maps bearer tokens to user ids from a static table and reserves one
// capture per scan through a Service. Limits only apply when the deployment
// is paid-only; pro users are never limited, and every capture is counted
// either way. Scans that end in a declared error or an infrastructure
// failure give their reservation back.
//
// Two Service backends exist: Redis, where a Lua script makes the
// check-and-increment atomic across instances, and an in-process map.
package quota
