// Package pebblejobs implements the job store gateway on an embedded Pebble
// database. It is the default backend for single-host deployments and the
// fixture used by most tests.
//
// # Keyspace
//
// All keys are prefixed with jq/:
//
//	job/{id}                          - Job record (queue, priority, payload, run_at)
//	ready/{queue}/{prio}{run_at}{id}  - Availability index, priority-major
//	lock/{id}                         - Lock record (owner, locked_at_ms)
//	lock_idx/{locked_at}{id}          - Lock age index for the orphan sweep
//
// Priorities sort ascending (lower value runs first) with the sign bit
// flipped so negative priorities order correctly. Every gateway operation
// commits as a single Pebble batch, which is what makes fetch-and-lock and
// lock transfer atomic with respect to other local callers.
package pebblejobs
