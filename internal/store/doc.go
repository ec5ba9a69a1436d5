// Package store defines the job store gateway: the contract between the
// broker's dispatch loop and the persistent queue of jobs it distributes.
//
// The broker never executes or mutates job payloads. It only asks the store
// to lock jobs (to named workers plus a synthetic prefetch owner), to
// transfer a lock from the prefetch owner to a worker, and to unlock jobs it
// cannot deliver. All cross-process concurrency control lives behind this
// interface; multiple broker instances may safely share one store.
//
// Two implementations exist: an embedded Pebble-backed store
// (store/pebble) for single-host deployments and tests, and a Postgres
// store (store/postgres) for fleets of brokers sharing one database.
package store
