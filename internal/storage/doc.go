// Package storage is the score store: evaluation records, the model registry
// and persisted scheduler job state, on SQLite (modernc.org/sqlite) or
// Postgres (lib/pq).
//
// Every method is one short statement or transaction; callers never hold a
// transaction across a network call.
package storage
