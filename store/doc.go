// Package store is the durable adapter over Postgres: session rows, the
// platform registry, and the read-only resources clients can request through
// the broadcast bridge. Session rows are soft-retired, never deleted.
package store
