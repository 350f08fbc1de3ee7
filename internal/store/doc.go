// Package store is harkbot's persistence layer: a single SQLite database
// holding every inbound notification, per-thread debounce state, batch
// delivery history, and session counters.
//
// Schema changes are additive only (CREATE TABLE IF NOT EXISTS / new
// columns with defaults) so rolling restarts across versions stay safe.
package store
