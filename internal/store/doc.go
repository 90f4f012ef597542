// Package store provides SQLite-backed durable storage for the upload
// lifecycle of recorded artifacts.
//
// The store holds:
//   - Sessions: one row per capture run, with a set-once recording anchor
//   - Files: one row per recorded chunk, unique by path
//   - Sensor readings: one row per sample, uploaded in batches
//   - Status history: every applied status change, in order
//
// # Status Transitions
//
// Status changes after creation go through CompareAndSetStatus, which
// updates a set of records only if all of them are still in an expected
// status. The claim to UPLOADING uses it so that two concurrent passes over
// the same record result in one upload; the loser sees 0 rows and backs off.
// Transitions outside the lifecycle graph (status.go) are rejected.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Timestamps are stored as unix milliseconds UTC.
package store
