// Package storage is the system of record for the publishing pipeline.
//
// A Store holds:
//   - Posts, written with optimistic versioning
//   - Tasks (one row per execution attempt, never deleted)
//   - the durable job queue, claimed atomically
//   - the device and bot registry tables
//
// Backends: "memory" (tests, embedding), "sqlite" (modernc, pure Go) and
// "postgres" (pgx stdlib). Both SQL backends share one implementation; only the
// placeholder style, the claim statement and the migration file differ.
package storage
