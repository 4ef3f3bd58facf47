// Package storage keeps the run history: one record per finished, failed or
// canceled job. It is an audit trail only; pending jobs are never restored
// from it.
//
// Drivers:
//   - "file": append-only JSON Lines, no dependencies
//   - "sqlite": a SQLite database via modernc.org/sqlite (pure Go)
package storage
