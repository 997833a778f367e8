// Package storage persists templates, translations, delivery records,
// recipients and the audit trail.
//
// Two drivers share one database/sql implementation:
//   - "sqlite": a local file through modernc.org/sqlite (single writer)
//   - "postgres": a pgx pool bridged to database/sql
//
// Schema changes are embedded goose migrations, one directory per dialect.
// Timestamps are stored as unix milliseconds and booleans as integers so both
// dialects read back identically.
package storage
