// Package storage is the backend data store of the notification engine.
//
// One sqlx-backed implementation serves two drivers:
//   - "sqlite": modernc.org/sqlite (pure Go, default; tests use temp files)
//   - "postgres": pgx/v5 pool bridged to database/sql
//
// Schema is managed by goose with embedded per-dialect migrations.
// Writes to collaborator tables (products, reservations, store_categories)
// surface as Change values through a ChangeFeed.
package storage
