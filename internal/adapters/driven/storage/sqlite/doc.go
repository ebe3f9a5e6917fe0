// Package sqlite provides the SQLite-backed metadata store and intent log.
//
// This adapter uses modernc.org/sqlite, a pure Go SQLite implementation that requires
// no CGO, enabling easy cross-compilation. Both port implementations share a
// single database connection:
//
//   - MetadataStore: documents, chunk text and normalised raw text
//   - IntentLog: write-ahead ingestion intents and the committed generation
//
// # Schema
//
// The database schema is managed through versioned migrations stored in the
// migrations/ directory. Each migration is a pair of .up.sql and .down.sql files.
//
// # Data Location
//
// By default, the database is stored at ~/.sercha-kb/data/metadata.db
//
// # Durability
//
// The database runs in WAL mode with synchronous=FULL, so a write that
// returns has reached stable storage.
package sqlite
