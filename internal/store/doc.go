// Package store provides persistent storage for the tool gateway.
//
// # Architecture
//
// The store package uses an interface-driven architecture with one
// repository interface per entity:
//
//   - ServerStore: Registered tool servers and their connection status
//   - CatalogStore: Tools discovered from servers, plus per-caller permissions
//   - UsageStore: Append-only invocation records
//   - SkillStore: Skills, versions, and marketplace ratings
//   - ExecutionStore: Skill execution records
//
// Store composes all of them. SQLStore implements Store over database/sql,
// and MockStore implements it in memory for unit tests.
//
// # Drivers
//
// Open selects the driver:
//
//   - sqlite: modernc.org/sqlite, pure Go, the default
//   - postgres: github.com/jackc/pgx/v5/stdlib
//
// Queries are written with ? placeholders and rebound to $n for Postgres.
// Times are stored as RFC3339 TEXT and flags as INTEGER 0/1 so that one
// schema serves both dialects. SQLite runs with:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// # Catalog Sync
//
// SyncTools disables every tool of a server and upserts the reported set as
// enabled, in one transaction. Tool rows are never deleted, so permissions
// and usage history survive a tool disappearing and coming back.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrDuplicate: A unique key is already taken
//   - ErrInUse: A server still has catalog entries
//   - ErrTerminal: An execution already left the running state
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	store := store.NewMockStore()
//	// store implements Store
//
// Use NewSQLiteStore(":memory:") for integration tests with real SQLite.
package store
