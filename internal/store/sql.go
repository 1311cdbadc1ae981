// ABOUTME: database/sql implementation of the Store interfaces for SQLite and Postgres
// ABOUTME: Handles driver selection, schema creation, migrations, and placeholder rebinding

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLStore implements Store over database/sql.
// Queries are written with ? placeholders and rebound for Postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// Open connects to the database for the given driver and prepares the schema.
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLiteStore(dsn)
	case DriverPostgres:
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite serialises writers; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLStore{db: db, driver: DriverSQLite, logger: logger}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// NewPostgresStore creates a store backed by Postgres through the pgx stdlib driver.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	logger := slog.Default().With("component", "store")

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	s := &SQLStore{db: db, driver: DriverPostgres, logger: logger}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Postgres store initialized")
	return s, nil
}

func (s *SQLStore) init() error {
	if err := s.createSchema(); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// createSchema creates the database tables if they don't exist.
// Only types common to SQLite and Postgres are used: times are RFC3339 TEXT,
// flags are INTEGER 0/1, and JSON documents are TEXT.
func (s *SQLStore) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tool_servers (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			transport    TEXT NOT NULL,
			config       TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'disconnected',
			last_ping_at TEXT,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,

			CHECK (status IN ('connecting', 'connected', 'error', 'disconnected'))
		)`,

		`CREATE TABLE IF NOT EXISTS tools (
			id           TEXT PRIMARY KEY,
			server_id    TEXT NOT NULL REFERENCES tool_servers(id),
			name         TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			input_schema TEXT,
			enabled      INTEGER NOT NULL DEFAULT 1,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,

			UNIQUE (server_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS tool_permissions (
			id          TEXT PRIMARY KEY,
			tool_id     TEXT NOT NULL REFERENCES tools(id),
			caller_type TEXT NOT NULL,
			allowed     INTEGER NOT NULL,
			created_at  TEXT NOT NULL,

			UNIQUE (tool_id, caller_type)
		)`,

		`CREATE TABLE IF NOT EXISTS tool_usage (
			id          TEXT PRIMARY KEY,
			tool_id     TEXT NOT NULL,
			caller_id   TEXT NOT NULL,
			caller_type TEXT NOT NULL,
			input       TEXT,
			output      TEXT,
			duration_ms BIGINT NOT NULL,
			status      TEXT NOT NULL,
			cached      INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_usage_tool ON tool_usage(tool_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS skills (
			id             TEXT PRIMARY KEY,
			org_id         TEXT NOT NULL,
			name           TEXT NOT NULL,
			slug           TEXT NOT NULL,
			description    TEXT NOT NULL DEFAULT '',
			category       TEXT NOT NULL DEFAULT '',
			author_id      TEXT NOT NULL,
			is_public      INTEGER NOT NULL DEFAULT 0,
			install_count  INTEGER NOT NULL DEFAULT 0,
			rating_sum     INTEGER NOT NULL DEFAULT 0,
			rating_count   INTEGER NOT NULL DEFAULT 0,
			forked_from_id TEXT,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,

			UNIQUE (org_id, slug)
		)`,

		`CREATE TABLE IF NOT EXISTS skill_versions (
			id             TEXT PRIMARY KEY,
			skill_id       TEXT NOT NULL REFERENCES skills(id) ON DELETE CASCADE,
			version        TEXT NOT NULL,
			definition     TEXT NOT NULL,
			input_schema   TEXT,
			output_mapping TEXT,
			is_latest      INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_skill_versions_skill ON skill_versions(skill_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS skill_ratings (
			skill_id   TEXT NOT NULL REFERENCES skills(id) ON DELETE CASCADE,
			user_id    TEXT NOT NULL,
			rating     INTEGER NOT NULL,
			review     TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			PRIMARY KEY (skill_id, user_id),
			CHECK (rating BETWEEN 1 AND 5)
		)`,

		`CREATE TABLE IF NOT EXISTS skill_executions (
			id           TEXT PRIMARY KEY,
			skill_id     TEXT NOT NULL,
			version_id   TEXT NOT NULL,
			org_id       TEXT NOT NULL,
			triggered_by TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			input        TEXT,
			status       TEXT NOT NULL,
			step_results TEXT,
			output       TEXT,
			duration_ms  BIGINT NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,

			CHECK (status IN ('running', 'completed', 'failed', 'cancelled')),
			CHECK (trigger_type IN ('agent', 'user', 'schedule'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_skill_executions_org ON skill_executions(org_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// runMigrations applies additive column changes to databases created by
// earlier releases.
func (s *SQLStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "skill_versions",
			column: "output_mapping",
			apply:  `ALTER TABLE skill_versions ADD COLUMN output_mapping TEXT`,
		},
		{
			table:  "skills",
			column: "forked_from_id",
			apply:  `ALTER TABLE skills ADD COLUMN forked_from_id TEXT`,
		},
	}

	for _, m := range migrations {
		exists, err := s.columnExists(m.table, m.column)
		if err != nil {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if exists {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

func (s *SQLStore) columnExists(table, column string) (bool, error) {
	var query string
	if s.driver == DriverPostgres {
		query = `SELECT 1 FROM information_schema.columns WHERE table_name = ? AND column_name = ?`
	} else {
		query = `SELECT 1 FROM pragma_table_info(?) WHERE name = ?`
	}

	var exists int
	err := s.db.QueryRow(s.rebind(query), table, column).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Ping verifies the database answers a trivial query.
func (s *SQLStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	s.logger.Info("closing store", "driver", s.driver)
	return s.db.Close()
}

// rebind converts ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isConstraintViolation checks if the error is a UNIQUE constraint violation
// from either driver.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

// timeFormat is fixed-width so TEXT ordering matches chronological ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullString converts an empty string to a NULL value.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullJSON stores an empty document as NULL.
func nullJSON(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}

func rawJSON(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Ensure SQLStore implements Store.
var _ Store = (*SQLStore)(nil)
