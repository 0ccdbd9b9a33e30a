package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/reconcile/internal/querysql"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

// Schema version tracking (SQLite user_version):
// 0 - Empty database
// 1 - Initial entity, audit, link, reference, condition and flag tables
// 2 - Member lookup index for hard-delete cascades
const currentSchemaVersion = 2

// Store provides durable storage for entities and their satellite records.
type Store struct {
	db       *sql.DB
	driver   string
	dialect  querysql.Dialect
	compiler *querysql.Compiler
}

// Options selects the backend.
type Options struct {
	// Driver is a database/sql driver name: "sqlite3" or "pgx".
	Driver string

	// DSN is the data source name; a file path for SQLite.
	DSN string

	// MaxOpenConns caps the pool for Postgres. SQLite always uses one.
	MaxOpenConns int
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	return OpenWith(context.Background(), Options{Driver: "sqlite3", DSN: path})
}

// OpenWith opens the backend described by opts and applies the schema.
func OpenWith(ctx context.Context, opts Options) (*Store, error) {
	if opts.Driver == "" {
		opts.Driver = "sqlite3"
	}
	dialect, err := querysql.DialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	switch dialect {
	case querysql.SQLite:
		// SQLite only supports one writer at a time, so limit connections.
		// Ambient transactions rely on this: a second connection would
		// block on the writer lock held by the first.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := applyPragmas(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragmas: %w", err)
		}
	case querysql.Postgres:
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
		}
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	s := &Store{
		db:       db,
		driver:   opts.Driver,
		dialect:  dialect,
		compiler: querysql.NewCompiler(dialect),
	}
	if err := s.applySchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect reports the SQL flavor of the backend.
func (s *Store) Dialect() querysql.Dialect {
	return s.dialect
}

// Compiler returns the predicate compiler for the backend's dialect.
func (s *Store) Compiler() *querysql.Compiler {
	return s.compiler
}

// rebind rewrites ? placeholders for the backend.
func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func (s *Store) applySchema(ctx context.Context) error {
	ddl := sqliteSchema
	if s.dialect == querysql.Postgres {
		ddl = postgresSchema
	}
	for _, stmt := range splitStatements(ddl) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
	}

	if s.dialect != querysql.SQLite {
		return nil
	}
	if err := runMigrations(ctx, s.db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// splitStatements splits a DDL script on semicolons, dropping empty
// chunks. The scripts contain no semicolons inside literals.
func splitStatements(script string) []string {
	var out []string
	for _, chunk := range strings.Split(script, ";") {
		body := strings.TrimSpace(chunk)
		if body == "" || isCommentOnly(body) {
			continue
		}
		out = append(out, body)
	}
	return out
}

func isCommentOnly(chunk string) bool {
	for _, line := range strings.Split(chunk, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 2 {
		if err := migrateToV2(ctx, db); err != nil {
			return err
		}
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV2 adds the member lookup index for databases created at v1.
// New databases get it from the schema script.
func migrateToV2(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_entity_members_member
		ON entity_members(member_id)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// micros converts a timestamp to the stored unix-microsecond form.
func micros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

// fromMicros converts a stored timestamp back to UTC time.
func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
