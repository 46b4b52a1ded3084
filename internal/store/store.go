package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a registry key is already taken.
	ErrDuplicate = errors.New("already exists")

	errNotInitialized = errors.New("store not initialized")
)

// Dialect selects the SQL flavour spoken by the underlying driver.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", name)
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
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

// Options describes how to reach the database.
type Options struct {
	Driver string
	// Path is the SQLite database file.
	Path string
	// DSN is the PostgreSQL connection string.
	DSN string
}

// Store implements the schedule store, history ledger and device registry on database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open initializes the database connection, creating directories as needed.
func Open(opts Options) (*Store, error) {
	dialect, err := ParseDialect(opts.Driver)
	if err != nil {
		return nil, err
	}

	switch dialect {
	case Postgres:
		if strings.TrimSpace(opts.DSN) == "" {
			return nil, errors.New("open postgres: DSN is required")
		}
		db, err := sql.Open("postgres", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxIdleTime(5 * time.Minute)
		return New(db, Postgres), nil

	default:
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}

		// One connection serializes writers; immediate transactions take the
		// write lock up front so a completion never upgrades mid-flight.
		dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", opts.Path)

		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}

		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(5 * time.Minute)

		return New(db, SQLite), nil
	}
}

// New wraps an existing handle.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}
	return s.db.PingContext(ctx)
}

// Dialect reports the SQL flavour in use.
func (s *Store) Dialect() Dialect { return s.dialect }

// DB exposes the underlying sql.DB for callers that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) schema() []string {
	idCol, floatCol, refCol := "INTEGER PRIMARY KEY AUTOINCREMENT", "REAL", "INTEGER"
	if s.dialect == Postgres {
		idCol, floatCol, refCol = "BIGSERIAL PRIMARY KEY", "DOUBLE PRECISION", "BIGINT"
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS camera (
			cam_id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'active'
		);`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS modules (
			module_id TEXT PRIMARY KEY,
			cam_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			weight %s
		);`, floatCol),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS schedules (
			schedule_id %s,
			module_id TEXT NOT NULL,
			feed_date TEXT NOT NULL,
			feed_time TEXT NOT NULL,
			amount %s NOT NULL CHECK (amount > 0),
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'done', 'cancelled'))
		);`, idCol, floatCol),
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(module_id, feed_date, status, feed_time);`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS history (
			history_id %s,
			schedule_id %s REFERENCES schedules(schedule_id) ON DELETE SET NULL,
			created_at TEXT NOT NULL
		);`, idCol, refCol),
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_history_schedule ON history(schedule_id);`,
		`CREATE INDEX IF NOT EXISTS idx_history_created ON history(created_at);`,
	}
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}

	for _, stmt := range s.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const historyTimeLayout = "2006-01-02 15:04:05"

func parseStoredTime(s string) time.Time {
	if t, err := time.ParseInLocation(historyTimeLayout, s, time.UTC); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
