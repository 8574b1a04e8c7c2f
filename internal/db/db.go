// Package db provides database connection management for the agent's local
// SQLite store and the server's SQLite or PostgreSQL store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL flavor behind a DB.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect converts a config value such as "postgres" into a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", s)
}

// FileName is the SQLite database file created under the data directory.
const FileName = "handoff.db"

// DB wraps sql.DB with the dialect it talks to.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open opens the SQLite database under dataDir.
// The database is opened with:
// - WAL mode for concurrent reads/writes
// - Foreign key constraints enabled
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return OpenSQLite(filepath.Join(dataDir, FileName))
}

// OpenSQLite opens a SQLite database at dsn, which may be ":memory:".
func OpenSQLite(dsn string) (*DB, error) {
	// modernc.org/sqlite is pure Go, no CGO
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &DB{DB: db, Dialect: DialectSQLite}, nil
}

// OpenPostgres opens a PostgreSQL database through lib/pq and verifies the
// connection.
func OpenPostgres(dsn string) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return &DB{DB: db, Dialect: DialectPostgres}, nil
}

// Connect opens a database for the given dialect. SQLite uses dataDir when
// dsn is empty.
func Connect(dialect Dialect, dsn, dataDir string) (*DB, error) {
	switch dialect {
	case DialectPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("postgres requires a DATABASE_URL")
		}
		return OpenPostgres(dsn)
	case DialectSQLite:
		if dsn != "" {
			return OpenSQLite(dsn)
		}
		return Open(dataDir)
	}
	return nil, fmt.Errorf("unsupported database dialect %q", dialect)
}

// Rebind rewrites ? placeholders into the dialect's form. Queries in this
// repository are written with ? and pass through Rebind before execution.
func (db *DB) Rebind(query string) string {
	return Rebind(db.Dialect, query)
}

// Rebind rewrites ? placeholders to $1, $2, ... for PostgreSQL. Question
// marks inside single-quoted literals are left alone.
func Rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
