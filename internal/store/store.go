// Package store persists call records and extension routes. SQLite is the
// default backend; PostgreSQL is available for shared deployments. Both run
// the same embedded migrations and expose the same repositories.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateActiveCall is returned by CallRepository.Create when the
	// caller already has a live channel call. It is expected control flow,
	// not a storage failure.
	ErrDuplicateActiveCall = errors.New("caller already has a live call")
	// ErrDuplicateRoute is returned when an extension is already mapped.
	ErrDuplicateRoute = errors.New("extension already routed")
)

// DB wraps a sql.DB for either backend.
type DB struct {
	*sql.DB
	driver string
	logger *slog.Logger
}

// Open opens the configured backend and runs pending migrations. For
// SQLite, dsn is a data directory; for Postgres, a connection string.
func Open(driver, dsn string, logger *slog.Logger) (*DB, error) {
	l := logger.With("component", "store", "driver", driver)

	var sqlDB *sql.DB
	var err error
	switch driver {
	case DriverSQLite:
		sqlDB, err = openSQLite(dsn)
	case DriverPostgres:
		sqlDB, err = sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db := &DB{DB: sqlDB, driver: driver, logger: l}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	l.Info("database opened")
	return db, nil
}

func openSQLite(dataDir string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "voxbridge.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", dbPath)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite performs best with a single writer connection.
	sqlDB.SetMaxOpenConns(1)
	return sqlDB, nil
}

// migrate runs all pending SQL migration files for the driver in order.
func (db *DB) migrate() error {
	_, err := db.Exec(db.rebind(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY
	)`))
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	dir := path.Join("migrations", db.driver)
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := db.QueryRow(db.rebind("SELECT COUNT(*) FROM schema_migrations WHERE version = ?"), version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(path.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec(db.rebind("INSERT INTO schema_migrations (version) VALUES (?)"), version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		db.logger.Info("migration applied", "version", version)
	}
	return nil
}

// rebind rewrites ? placeholders to $N for Postgres. Queries in this
// package are written in SQLite style.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
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

// isUniqueViolation reports whether err is a unique-constraint failure on
// the named index or constraint.
func (db *DB) isUniqueViolation(err error, name string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && (name == "" || pgErr.ConstraintName == name)
	}
	// modernc.org/sqlite reports constraint failures by message.
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") && !strings.Contains(msg, "constraint failed") {
		return false
	}
	return name == "" || strings.Contains(msg, name) || sqliteIndexColumns(name, msg)
}

// sqliteIndexColumns maps our named indexes to the column list SQLite
// reports in its error message.
func sqliteIndexColumns(name, msg string) bool {
	switch name {
	case "idx_calls_one_live_per_caller":
		return strings.Contains(msg, "calls.caller_addr")
	case "calls_sip_call_id_key":
		return strings.Contains(msg, "calls.sip_call_id")
	case "routes_extension_key":
		return strings.Contains(msg, "routes.extension")
	}
	return false
}
