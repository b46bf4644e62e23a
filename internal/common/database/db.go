// Package database provides the relational connection layer shared by the
// ledger: a Postgres pool (pgx) and an embedded SQLite handle (modernc) behind
// one Conn interface, plus embedded schema migrations.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds database configuration
type Config struct {
	Driver          string        `envconfig:"DATABASE_DRIVER" default:"postgres"`
	URL             string        `envconfig:"DATABASE_URL" required:"true"`
	AutoMigrate     bool          `envconfig:"DATABASE_AUTO_MIGRATE" default:"true"`
	MaxConns        int32         `envconfig:"DATABASE_MAX_CONNS" default:"25"`
	MinConns        int32         `envconfig:"DATABASE_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DATABASE_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `envconfig:"DATABASE_MAX_CONN_IDLE_TIME" default:"30m"`
}

// Row is a single result row.
type Row interface {
	Scan(dest ...any) error
}

// Rows is a result set. Callers must Close it before issuing the next query
// on a SQLite connection.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Querier is the interface for database queries. SQL uses $N placeholders on
// both drivers.
type Querier interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) Row
}

// Conn is an open database handle.
type Conn interface {
	Querier

	// WithTx runs fn inside a transaction. Inside fn only q may be used.
	WithTx(ctx context.Context, fn func(q Querier) error) error

	// LockTx takes a transaction-scoped exclusive lock identified by key.
	LockTx(ctx context.Context, q Querier, key int64) error

	Driver() string
	HealthCheck(ctx context.Context) error
	Close()
}

// Open connects using the configured driver.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Conn, error) {
	switch cfg.Driver {
	case DriverPostgres, "":
		return New(ctx, cfg, logger)
	case DriverSQLite:
		return OpenSQLite(ctx, cfg.URL, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

// IsUniqueViolation checks if an error is a unique constraint violation
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func healthCheck(ctx context.Context, q Querier) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var result int
	if err := q.QueryRow(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}
