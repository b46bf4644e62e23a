package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteDB is an embedded single-writer ledger database.
type SQLiteDB struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Conn = (*SQLiteDB)(nil)

// OpenSQLite opens a SQLite database. The DSN may be a file path, a
// "sqlite://" URL or ":memory:".
func OpenSQLite(ctx context.Context, dsn string, logger *slog.Logger) (*SQLiteDB, error) {
	path := strings.TrimPrefix(dsn, "sqlite://")
	if path == "" {
		return nil, fmt.Errorf("empty sqlite path")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// One connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	logger.Info("database connection established",
		"driver", DriverSQLite,
		"path", path,
	)

	return &SQLiteDB{db: db, logger: logger}, nil
}

// DB returns the underlying *sql.DB
func (s *SQLiteDB) DB() *sql.DB { return s.db }

// Driver returns DriverSQLite
func (s *SQLiteDB) Driver() string { return DriverSQLite }

// Close closes the database
func (s *SQLiteDB) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Error("closing sqlite", "error", err)
	}
}

func (s *SQLiteDB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return sqlQuerier{s.db}.Exec(ctx, query, args...)
}

func (s *SQLiteDB) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return sqlQuerier{s.db}.Query(ctx, query, args...)
}

func (s *SQLiteDB) QueryRow(ctx context.Context, query string, args ...any) Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// WithTx executes a function within a transaction
func (s *SQLiteDB) WithTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(sqlQuerier{tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction",
				"error", rbErr,
				"original_error", err,
			)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// LockTx is a no-op: the single connection already serializes transactions.
func (s *SQLiteDB) LockTx(ctx context.Context, q Querier, key int64) error {
	return nil
}

// HealthCheck performs a health check on the database
func (s *SQLiteDB) HealthCheck(ctx context.Context) error {
	return healthCheck(ctx, s)
}

// sqlExecutor is satisfied by both *sql.DB and *sql.Tx.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlQuerier struct {
	ex sqlExecutor
}

func (q sqlQuerier) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := q.ex.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q sqlQuerier) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := q.ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (q sqlQuerier) QueryRow(ctx context.Context, query string, args ...any) Row {
	return q.ex.QueryRowContext(ctx, query, args...)
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() { _ = r.Rows.Close() }
