package database

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// MigrateUp applies all pending migrations for the connection's driver.
func MigrateUp(conn Conn, cfg Config, logger *slog.Logger) error {
	return runMigrations(conn, cfg, logger, func(m *migrate.Migrate) error { return m.Up() })
}

// MigrateDown rolls back the given number of migrations.
func MigrateDown(conn Conn, cfg Config, steps int, logger *slog.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", steps)
	}
	return runMigrations(conn, cfg, logger, func(m *migrate.Migrate) error { return m.Steps(-steps) })
}

func runMigrations(conn Conn, cfg Config, logger *slog.Logger, run func(*migrate.Migrate) error) error {
	m, closeFn, err := newMigrator(conn, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := run(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("reading migration version: %w", err)
	}
	logger.Info("database migrations applied",
		"driver", conn.Driver(),
		"version", version,
		"dirty", dirty,
	)
	return nil
}

func newMigrator(conn Conn, cfg Config) (*migrate.Migrate, func(), error) {
	switch c := conn.(type) {
	case *SQLiteDB:
		src, err := iofs.New(migrationsFS, "migrations/sqlite")
		if err != nil {
			return nil, nil, fmt.Errorf("loading sqlite migrations: %w", err)
		}
		drv, err := sqlite.WithInstance(c.DB(), &sqlite.Config{})
		if err != nil {
			return nil, nil, fmt.Errorf("creating sqlite migration driver: %w", err)
		}
		m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return nil, nil, fmt.Errorf("creating migrator: %w", err)
		}
		// Closing m would close the shared *sql.DB; only the source is released.
		return m, func() { _ = src.Close() }, nil

	case *DB:
		src, err := iofs.New(migrationsFS, "migrations/postgres")
		if err != nil {
			return nil, nil, fmt.Errorf("loading postgres migrations: %w", err)
		}
		m, err := migrate.NewWithSourceInstance("iofs", src, pgx5URL(cfg.URL))
		if err != nil {
			return nil, nil, fmt.Errorf("creating migrator: %w", err)
		}
		return m, func() { _, _ = m.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("migrations unsupported for %T", conn)
	}
}

// pgx5URL rewrites a postgres URL to the scheme registered by the pgx/v5
// migrate driver.
func pgx5URL(url string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(url, prefix) {
			return "pgx5://" + strings.TrimPrefix(url, prefix)
		}
	}
	return url
}
