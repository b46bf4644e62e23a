// Package testutil provides a migrated in-memory ledger for tests.
package testutil

import (
	"context"
	"testing"

	"airtimebridge/internal/common/database"
	"airtimebridge/internal/common/logging"
)

// NewLedger opens an in-memory SQLite ledger with every migration applied.
// It is closed when the test ends.
func NewLedger(t testing.TB) *database.SQLiteDB {
	t.Helper()

	logger := logging.Discard()
	db, err := database.OpenSQLite(context.Background(), ":memory:", logger)
	if err != nil {
		t.Fatalf("opening sqlite ledger: %v", err)
	}
	t.Cleanup(db.Close)

	cfg := database.Config{Driver: database.DriverSQLite, URL: ":memory:"}
	if err := database.MigrateUp(db, cfg, logger); err != nil {
		t.Fatalf("migrating sqlite ledger: %v", err)
	}
	return db
}
