// Package dbtest opens migrated SQLite databases for tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"hookrelay/internal/platform/config"
	"hookrelay/internal/platform/database"
)

// Open returns a fully migrated database in a fresh temp directory. It is
// closed when the test ends.
func Open(t testing.TB) *database.DB {
	t.Helper()

	cfg := config.DatabaseConfig{
		Driver: database.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "relay.db"),
	}
	if err := database.Migrate(cfg, "up", 0); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	db, err := database.Open(cfg)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
