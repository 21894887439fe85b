// Package testdb provides an in-memory SQLite store with all migrations applied, for tests.
package testdb

import (
	"testing"

	"github-commit-feed/internal/database"
)

// New opens a fresh in-memory store and closes it when the test finishes.
func New(t *testing.T) *database.SQLiteStore {
	t.Helper()
	store, err := database.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("testdb.New: open database: %v", err)
	}
	if err := store.Migrate(); err != nil {
		_ = store.Close()
		t.Fatalf("testdb.New: migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
