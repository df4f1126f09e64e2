package db

import (
	"path/filepath"
	"testing"
)

// NewTestDB opens a migrated database in a per-test temporary directory.
func NewTestDB(t testing.TB) *DB {
	t.Helper()
	database, err := NewDB(filepath.Join(t.TempDir(), "battery.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}
