// Package testutil provides common test helpers for Courier packages.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/Courier/internal/store"
)

// DefaultWait bounds WaitFor when callers have no tighter deadline.
const DefaultWait = 5 * time.Second

// TempDir creates a directory that is removed when the test ends.
func TempDir(t *testing.T, prefix string) string {
	t.Helper()
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// NewSQLiteStore opens a fresh SQLite store in its own temp directory and returns the store
// with that directory, so callers can place downloads or blobs next to the database.
func NewSQLiteStore(t *testing.T, prefix string) (*store.SQLiteStore, string) {
	t.Helper()
	dir := TempDir(t, prefix)
	db, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(dir, "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, dir
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
