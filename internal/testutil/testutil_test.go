package testutil

import (
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewSQLiteStore(t *testing.T) {
	db, dir := NewSQLiteStore(t, "testutil_test_")
	if db == nil {
		t.Fatal("NewSQLiteStore returned nil store")
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected temp dir to exist: %v", err)
	}
	jobs, err := db.GetAllJobs()
	if err != nil {
		t.Fatalf("GetAllJobs on fresh store: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected empty store, got %d jobs", len(jobs))
	}
}

func TestTempDirRemovedAfterTest(t *testing.T) {
	var dir string
	t.Run("inner", func(t *testing.T) {
		dir = TempDir(t, "testutil_cleanup_")
	})
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected %s removed after subtest, stat err = %v", dir, err)
	}
}

func TestWaitFor(t *testing.T) {
	var calls atomic.Int32
	WaitFor(t, time.Second, func() bool {
		return calls.Add(1) >= 3
	})
	if calls.Load() < 3 {
		t.Errorf("expected at least 3 polls, got %d", calls.Load())
	}
}
