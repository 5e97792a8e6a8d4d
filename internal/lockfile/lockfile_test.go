package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func tempStateDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "lockfile_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestLockAcquisition(t *testing.T) {
	dir := tempStateDir(t)

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %s", lock.Path())
	}
	owner, ok := ReadOwner(lock.Path())
	if !ok {
		t.Fatal("lock file should record its owner")
	}
	if owner.PID != os.Getpid() {
		t.Errorf("owner pid = %d, want %d", owner.PID, os.Getpid())
	}
	if time.Since(owner.Started) > time.Minute {
		t.Errorf("owner start time looks wrong: %v", owner.Started)
	}
}

func TestLockConflict(t *testing.T) {
	dir := tempStateDir(t)

	lock1, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir)
	if err == nil {
		lock2.Release()
		t.Fatal("Second lock acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	if lockErr.Owner == nil || lockErr.Owner.PID != os.Getpid() {
		t.Errorf("conflict should report the holder, got %+v", lockErr.Owner)
	}
	if !strings.Contains(err.Error(), dir) {
		t.Errorf("error should name the lock file: %s", err)
	}
	if lockErr.Unwrap() == nil {
		t.Error("LockError should wrap the flock error")
	}
}

func TestLockRelease(t *testing.T) {
	dir := tempStateDir(t)

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Error("lock file should be removed on release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op, got %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("lock should be available after release: %v", err)
	}
	again.Release()
}

func TestStaleLockFileIsReused(t *testing.T) {
	dir := tempStateDir(t)
	// A crashed process leaves the file behind without holding the flock.
	stale := filepath.Join(dir, LockFileName)
	if err := os.WriteFile(stale, []byte("pid=999999\nstarted=2020-01-01T00:00:00Z\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("stale lock file should not block: %v", err)
	}
	defer lock.Release()
	owner, _ := ReadOwner(stale)
	if owner.PID != os.Getpid() {
		t.Errorf("owner record not replaced, pid = %d", owner.PID)
	}
}

func TestParseOwner(t *testing.T) {
	cases := []struct {
		content string
		pid     int
		ok      bool
	}{
		{"pid=42\nstarted=2024-05-01T10:00:00Z\n", 42, true},
		{"pid=7", 7, true},
		{"", 0, false},
		{"garbage", 0, false},
		{"pid=abc\n", 0, false},
	}
	for _, c := range cases {
		o, ok := parseOwner(c.content)
		if ok != c.ok || o.PID != c.pid {
			t.Errorf("parseOwner(%q) = %+v, %v", c.content, o, ok)
		}
	}
}

func TestLockErrorMessageForDeadOwner(t *testing.T) {
	err := &LockError{LockPath: "/tmp/x/courier.lock", Owner: &Owner{PID: 999999}}
	if !strings.Contains(err.Error(), "no longer running") {
		t.Errorf("message should flag a dead owner: %s", err)
	}
}
