package recovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/Courier/internal/jobmanager"
	"github.com/BTreeMap/Courier/internal/jobs"
	"github.com/BTreeMap/Courier/internal/network"
	"github.com/BTreeMap/Courier/internal/store"
	"github.com/BTreeMap/Courier/internal/testutil"
)

// mockRecoverable records whether it ran and returns a canned error.
type mockRecoverable struct {
	called bool
	err    error
}

func (m *mockRecoverable) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	m.called = true
	return m.err
}

type fakeOrphans struct {
	n   int
	err error
}

func (f *fakeOrphans) RecoverOrphans(ctx context.Context) (int, error) {
	return f.n, f.err
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	db, _ := testutil.NewSQLiteStore(t, "courier_recovery_test_")
	return db
}

func newTestManager(t *testing.T, db store.JobRepo, env *jobs.Env) *jobmanager.Manager {
	t.Helper()
	reg := jobmanager.NewRegistry()
	if err := jobs.Register(reg, env); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	// Constraints stay unmet so rescheduled downloads remain queued for inspection.
	return jobmanager.NewManager(db, reg,
		jobmanager.WithConstraint(network.ConstraintName, jobmanager.NewToggle(false)),
		jobmanager.WithConstraint(jobs.AutoDownloadConstraint, jobmanager.NewToggle(false)),
	)
}

func TestRecoveryManager_RecoverAll(t *testing.T) {
	db := newTestStore(t)
	rm := NewRecoveryManager(db, nil)

	ok1 := &mockRecoverable{}
	failing := &mockRecoverable{err: errors.New("boom")}
	ok2 := &mockRecoverable{}
	rm.RegisterRecoverable(ok1)
	rm.RegisterRecoverable(failing)
	rm.RegisterRecoverable(ok2)

	err := rm.RecoverAll(context.Background())
	if err == nil {
		t.Fatal("expected an error when a component fails")
	}
	if !ok1.called || !failing.called || !ok2.called {
		t.Error("every component should run even after a failure")
	}
}

func TestRecoveryManager_NoComponents(t *testing.T) {
	rm := NewRecoveryManager(newTestStore(t), nil)
	if err := rm.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll failed: %v", err)
	}
	if rm.GetRegistry().GetStore() == nil {
		t.Error("registry should expose the store")
	}
}

func TestEnvelopeRecovery(t *testing.T) {
	rm := NewRecoveryManager(newTestStore(t), nil)
	rm.RegisterRecoverable(&EnvelopeRecovery{Receiver: &fakeOrphans{n: 2}})
	if err := rm.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll failed: %v", err)
	}

	failing := &EnvelopeRecovery{Receiver: &fakeOrphans{err: errors.New("db gone")}}
	if err := failing.RecoverState(context.Background(), rm.GetRegistry()); err == nil {
		t.Error("expected receiver error to propagate")
	}
}

func TestTransferRecovery(t *testing.T) {
	db := newTestStore(t)
	downloads := t.TempDir()
	env := &jobs.Env{Messages: db, Attachments: db, DownloadDir: downloads}
	m := newTestManager(t, db, env)

	partial := filepath.Join(downloads, ".download-123")
	kept := filepath.Join(downloads, "photo.jpg")
	for _, p := range []string{partial, kept} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}

	pending := &store.AttachmentRecord{MessageID: "m1", RemoteKey: "attachments/a", State: store.TransferPending}
	if err := db.InsertAttachment(pending); err != nil {
		t.Fatalf("InsertAttachment failed: %v", err)
	}
	done := &store.AttachmentRecord{MessageID: "m1", RemoteKey: "attachments/b", LocalPath: kept, State: store.TransferDone}
	if err := db.InsertAttachment(done); err != nil {
		t.Fatalf("InsertAttachment failed: %v", err)
	}

	rm := NewRecoveryManager(db, m)
	rm.RegisterRecoverable(&TransferRecovery{Env: env})
	if err := rm.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll failed: %v", err)
	}

	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Error("partial download should be removed")
	}
	if _, err := os.Stat(kept); err != nil {
		t.Errorf("completed file should be kept: %v", err)
	}
	if m.IsQueueEmpty(jobs.DownloadQueue(pending.ID)) {
		t.Error("pending download should be rescheduled")
	}
	if !m.IsQueueEmpty(jobs.DownloadQueue(done.ID)) {
		t.Error("finished download must not be rescheduled")
	}

	// A second pass finds the live job and adds nothing.
	if err := rm.RecoverAll(context.Background()); err != nil {
		t.Fatalf("second RecoverAll failed: %v", err)
	}
	n := 0
	for _, s := range m.Snapshot() {
		if s.QueueKey == jobs.DownloadQueue(pending.ID) {
			n++
		}
	}
	if n != 1 {
		t.Errorf("expected one download job, got %d", n)
	}
}

func TestRemovePartialDownloads_MissingDir(t *testing.T) {
	if n := removePartialDownloads(filepath.Join(t.TempDir(), "nope")); n != 0 {
		t.Errorf("removed %d files from a missing dir", n)
	}
	if n := removePartialDownloads(""); n != 0 {
		t.Errorf("removed %d files with no dir", n)
	}
}
