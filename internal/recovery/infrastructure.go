package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BTreeMap/Courier/internal/jobs"
)

// OrphanScheduler re-adds decrypt jobs for stored envelopes. pipeline.Receiver implements it.
type OrphanScheduler interface {
	RecoverOrphans(ctx context.Context) (int, error)
}

// EnvelopeRecovery schedules envelopes that were stored but whose decrypt job was lost.
type EnvelopeRecovery struct {
	Receiver OrphanScheduler
}

// Compile-time check that EnvelopeRecovery implements Recoverable.
var _ Recoverable = (*EnvelopeRecovery)(nil)

func (r *EnvelopeRecovery) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	n, err := r.Receiver.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("recover envelopes: %w", err)
	}
	slog.Debug("EnvelopeRecovery.RecoverState: done", "scheduled", n)
	return nil
}

// TransferRecovery resets attachment downloads interrupted by a shutdown: partial files are
// removed and pending downloads without a live job get a new one.
type TransferRecovery struct {
	Env *jobs.Env
}

// Compile-time check that TransferRecovery implements Recoverable.
var _ Recoverable = (*TransferRecovery)(nil)

func (r *TransferRecovery) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	removed := removePartialDownloads(r.Env.DownloadDir)

	pending, err := registry.GetStore().ListPendingDownloads()
	if err != nil {
		return fmt.Errorf("list pending downloads: %w", err)
	}
	manager := registry.GetManager()
	scheduled := 0
	for _, a := range pending {
		if !manager.IsQueueEmpty(jobs.DownloadQueue(a.ID)) {
			continue
		}
		if _, err := manager.Add(ctx, jobs.NewAttachmentDownloadJob(r.Env, a.ID, false)); err != nil {
			return fmt.Errorf("reschedule download %s: %w", a.ID, err)
		}
		scheduled++
	}
	slog.Info("TransferRecovery.RecoverState: transfers reset", "partial_files_removed", removed, "downloads_scheduled", scheduled)
	return nil
}

// removePartialDownloads deletes temp files left by attachment.Fetch.
func removePartialDownloads(dir string) int {
	if dir == "" {
		return 0
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("removePartialDownloads: cannot read download dir", "dir", dir, "error", err)
		}
		return 0
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), ".download-") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			slog.Warn("removePartialDownloads: remove failed", "file", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed
}
